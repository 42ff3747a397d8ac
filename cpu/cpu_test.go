// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cpu

import "testing"

func TestDecodeTCR(t *testing.T) {
	var tcr uint64
	tcr |= 24 << TCR_EL2_T0SZ
	tcr |= 0b010 << TCR_EL2_PS
	tcr |= 0b00 << TCR_EL2_TG0

	got := DecodeTCR(tcr)
	want := TCRFields{T0SZ: 24, PS: 0b010, TG0: 0b00}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodeVTCR(t *testing.T) {
	var vtcr uint64
	vtcr |= 24 << VTCR_EL2_T0SZ
	vtcr |= 0b01 << VTCR_EL2_SL0
	vtcr |= 0b010 << VTCR_EL2_PS
	vtcr |= 0b00 << VTCR_EL2_TG0

	got := DecodeVTCR(vtcr)
	want := VTCRFields{T0SZ: 24, SL0: 0b01, PS: 0b010, TG0: 0b00}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestPARange(t *testing.T) {
	if got := PARange(0b0101); got != 0b0101 {
		t.Fatalf("got %#x, want 0b0101", got)
	}
}

func TestSimulatedRegisterRoundTrip(t *testing.T) {
	SetTCR_EL2(0x1234)
	if got := GetTCR_EL2(); got != 0x1234 {
		t.Fatalf("got %#x, want 0x1234", got)
	}

	SetVTTBR_EL2(0xdeadbeef)
	if got := GetVTTBR_EL2(); got != 0xdeadbeef {
		t.Fatalf("got %#x, want 0xdeadbeef", got)
	}

	before := SimulatedFlushCount()
	FlushTLBEL2()
	if got := SimulatedFlushCount(); got != before+1 {
		t.Fatalf("got flush count %d, want %d", got, before+1)
	}
}
