// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cpu provides access to the AArch64 EL2 system registers the
// paging engine needs: the stage-1 translation control (TCR_EL2,
// TTBR0_EL2, MAIR_EL2), the stage-2 translation control (VTCR_EL2,
// VTTBR_EL2), the memory model feature register (ID_AA64MMFR0_EL1), and
// the EL2 TLB invalidation instruction.
//
// On arm64 these read and write the real registers via MRS/MSR, defined in
// cpu_arm64.s. On every other architecture a package-level simulated
// register file backs the same API, so the paging engine can be built and
// tested on a development host.
package cpu

import "github.com/usbarmory/hvbootcore/bits"

// TCR_EL2 field positions (D13.2.120, ARM Architecture Reference Manual).
const (
	TCR_EL2_T0SZ = 0
	TCR_EL2_PS   = 16
	TCR_EL2_TG0  = 14
)

// VTCR_EL2 field positions (D13.2.130, ARM Architecture Reference Manual).
const (
	VTCR_EL2_T0SZ = 0
	VTCR_EL2_SL0  = 6
	VTCR_EL2_PS   = 16
	VTCR_EL2_TG0  = 14
)

// ID_AA64MMFR0_EL1 field positions (D13.2.3, ARM Architecture Reference
// Manual).
const (
	ID_AA64MMFR0_EL1_PARange = 0
)

// TCR fields reports the decoded T0SZ/PS/TG0 fields of a TCR_EL2 (or
// VTCR_EL2) value.
type TCRFields struct {
	T0SZ uint64
	PS   uint64
	TG0  uint64
}

// DecodeTCR extracts T0SZ, PS and TG0 from a TCR_EL2-shaped value.
func DecodeTCR(tcr uint64) TCRFields {
	return TCRFields{
		T0SZ: bits.Get64(&tcr, TCR_EL2_T0SZ, 0b111111),
		PS:   bits.Get64(&tcr, TCR_EL2_PS, 0b111),
		TG0:  bits.Get64(&tcr, TCR_EL2_TG0, 0b11),
	}
}

// DecodeVTCR extracts T0SZ, SL0, PS and TG0 from a VTCR_EL2 value.
type VTCRFields struct {
	T0SZ uint64
	SL0  uint64
	PS   uint64
	TG0  uint64
}

func DecodeVTCR(vtcr uint64) VTCRFields {
	return VTCRFields{
		T0SZ: bits.Get64(&vtcr, VTCR_EL2_T0SZ, 0b111111),
		SL0:  bits.Get64(&vtcr, VTCR_EL2_SL0, 0b11),
		PS:   bits.Get64(&vtcr, VTCR_EL2_PS, 0b111),
		TG0:  bits.Get64(&vtcr, VTCR_EL2_TG0, 0b11),
	}
}

// PARange extracts the PA range field from ID_AA64MMFR0_EL1.
func PARange(mmfr0 uint64) uint64 {
	return bits.Get64(&mmfr0, ID_AA64MMFR0_EL1_PARange, 0b1111)
}
