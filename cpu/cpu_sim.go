// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !arm64

package cpu

import "sync"

// simRegs backs the cpu API with plain package state when not compiled for
// arm64, so the paging engine can be exercised by `go test` on a
// development host. ID_AA64MMFR0_EL1 defaults to PARange 0b010 (40 bit),
// matching the smallest PS value the paging engine accepts.
var (
	simMutex sync.Mutex
	simRegs  = struct {
		tcrEL2   uint64
		ttbr0EL2 uint64
		mairEL2  uint64
		vtcrEL2  uint64
		vttbrEL2 uint64
		mmfr0    uint64
		flushes  int
	}{
		mmfr0: 0b010,
	}
)

func GetTCR_EL2() uint64 {
	simMutex.Lock()
	defer simMutex.Unlock()
	return simRegs.tcrEL2
}

func SetTCR_EL2(val uint64) {
	simMutex.Lock()
	defer simMutex.Unlock()
	simRegs.tcrEL2 = val
}

func GetTTBR0_EL2() uint64 {
	simMutex.Lock()
	defer simMutex.Unlock()
	return simRegs.ttbr0EL2
}

func SetTTBR0_EL2(val uint64) {
	simMutex.Lock()
	defer simMutex.Unlock()
	simRegs.ttbr0EL2 = val
}

func GetMAIR_EL2() uint64 {
	simMutex.Lock()
	defer simMutex.Unlock()
	return simRegs.mairEL2
}

func SetMAIR_EL2(val uint64) {
	simMutex.Lock()
	defer simMutex.Unlock()
	simRegs.mairEL2 = val
}

func GetVTCR_EL2() uint64 {
	simMutex.Lock()
	defer simMutex.Unlock()
	return simRegs.vtcrEL2
}

func SetVTCR_EL2(val uint64) {
	simMutex.Lock()
	defer simMutex.Unlock()
	simRegs.vtcrEL2 = val
}

func GetVTTBR_EL2() uint64 {
	simMutex.Lock()
	defer simMutex.Unlock()
	return simRegs.vttbrEL2
}

func SetVTTBR_EL2(val uint64) {
	simMutex.Lock()
	defer simMutex.Unlock()
	simRegs.vttbrEL2 = val
}

func GetIDAA64MMFR0_EL1() uint64 {
	simMutex.Lock()
	defer simMutex.Unlock()
	return simRegs.mmfr0
}

// SetSimulatedMMFR0 overrides the simulated ID_AA64MMFR0_EL1 PARange field,
// for tests that exercise a specific output address size.
func SetSimulatedMMFR0(parange uint64) {
	simMutex.Lock()
	defer simMutex.Unlock()
	simRegs.mmfr0 = parange
}

func FlushTLBEL2() {
	simMutex.Lock()
	defer simMutex.Unlock()
	simRegs.flushes++
}

// SimulatedFlushCount reports how many times FlushTLBEL2 has been called,
// for tests asserting that a TLB invalidation took place.
func SimulatedFlushCount() int {
	simMutex.Lock()
	defer simMutex.Unlock()
	return simRegs.flushes
}
