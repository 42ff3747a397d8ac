// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build arm64

package cpu

// defined in cpu_arm64.s
func GetTCR_EL2() uint64
func SetTCR_EL2(val uint64)
func GetTTBR0_EL2() uint64
func SetTTBR0_EL2(val uint64)
func GetMAIR_EL2() uint64
func SetMAIR_EL2(val uint64)
func GetVTCR_EL2() uint64
func SetVTCR_EL2(val uint64)
func GetVTTBR_EL2() uint64
func SetVTTBR_EL2(val uint64)
func GetIDAA64MMFR0_EL1() uint64
func FlushTLBEL2()
