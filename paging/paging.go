// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package paging builds and mutates ARMv8-A stage-1 (EL2) and stage-2
// (IPA→PA) translation tables backed by a frame allocator. It maps
// physical ranges into the hypervisor's own virtual address space and
// constructs an identity stage-2 table for the guest, including per-page
// "dummy" shadow mappings used to hide memory from the guest.
package paging

import (
	"errors"
	"fmt"

	"github.com/usbarmory/hvbootcore/allocator"
	"github.com/usbarmory/hvbootcore/physmem"
)

const (
	// PageShift/PageSize are the stage-1 4 KiB granule parameters; this
	// engine supports no other granule.
	PageShift = 12
	PageSize  = 1 << PageShift

	// Stage2PageShift/Stage2PageSize mirror PageShift/PageSize for the
	// IPA→PA direction; kept distinct per spec even though both equal
	// 4 KiB today, since stage-2 concatenation math is phrased in terms
	// of its own granule.
	Stage2PageShift = 12
	Stage2PageSize  = 1 << Stage2PageShift

	entriesPerTable = 512
	tableIndexBits  = 9
	tableIndexMask  = entriesPerTable - 1

	descValid      = 1 << 0
	descTypeBlock  = 0b01
	descTypeLeaf3  = 0b11
	descLowBitMask = 0b11

	contiguousRun = 16
)

// ErrOutOfMemory is returned when the backing allocator cannot produce a
// table frame.
var ErrOutOfMemory = allocator.ErrOutOfMemory

// ErrMisalignedInput is returned by MapAddress when va or pa is not page
// aligned.
var ErrMisalignedInput = errors.New("paging: physical address not page aligned")

// ErrIncompleteMapping is returned when a recursive descent finishes with
// bytes still unmapped — a post-condition violation (spec §7).
var ErrIncompleteMapping = errors.New("paging: mapping did not cover the requested range")

// ErrT0SZWouldChangeLevel is returned by MapAddress when widening T0SZ to
// cover va+size would require a deeper (or shallower) initial lookup
// level than the live TTBR0_EL2 tree already uses. Rebuilding a live
// root with a new depth and re-walking every existing mapping is a
// separate, much larger piece of surgery that this engine does not
// attempt; see DESIGN.md.
var ErrT0SZWouldChangeLevel = errors.New("paging: T0SZ widening would change the initial translation level")

// ErrInsufficientPARange is returned by SetupStage2Translation when the
// hardware's ID_AA64MMFR0_EL1.PARange is narrower than the PS this engine
// requires.
var ErrInsufficientPARange = errors.New("paging: ID_AA64MMFR0_EL1.PARange narrower than required PS")

// Engine owns the physical memory view tables are read from and written
// to, plus the frame allocator new tables are drawn from.
type Engine struct {
	mem   *physmem.View
	alloc allocator.Allocator
}

// New constructs an Engine over mem, allocating table frames from alloc.
func New(mem *physmem.View, alloc allocator.Allocator) *Engine {
	return &Engine{mem: mem, alloc: alloc}
}

func shiftForLevel(level int) uint {
	return uint(PageShift + tableIndexBits*(3-level))
}

func indexForLevel(va uint64, level int) int {
	return int((va >> shiftForLevel(level)) & tableIndexMask)
}

// outputAddress extracts the bits[47:12] physical address field common to
// block, page and table descriptors (the lower bits of a descriptor's
// address field are architecturally required to be zero for the
// corresponding granule, so a single 4 KiB mask recovers all three).
func outputAddress(desc uint64) uint64 {
	return desc & 0x0000fffffffff000
}

// withOutputAddress returns desc with its address field replaced by addr,
// leaving every attribute bit untouched.
func withOutputAddress(desc uint64, addr uint64) uint64 {
	const addrMask = 0x0000fffffffff000
	return (desc &^ uint64(addrMask)) | (addr & addrMask)
}

func isValid(desc uint64) bool {
	return desc&descValid != 0
}

func isBlockDescriptor(desc uint64, level int) bool {
	return level < 3 && isValid(desc) && desc&descLowBitMask == descTypeBlock
}

func isTableDescriptor(desc uint64, level int) bool {
	return level < 3 && isValid(desc) && desc&descLowBitMask == descTypeLeaf3
}

func isPageDescriptor(desc uint64, level int) bool {
	return level == 3 && isValid(desc) && desc&descLowBitMask == descTypeLeaf3
}

func leafLowBits(isBlock bool) uint64 {
	if isBlock {
		return descTypeBlock
	}
	return descTypeLeaf3
}

// initialLevelAndShift derives the initial stage-1 lookup level from
// TCR_EL2.T0SZ for a 4 KiB granule (ARM Architecture Reference Manual
// D5.2.6, "Input address size").
func initialLevelAndShift(t0sz uint64) (level int, shift uint) {
	switch {
	case t0sz <= 24:
		level = 0
	case t0sz <= 33:
		level = 1
	case t0sz <= 42:
		level = 2
	default:
		level = 3
	}
	return level, shiftForLevel(level)
}

// concatenatedTableCount returns how many physically contiguous top-level
// tables must be concatenated so that a single composite (tableSelect<<9
// | index9) lookup covers all of [0, 1<<(64-t0sz)) starting at firstLevel.
func concatenatedTableCount(t0sz uint64, firstLevel int) int {
	vaBits := int64(64 - t0sz)
	single := int64(shiftForLevel(firstLevel)) + tableIndexBits
	extra := vaBits - single
	if extra < 0 {
		extra = 0
	}
	return 1 << uint(extra)
}

// suitableMemoryAttributeIndex picks the MAIR_EL2 index this engine
// reserves for device-nGnRnE (index 0) vs normal write-back cacheable
// memory (index 1). A real bootloader programs MAIR_EL2 with exactly
// these two entries before the first call into this package.
func suitableMemoryAttributeIndex(isDevice bool) uint8 {
	if isDevice {
		return 0
	}
	return 1
}

// createAttributesForStage1 builds a leaf (block or page) descriptor's
// attribute bits: AttrIdx from mairIdx, access permissions from perm
// (bit0=R, bit1=W, bit2=X — R is implicit hardware behaviour and only W/X
// are representable), access flag set, and the low two bits chosen by
// isBlock (0b01 block vs 0b11 page/table).
func createAttributesForStage1(perm uint8, mairIdx uint8, isBlock bool) uint64 {
	var d uint64

	d |= leafLowBits(isBlock)
	d |= uint64(mairIdx&0b111) << 2
	d |= 0b11 << 8 // SH: inner shareable
	d |= 1 << 10   // AF

	if perm&0b010 == 0 { // !W
		d |= 1 << 7 // AP[2]: read-only
	}
	if perm&0b100 == 0 { // !X
		d |= 1 << 54 // XN
	}
	if isBlock {
		d |= 1 << 16 // nT: this block is not a candidate for contiguous-range merging
	}

	return d
}

// createAttributesForStage2 builds a stage-2 leaf descriptor. Identity
// and dummy mappings share the same fixed normal-memory, read+write
// attributes regardless of permission or dummy-vs-real intent — only
// isUnmap changes the bits this engine ever writes (AF), so perm and
// is_dummy are not parameters here; the caller already encodes "dummy"
// entirely by choice of output address (see MapDummyPageIntoVTTBR), and
// every stage-2 leaf this engine creates is RW. isUnmap clears the access
// flag so any access takes an access flag fault instead of reading or
// writing real memory.
func createAttributesForStage2(isUnmap bool, isBlock bool) uint64 {
	var d uint64

	d |= leafLowBits(isBlock)
	d |= 0b1111 << 2 // MemAttr: normal, write-back cacheable inner+outer
	d |= 0b11 << 6   // S2AP: read+write
	d |= 0b11 << 8   // SH: inner shareable

	if !isUnmap {
		d |= 1 << 10 // AF
	}

	return d
}

const contiguousBit = 1 << 52

func tableError(op string, err error) error {
	return fmt.Errorf("paging: %s: %w", op, err)
}
