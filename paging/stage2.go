// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package paging

import "github.com/usbarmory/hvbootcore/cpu"

// stage2T0SZ, stage2Level and stage2PS are the fixed VTCR_EL2 parameters
// this engine programs: a 40-bit (1 TiB) identity IPA space, 4 KiB
// granule, starting lookup at level 1 and concatenating two top-level
// tables to cover the extra address bit a single level-1 table can't.
const (
	stage2T0SZ  = 24
	stage2Level = 1
	stage2PS    = 0b010 // 40-bit physical address range
)

// Stage2Mode selects what a stage-2 leaf entry should do when the guest
// touches the IPA it covers.
type Stage2Mode int

const (
	// Stage2Identity maps the IPA straight through to the same PA.
	Stage2Identity Stage2Mode = iota
	// Stage2Dummy redirects the IPA to a shared, harmless physical page
	// instead of the real memory behind it.
	Stage2Dummy
	// Stage2Unmap installs a valid-shaped entry with the access flag
	// cleared, so any guest access takes an access flag fault rather than
	// reaching real memory.
	Stage2Unmap
)

// SetupStage2Translation builds an identity stage-2 mapping covering
// [0, physSize) and installs it via VTCR_EL2/VTTBR_EL2. physSize must not
// exceed the 1 TiB this engine's fixed T0SZ addresses.
func (e *Engine) SetupStage2Translation(physSize uint64) error {
	parange := cpu.PARange(cpu.GetIDAA64MMFR0_EL1())
	if parange < stage2PS {
		return tableError("SetupStage2Translation", ErrInsufficientPARange)
	}

	n := concatenatedTableCount(stage2T0SZ, stage2Level)
	root, err := e.allocateConcatenated(n)
	if err != nil {
		return tableError("SetupStage2Translation", err)
	}

	topIndexBits := uint(0)
	for 1<<topIndexBits < n*entriesPerTable {
		topIndexBits++
	}

	mapped := uint64(0)
	for mapped < physSize {
		step, err := e.mapRecursiveStage2(root, stage2Level, mapped, mapped, physSize-mapped, Stage2Identity, 0, topIndexBits)
		if err != nil {
			return tableError("SetupStage2Translation", err)
		}
		if step == 0 {
			return tableError("SetupStage2Translation", ErrIncompleteMapping)
		}
		mapped += step
	}

	var vtcr uint64
	vtcr |= uint64(stage2T0SZ) << cpu.VTCR_EL2_T0SZ
	vtcr |= uint64(1) << cpu.VTCR_EL2_SL0
	vtcr |= uint64(stage2PS) << cpu.VTCR_EL2_PS
	vtcr |= uint64(0) << cpu.VTCR_EL2_TG0
	cpu.SetVTCR_EL2(vtcr)
	cpu.SetVTTBR_EL2(root)
	cpu.FlushTLBEL2()

	return nil
}

// MapDummyPageIntoVTTBR overlays [va, va+size) of guest-visible IPA space
// within the stage-2 tree rooted at root, regardless of whatever block
// mapping SetupStage2Translation originally installed there — existing
// coarse entries along the path are demoted exactly as the stage-1 walker
// does. In Stage2Dummy mode every page in the range maps to the SAME
// dummyPA: the dummy pa pointer is never advanced between leaf writes, and
// the range is never promoted to a block, so every guest page resolves to
// the single shadow frame. In Stage2Unmap mode dummyPA is ignored and each
// page instead keeps its own identity address with the access flag
// cleared, so any access takes an access flag fault.
func (e *Engine) MapDummyPageIntoVTTBR(root uint64, va uint64, size uint64, dummyPA uint64, mode Stage2Mode) error {
	if va%Stage2PageSize != 0 || size%Stage2PageSize != 0 || dummyPA%Stage2PageSize != 0 {
		return tableError("MapDummyPageIntoVTTBR", ErrMisalignedInput)
	}

	n := concatenatedTableCount(stage2T0SZ, stage2Level)
	topIndexBits := uint(0)
	for 1<<topIndexBits < n*entriesPerTable {
		topIndexBits++
	}

	mapped := uint64(0)
	for mapped < size {
		pa := dummyPA
		if mode != Stage2Dummy {
			pa = va + mapped
		}

		step, err := e.mapRecursiveStage2(root, stage2Level, va+mapped, pa, size-mapped, mode, 3, topIndexBits)
		if err != nil {
			return tableError("MapDummyPageIntoVTTBR", err)
		}
		if step == 0 {
			return tableError("MapDummyPageIntoVTTBR", ErrIncompleteMapping)
		}
		mapped += step
	}

	cpu.FlushTLBEL2()
	return nil
}

// mapRecursiveStage2 mirrors mapRecursive for the IPA→PA direction. At
// the root level the index is widened to topIndexBits to address a
// concatenated multi-table root; every deeper level uses the ordinary
// 9-bit index. forceLeafLevel, when non-zero, suppresses block promotion
// above that level — used by MapDummyPageIntoVTTBR so a dummy override
// always lands on a single page rather than reshaping a whole block. In
// Stage2Dummy mode pa is never advanced across the recursive descent or
// between sibling entries, so every leaf this call reaches writes the
// same output address back.
func (e *Engine) mapRecursiveStage2(table uint64, level int, va, pa, remaining uint64, mode Stage2Mode, forceLeafLevel int, topIndexBits uint) (uint64, error) {
	shift := shiftForLevel(level)
	indexMask := uint64(tableIndexMask)
	if level == stage2Level && topIndexBits > 0 {
		indexMask = (uint64(1) << topIndexBits) - 1
	}
	idx := (va >> shift) & indexMask
	entryAddr := table + idx*8
	blockSize := uint64(1) << shift

	desc, err := e.mem.Uint64(entryAddr)
	if err != nil {
		return 0, err
	}

	mustLeaf3 := forceLeafLevel != 0 && level < forceLeafLevel
	canBlock := !mustLeaf3 && level > 1 && level < 3 && va%blockSize == 0 && pa%blockSize == 0 && remaining >= blockSize

	if canBlock {
		newDesc := createAttributesForStage2(mode == Stage2Unmap, true)
		newDesc = withOutputAddress(newDesc, pa)
		if err := e.mem.PutUint64(entryAddr, newDesc); err != nil {
			return 0, err
		}
		return blockSize, nil
	}

	if level == 3 {
		newDesc := createAttributesForStage2(mode == Stage2Unmap, false)
		newDesc = withOutputAddress(newDesc, pa)
		if err := e.mem.PutUint64(entryAddr, newDesc); err != nil {
			return 0, err
		}
		if err := e.refreshContiguousGroup(table, idx); err != nil {
			return 0, err
		}
		return Stage2PageSize, nil
	}

	var childTable uint64
	switch {
	case isTableDescriptor(desc, level):
		childTable = outputAddress(desc)
	case isBlockDescriptor(desc, level):
		childTable, err = e.demoteBlock(desc, level)
		if err != nil {
			return 0, err
		}
		if err := e.mem.PutUint64(entryAddr, childTable|descTypeLeaf3); err != nil {
			return 0, err
		}
	default:
		childTable, err = e.allocateTable()
		if err != nil {
			return 0, err
		}
		if err := e.mem.PutUint64(entryAddr, childTable|descTypeLeaf3); err != nil {
			return 0, err
		}
	}

	entryVA := blockSize * (va / blockSize)
	step := entryVA + blockSize - va
	if step > remaining {
		step = remaining
	}

	mapped := uint64(0)
	for mapped < step {
		childPA := pa + mapped
		if mode == Stage2Dummy {
			// Never advance pa: every descendant leaf must still resolve
			// to the same dummy frame.
			childPA = pa
		}

		n, err := e.mapRecursiveStage2(childTable, level+1, va+mapped, childPA, step-mapped, mode, forceLeafLevel, 0)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, ErrIncompleteMapping
		}
		mapped += n
	}

	return mapped, nil
}

// refreshContiguousGroup recomputes the contiguous hint bit for the
// 16-entry, naturally aligned group that idx belongs to. The hint is set
// only when all 16 page descriptors are valid, share the same attribute
// bits, and their output addresses form a single contiguous 16-page run
// — exactly the shape the hardware's contiguous-entry merging requires.
func (e *Engine) refreshContiguousGroup(table uint64, idx uint64) error {
	groupBase := idx - idx%contiguousRun

	contiguous := true
	var first uint64
	for i := uint64(0); i < contiguousRun; i++ {
		desc, err := e.mem.Uint64(table + (groupBase+i)*8)
		if err != nil {
			return err
		}
		if !isPageDescriptor(desc, 3) {
			contiguous = false
			break
		}
		if i == 0 {
			first = desc
			continue
		}
		wantAddr := outputAddress(first) + i*Stage2PageSize
		wantAttrs := first &^ 0x0000fffffffff000
		if outputAddress(desc) != wantAddr || desc&^0x0000fffffffff000&^contiguousBit != wantAttrs&^contiguousBit {
			contiguous = false
			break
		}
	}

	for i := uint64(0); i < contiguousRun; i++ {
		addr := table + (groupBase+i)*8
		desc, err := e.mem.Uint64(addr)
		if err != nil {
			return err
		}
		newDesc := desc &^ contiguousBit
		if contiguous {
			newDesc = desc | contiguousBit
		}
		if newDesc == desc {
			continue
		}
		if err := e.mem.PutUint64(addr, newDesc); err != nil {
			return err
		}
	}

	return nil
}
