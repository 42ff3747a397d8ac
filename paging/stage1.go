// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package paging

import "github.com/usbarmory/hvbootcore/cpu"

// CopyPageTable deep-copies the stage-1 table tree rooted at srcRoot into
// freshly allocated frames, preserving every leaf descriptor's attributes
// and output address unchanged. Only table (non-leaf) frames are
// duplicated; block and page leaves are referenced as-is, since the
// physical memory they describe is not owned by the table tree itself.
// The caller typically points TTBR0_EL2 at the result so it can mutate
// the clone without disturbing whatever is live at srcRoot.
//
// srcRoot is assumed to have been built for the live TCR_EL2.T0SZ: the
// initial lookup level (and therefore where block/page descriptors start
// appearing) is derived from it exactly as MapAddress does, since a
// descriptor's low bits alone can't distinguish a table descriptor from
// a level-3 page descriptor without knowing what depth it's at.
func (e *Engine) CopyPageTable(srcRoot uint64) (uint64, error) {
	tcr := cpu.DecodeTCR(cpu.GetTCR_EL2())
	level, _ := initialLevelAndShift(tcr.T0SZ)

	dst, err := e.copyTable(srcRoot, level)
	if err != nil {
		return 0, tableError("CopyPageTable", err)
	}
	return dst, nil
}

func (e *Engine) copyTable(srcTable uint64, level int) (uint64, error) {
	dst, err := e.allocateTable()
	if err != nil {
		return 0, err
	}

	for i := 0; i < entriesPerTable; i++ {
		entryAddr := srcTable + uint64(i)*8

		desc, err := e.mem.Uint64(entryAddr)
		if err != nil {
			return 0, err
		}
		if !isValid(desc) {
			continue
		}

		newDesc := desc
		if isTableDescriptor(desc, level) {
			childDst, err := e.copyTable(outputAddress(desc), level+1)
			if err != nil {
				return 0, err
			}
			newDesc = withOutputAddress(desc, childDst)
		}

		if err := e.mem.PutUint64(dst+uint64(i)*8, newDesc); err != nil {
			return 0, err
		}
	}

	return dst, nil
}

// MapAddress installs a leaf mapping for the page-aligned range
// [va, va+size) to the identically page-aligned physical range starting
// at pa, walking (and allocating, where needed) stage-1 tables rooted at
// root. size is rounded up to a whole number of pages. perm carries R/W/X
// as bits 0/1/2; isDevice selects the device-nGnRnE MAIR_EL2 entry over
// the normal write-back entry.
//
// If va+size exceeds what the live TCR_EL2.T0SZ addresses, MapAddress
// widens T0SZ just enough to cover it — unless doing so would also
// change the initial lookup level the existing root was built for, in
// which case it returns ErrT0SZWouldChangeLevel rather than silently
// reinterpreting an incompatible tree.
func (e *Engine) MapAddress(root uint64, va uint64, pa uint64, size uint64, perm uint8, isDevice bool) error {
	if va%PageSize != 0 || pa%PageSize != 0 {
		return tableError("MapAddress", ErrMisalignedInput)
	}
	size = (size + PageSize - 1) &^ uint64(PageSize-1)

	tcr := cpu.DecodeTCR(cpu.GetTCR_EL2())
	level, _ := initialLevelAndShift(tcr.T0SZ)

	need := va + size
	needT0SZ := tcr.T0SZ
	for needT0SZ > 0 && need > (uint64(1)<<(64-needT0SZ)) {
		needT0SZ--
	}
	if needT0SZ != tcr.T0SZ {
		newLevel, _ := initialLevelAndShift(needT0SZ)
		if newLevel != level {
			return tableError("MapAddress", ErrT0SZWouldChangeLevel)
		}
		tcr.T0SZ = needT0SZ
		newTCR := cpu.GetTCR_EL2()
		newTCR = (newTCR &^ (uint64(0x3f) << cpu.TCR_EL2_T0SZ)) | (tcr.T0SZ << cpu.TCR_EL2_T0SZ)
		cpu.SetTCR_EL2(newTCR)
	}

	mairIdx := suitableMemoryAttributeIndex(isDevice)

	mapped := uint64(0)
	for mapped < size {
		n, err := e.mapRecursive(root, level, va+mapped, pa+mapped, size-mapped, perm, mairIdx)
		if err != nil {
			return tableError("MapAddress", err)
		}
		if n == 0 {
			return tableError("MapAddress", ErrIncompleteMapping)
		}
		mapped += n
	}

	cpu.FlushTLBEL2()
	return nil
}

// mapRecursive maps as much of [va, va+remaining) as fits naturally under
// a single entry at table/level, returning the number of bytes it mapped
// (which may be less than remaining, in which case the caller re-enters
// for the next entry). It promotes to a block descriptor only at level 2
// (whenever va, pa and remaining all satisfy that level's 2 MiB block
// alignment) — level 0 and level 1 never emit blocks, always tables, even
// when a full 1 GiB or 512 GiB region would otherwise qualify. It demotes
// (splits into a child table) a block descriptor already occupying this
// index, reuses an existing child table, allocates a fresh one for an
// empty entry, and recurses down to level 3 page descriptors.
func (e *Engine) mapRecursive(table uint64, level int, va, pa, remaining uint64, perm uint8, mairIdx uint8) (uint64, error) {
	idx := indexForLevel(va, level)
	entryAddr := table + uint64(idx)*8
	blockSize := uint64(1) << shiftForLevel(level)

	desc, err := e.mem.Uint64(entryAddr)
	if err != nil {
		return 0, err
	}

	canBlock := level > 1 && level < 3 && va%blockSize == 0 && pa%blockSize == 0 && remaining >= blockSize

	if canBlock {
		newDesc := createAttributesForStage1(perm, mairIdx, true)
		newDesc = withOutputAddress(newDesc, pa)
		if err := e.mem.PutUint64(entryAddr, newDesc); err != nil {
			return 0, err
		}
		return blockSize, nil
	}

	if level == 3 {
		newDesc := createAttributesForStage1(perm, mairIdx, false)
		newDesc = withOutputAddress(newDesc, pa)
		if err := e.mem.PutUint64(entryAddr, newDesc); err != nil {
			return 0, err
		}
		return PageSize, nil
	}

	var childTable uint64
	switch {
	case isTableDescriptor(desc, level):
		childTable = outputAddress(desc)
	case isBlockDescriptor(desc, level):
		// A coarser mapping already occupies this index; demote it to a
		// child table covering the same range so the finer request below
		// can be installed without disturbing the rest of the block.
		childTable, err = e.demoteBlock(desc, level)
		if err != nil {
			return 0, err
		}
		newDesc := childTable | descTypeLeaf3
		if err := e.mem.PutUint64(entryAddr, newDesc); err != nil {
			return 0, err
		}
	default:
		childTable, err = e.allocateTable()
		if err != nil {
			return 0, err
		}
		newDesc := childTable | descTypeLeaf3
		if err := e.mem.PutUint64(entryAddr, newDesc); err != nil {
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
		n, err := e.mapRecursive(childTable, level+1, va+mapped, pa+mapped, step-mapped, perm, mairIdx)
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

// demoteBlock allocates a child table at level+1 fully populated with
// leaf entries that reproduce the block descriptor desc's mapping, so an
// existing coarse mapping can be refined without losing the range it
// already covered.
func (e *Engine) demoteBlock(desc uint64, level int) (uint64, error) {
	child, err := e.allocateTable()
	if err != nil {
		return 0, err
	}

	base := outputAddress(desc)
	childShift := shiftForLevel(level + 1)
	childSize := uint64(1) << childShift
	childIsBlock := level+1 < 3

	for i := 0; i < entriesPerTable; i++ {
		addr := base + uint64(i)*childSize
		newDesc := (desc &^ uint64(0b11)) | leafLowBits(childIsBlock)
		newDesc = withOutputAddress(newDesc, addr)
		if err := e.mem.PutUint64(child+uint64(i)*8, newDesc); err != nil {
			return 0, err
		}
	}

	return child, nil
}
