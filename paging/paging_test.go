// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package paging

import (
	"testing"

	"github.com/usbarmory/hvbootcore/allocator"
	"github.com/usbarmory/hvbootcore/cpu"
	"github.com/usbarmory/hvbootcore/physmem"
)

const (
	testViewLen       = 0x4000000 // 64 MiB
	testTableBase     = 0x2000000 // 32 MiB in: reserved for table frames
	testTablePages    = 4096      // 16 MiB of table frames
	testStage1TCRT0SZ = 25        // single level-1 root, no concatenation
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	mem := physmem.NewView(0, make([]byte, testViewLen))
	alloc := allocator.New(testTableBase, testTablePages, PageSize)
	return New(mem, alloc)
}

func setStage1TCR(t0sz uint64) {
	var tcr uint64
	tcr |= t0sz << cpu.TCR_EL2_T0SZ
	tcr |= uint64(0b010) << cpu.TCR_EL2_PS
	cpu.SetTCR_EL2(tcr)
}

func TestMapAddressPageGranularity(t *testing.T) {
	setStage1TCR(testStage1TCRT0SZ)
	e := newTestEngine(t)

	root, err := e.allocateTable()
	if err != nil {
		t.Fatalf("allocateTable: %v", err)
	}

	const va = 0x10001000
	const pa = 0x50001000

	if err := e.MapAddress(root, va, pa, PageSize, 0b110, false); err != nil {
		t.Fatalf("MapAddress: %v", err)
	}

	level, _ := initialLevelAndShift(testStage1TCRT0SZ)
	desc := root
	for l := level; l < 3; l++ {
		idx := indexForLevel(va, l)
		entry, err := e.mem.Uint64(desc + uint64(idx)*8)
		if err != nil {
			t.Fatalf("read table entry: %v", err)
		}
		if !isTableDescriptor(entry, l) {
			t.Fatalf("level %d: expected table descriptor, got %#x", l, entry)
		}
		desc = outputAddress(entry)
	}

	idx3 := indexForLevel(va, 3)
	leaf, err := e.mem.Uint64(desc + uint64(idx3)*8)
	if err != nil {
		t.Fatalf("read leaf: %v", err)
	}
	if !isPageDescriptor(leaf, 3) {
		t.Fatalf("expected page descriptor, got %#x", leaf)
	}
	if outputAddress(leaf) != pa {
		t.Fatalf("got pa %#x, want %#x", outputAddress(leaf), pa)
	}
}

func TestMapAddressBlockPromotion(t *testing.T) {
	setStage1TCR(testStage1TCRT0SZ)
	e := newTestEngine(t)

	root, err := e.allocateTable()
	if err != nil {
		t.Fatalf("allocateTable: %v", err)
	}

	level, shift := initialLevelAndShift(testStage1TCRT0SZ)
	blockLevel := level + 1 // first block-capable level under the root
	blockSize := uint64(1) << shiftForLevel(blockLevel)
	_ = shift

	const va = 0x20000000
	pa := uint64(va)

	if err := e.MapAddress(root, va, pa, blockSize, 0b110, false); err != nil {
		t.Fatalf("MapAddress: %v", err)
	}

	rootIdx := indexForLevel(va, level)
	rootEntry, err := e.mem.Uint64(root + uint64(rootIdx)*8)
	if err != nil {
		t.Fatalf("read root entry: %v", err)
	}
	if !isTableDescriptor(rootEntry, level) {
		t.Fatalf("expected a table descriptor at root, got %#x", rootEntry)
	}

	child := outputAddress(rootEntry)
	idx := indexForLevel(va, blockLevel)
	entry, err := e.mem.Uint64(child + uint64(idx)*8)
	if err != nil {
		t.Fatalf("read block entry: %v", err)
	}
	if !isBlockDescriptor(entry, blockLevel) {
		t.Fatalf("expected block descriptor, got %#x", entry)
	}
	if outputAddress(entry) != pa {
		t.Fatalf("got pa %#x, want %#x", outputAddress(entry), pa)
	}
}

func TestMapAddressRejectsMisalignedInput(t *testing.T) {
	setStage1TCR(testStage1TCRT0SZ)
	e := newTestEngine(t)

	root, err := e.allocateTable()
	if err != nil {
		t.Fatalf("allocateTable: %v", err)
	}

	if err := e.MapAddress(root, 1, 0, PageSize, 0b110, false); err == nil {
		t.Fatal("expected an error for misaligned va")
	}
}

func TestMapAddressT0SZWideningSentinel(t *testing.T) {
	// T0SZ=33 is the widest T0SZ that still selects level 1 per
	// initialLevelAndShift; requesting a mapping whose va+size needs a
	// narrower T0SZ that falls into level 0's range must be rejected
	// rather than silently reinterpreting the existing root.
	setStage1TCR(33)
	e := newTestEngine(t)

	root, err := e.allocateTable()
	if err != nil {
		t.Fatalf("allocateTable: %v", err)
	}

	const hugeVA = uint64(1) << 40 // requires T0SZ <= 23, i.e. level 0

	if err := e.MapAddress(root, hugeVA, hugeVA, PageSize, 0b110, false); err == nil {
		t.Fatal("expected ErrT0SZWouldChangeLevel")
	}
}

func TestCopyPageTableClone(t *testing.T) {
	setStage1TCR(testStage1TCRT0SZ)
	e := newTestEngine(t)

	root, err := e.allocateTable()
	if err != nil {
		t.Fatalf("allocateTable: %v", err)
	}

	const va = 0x30000000
	const pa = 0x60000000

	if err := e.MapAddress(root, va, pa, PageSize, 0b110, false); err != nil {
		t.Fatalf("MapAddress: %v", err)
	}

	clone, err := e.CopyPageTable(root)
	if err != nil {
		t.Fatalf("CopyPageTable: %v", err)
	}
	if clone == root {
		t.Fatal("clone reused the source root frame")
	}

	level, _ := initialLevelAndShift(testStage1TCRT0SZ)

	srcTable, cloneTable := root, clone
	for l := level; l < 3; l++ {
		idx := indexForLevel(va, l)
		srcEntry, err := e.mem.Uint64(srcTable + uint64(idx)*8)
		if err != nil {
			t.Fatalf("read src: %v", err)
		}
		cloneEntry, err := e.mem.Uint64(cloneTable + uint64(idx)*8)
		if err != nil {
			t.Fatalf("read clone: %v", err)
		}
		if outputAddress(srcEntry) == outputAddress(cloneEntry) {
			t.Fatalf("level %d: clone shares the same table frame as the source", l)
		}
		srcTable, cloneTable = outputAddress(srcEntry), outputAddress(cloneEntry)
	}

	idx3 := indexForLevel(va, 3)
	srcLeaf, err := e.mem.Uint64(srcTable + uint64(idx3)*8)
	if err != nil {
		t.Fatalf("read src leaf: %v", err)
	}
	cloneLeaf, err := e.mem.Uint64(cloneTable + uint64(idx3)*8)
	if err != nil {
		t.Fatalf("read clone leaf: %v", err)
	}
	if srcLeaf != cloneLeaf {
		t.Fatalf("leaf descriptors differ: src %#x clone %#x", srcLeaf, cloneLeaf)
	}
}

func TestSetupStage2TranslationIdentity(t *testing.T) {
	cpu.SetSimulatedMMFR0(0b010)
	e := newTestEngine(t)

	const physSize = 0x200000 // 2 MiB: exactly one level-2 block

	if err := e.SetupStage2Translation(physSize); err != nil {
		t.Fatalf("SetupStage2Translation: %v", err)
	}

	root := cpu.GetVTTBR_EL2()
	if root == 0 {
		t.Fatal("VTTBR_EL2 was not set")
	}

	n := concatenatedTableCount(stage2T0SZ, stage2Level)
	if n != 2 {
		t.Fatalf("got %d concatenated tables, want 2", n)
	}

	// Block promotion only ever happens at level 2 (2 MiB); level 1 always
	// stays a table descriptor, so the walker must push the 2 MiB block
	// down one level from the root.
	rootEntry, err := e.mem.Uint64(root)
	if err != nil {
		t.Fatalf("read root entry: %v", err)
	}
	if !isTableDescriptor(rootEntry, stage2Level) {
		t.Fatalf("expected a level-1 table descriptor at index 0, got %#x", rootEntry)
	}

	l2Table := outputAddress(rootEntry)
	entry, err := e.mem.Uint64(l2Table)
	if err != nil {
		t.Fatalf("read level-2 entry: %v", err)
	}
	if !isBlockDescriptor(entry, stage2Level+1) {
		t.Fatalf("expected a level-2 block descriptor at index 0, got %#x", entry)
	}
	if outputAddress(entry) != 0 {
		t.Fatalf("got pa %#x, want 0 (identity)", outputAddress(entry))
	}

	vtcr := cpu.DecodeVTCR(cpu.GetVTCR_EL2())
	if vtcr.T0SZ != stage2T0SZ || vtcr.SL0 != 1 {
		t.Fatalf("got VTCR %+v, want T0SZ=%d SL0=1", vtcr, stage2T0SZ)
	}
}

func TestSetupStage2TranslationInsufficientPARange(t *testing.T) {
	cpu.SetSimulatedMMFR0(0b000) // 32-bit PARange, narrower than required
	e := newTestEngine(t)

	if err := e.SetupStage2Translation(0x200000); err == nil {
		t.Fatal("expected ErrInsufficientPARange")
	}

	cpu.SetSimulatedMMFR0(0b010) // restore for subsequent tests
}

func TestMapDummyPageIntoVTTBR(t *testing.T) {
	cpu.SetSimulatedMMFR0(0b010)
	e := newTestEngine(t)

	const physSize = 0x200000
	if err := e.SetupStage2Translation(physSize); err != nil {
		t.Fatalf("SetupStage2Translation: %v", err)
	}
	root := cpu.GetVTTBR_EL2()

	const ipa = 0x1000
	const dummyPA = 0x7f000000

	if err := e.MapDummyPageIntoVTTBR(root, ipa, Stage2PageSize, dummyPA, Stage2Dummy); err != nil {
		t.Fatalf("MapDummyPageIntoVTTBR(dummy): %v", err)
	}

	n := concatenatedTableCount(stage2T0SZ, stage2Level)
	topIndexBits := uint(0)
	for 1<<topIndexBits < n*entriesPerTable {
		topIndexBits++
	}

	table := root
	for l := stage2Level; l < 3; l++ {
		shift := shiftForLevel(l)
		mask := uint64(tableIndexMask)
		if l == stage2Level {
			mask = (uint64(1) << topIndexBits) - 1
		}
		idx := (uint64(ipa) >> shift) & mask
		entry, err := e.mem.Uint64(table + idx*8)
		if err != nil {
			t.Fatalf("read level %d: %v", l, err)
		}
		if !isTableDescriptor(entry, l) {
			t.Fatalf("level %d: expected table descriptor (demoted), got %#x", l, entry)
		}
		table = outputAddress(entry)
	}

	idx3 := indexForLevel(ipa, 3)
	leaf, err := e.mem.Uint64(table + uint64(idx3)*8)
	if err != nil {
		t.Fatalf("read leaf: %v", err)
	}
	if outputAddress(leaf) != dummyPA {
		t.Fatalf("got pa %#x, want dummy pa %#x", outputAddress(leaf), dummyPA)
	}
	if leaf&(1<<10) == 0 {
		t.Fatal("expected AF set for a dummy mapping")
	}

	if err := e.MapDummyPageIntoVTTBR(root, ipa, Stage2PageSize, dummyPA, Stage2Unmap); err != nil {
		t.Fatalf("MapDummyPageIntoVTTBR(unmap): %v", err)
	}
	leaf, err = e.mem.Uint64(table + uint64(idx3)*8)
	if err != nil {
		t.Fatalf("read leaf after unmap: %v", err)
	}
	if !isValid(leaf) {
		t.Fatal("expected an unmap entry to remain valid-shaped")
	}
	if leaf&(1<<10) != 0 {
		t.Fatal("expected AF clear after Stage2Unmap")
	}
}

func TestMapDummyPageRangeKeepsPAFrozen(t *testing.T) {
	cpu.SetSimulatedMMFR0(0b010)
	e := newTestEngine(t)

	const physSize = 0x800000 // 8 MiB, spans several level-3 tables
	if err := e.SetupStage2Translation(physSize); err != nil {
		t.Fatalf("SetupStage2Translation: %v", err)
	}
	root := cpu.GetVTTBR_EL2()

	const va = 0x100000
	const size = 0x10000 // 16 pages
	const dummyPA = 0x7f000000

	if err := e.MapDummyPageIntoVTTBR(root, va, size, dummyPA, Stage2Dummy); err != nil {
		t.Fatalf("MapDummyPageIntoVTTBR: %v", err)
	}

	n := concatenatedTableCount(stage2T0SZ, stage2Level)
	topIndexBits := uint(0)
	for 1<<topIndexBits < n*entriesPerTable {
		topIndexBits++
	}

	for i := uint64(0); i < size/Stage2PageSize; i++ {
		pageVA := uint64(va) + i*Stage2PageSize

		table := root
		for l := stage2Level; l < 3; l++ {
			shift := shiftForLevel(l)
			mask := uint64(tableIndexMask)
			if l == stage2Level {
				mask = (uint64(1) << topIndexBits) - 1
			}
			idx := (pageVA >> shift) & mask
			entry, err := e.mem.Uint64(table + idx*8)
			if err != nil {
				t.Fatalf("page %d: read level %d: %v", i, l, err)
			}
			if !isTableDescriptor(entry, l) {
				t.Fatalf("page %d: level %d: expected table descriptor, got %#x", i, l, entry)
			}
			table = outputAddress(entry)
		}

		idx3 := indexForLevel(pageVA, 3)
		leaf, err := e.mem.Uint64(table + uint64(idx3)*8)
		if err != nil {
			t.Fatalf("page %d: read leaf: %v", i, err)
		}
		if !isPageDescriptor(leaf, 3) {
			t.Fatalf("page %d: expected a page descriptor, got %#x (no block was promoted)", i, leaf)
		}
		if outputAddress(leaf) != dummyPA {
			t.Fatalf("page %d: got pa %#x, want dummy pa %#x unchanged", i, outputAddress(leaf), dummyPA)
		}
	}
}

func TestContiguousBitSetAfterAlignedRun(t *testing.T) {
	cpu.SetSimulatedMMFR0(0b010)
	e := newTestEngine(t)

	const physSize = 0x200000
	if err := e.SetupStage2Translation(physSize); err != nil {
		t.Fatalf("SetupStage2Translation: %v", err)
	}
	root := cpu.GetVTTBR_EL2()

	const groupBaseIPA = 0x10000 // 16-page (64 KiB) aligned

	for i := uint64(0); i < contiguousRun; i++ {
		ipa := groupBaseIPA + i*Stage2PageSize
		if err := e.MapDummyPageIntoVTTBR(root, ipa, Stage2PageSize, ipa, Stage2Identity); err != nil {
			t.Fatalf("MapDummyPageIntoVTTBR(%d): %v", i, err)
		}
	}

	n := concatenatedTableCount(stage2T0SZ, stage2Level)
	topIndexBits := uint(0)
	for 1<<topIndexBits < n*entriesPerTable {
		topIndexBits++
	}
	table := root
	for l := stage2Level; l < 3; l++ {
		shift := shiftForLevel(l)
		mask := uint64(tableIndexMask)
		if l == stage2Level {
			mask = (uint64(1) << topIndexBits) - 1
		}
		idx := (uint64(groupBaseIPA) >> shift) & mask
		entry, err := e.mem.Uint64(table + idx*8)
		if err != nil {
			t.Fatalf("read level %d: %v", l, err)
		}
		table = outputAddress(entry)
	}

	idx3 := indexForLevel(groupBaseIPA, 3)
	groupBaseIdx := idx3 - idx3%contiguousRun
	for i := 0; i < contiguousRun; i++ {
		entry, err := e.mem.Uint64(table + uint64(groupBaseIdx+i)*8)
		if err != nil {
			t.Fatalf("read group entry %d: %v", i, err)
		}
		if entry&contiguousBit == 0 {
			t.Fatalf("entry %d: expected contiguous bit set, got %#x", i, entry)
		}
	}
}

func TestConcatenatedTableCount(t *testing.T) {
	if n := concatenatedTableCount(24, 1); n != 2 {
		t.Fatalf("got %d, want 2", n)
	}
	if n := concatenatedTableCount(25, 1); n != 1 {
		t.Fatalf("got %d, want 1", n)
	}
}

func TestInitialLevelAndShift(t *testing.T) {
	cases := []struct {
		t0sz  uint64
		level int
	}{
		{16, 0},
		{24, 0},
		{25, 1},
		{33, 1},
		{34, 2},
		{42, 2},
		{43, 3},
	}
	for _, c := range cases {
		level, _ := initialLevelAndShift(c.t0sz)
		if level != c.level {
			t.Errorf("t0sz=%d: got level %d, want %d", c.t0sz, level, c.level)
		}
	}
}
