// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package allocator

import "testing"

const pageSize = 0x1000

func TestAllocateReturnsDistinctRuns(t *testing.T) {
	a := New(0x80000000, 16, pageSize)

	addr1, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	addr2, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if addr1 == addr2 {
		t.Fatalf("got identical addresses %#x", addr1)
	}
	if addr2 != addr1+4*pageSize {
		t.Fatalf("got second run at %#x, want %#x", addr2, addr1+4*pageSize)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a := New(0x80000000, 4, pageSize)

	if _, err := a.Allocate(4); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := a.Allocate(1); err != ErrOutOfMemory {
		t.Fatalf("got %v, want ErrOutOfMemory", err)
	}
}

func TestAllocateAlignedHonoursAlignment(t *testing.T) {
	a := New(0x80000000+pageSize, 32, pageSize) // base intentionally misaligned to 0x10000

	addr, err := a.AllocateAligned(2, 16) // align to 64 KiB
	if err != nil {
		t.Fatalf("AllocateAligned: %v", err)
	}
	if addr&0xffff != 0 {
		t.Fatalf("got addr %#x, not 64 KiB aligned", addr)
	}
}

func TestFreeMergesAdjacentBlocks(t *testing.T) {
	a := New(0x80000000, 8, pageSize)

	addr1, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	addr2, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := a.Free(addr1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := a.Free(addr2); err != nil {
		t.Fatalf("Free: %v", err)
	}

	// the full region must be available again as one contiguous run
	addr, err := a.Allocate(8)
	if err != nil {
		t.Fatalf("Allocate after merge: %v", err)
	}
	if addr != addr1 {
		t.Fatalf("got %#x, want %#x", addr, addr1)
	}
}

func TestFreeUnknownAddress(t *testing.T) {
	a := New(0x80000000, 4, pageSize)
	if err := a.Free(0x80000000); err != ErrNotAllocated {
		t.Fatalf("got %v, want ErrNotAllocated", err)
	}
}
