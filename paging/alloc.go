// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package paging

import "github.com/usbarmory/hvbootcore/allocator"

// allocateTable returns a freshly zeroed, page-aligned table frame. When
// the backing allocator implements allocator.AlignedAllocator, alignment
// is requested directly; otherwise this falls back to the documented
// allocate-and-retry loop, discarding (leaking, within this bump-style
// allocator) any run that doesn't land on a page boundary. Every
// concrete allocator this engine is built against (allocator.BumpAllocator)
// satisfies AlignedAllocator, so the fallback exists for conformance with
// third-party allocator.Allocator implementations that don't.
func (e *Engine) allocateTable() (uint64, error) {
	var addr uint64
	var err error

	if aligned, ok := e.alloc.(allocator.AlignedAllocator); ok {
		addr, err = aligned.AllocateAligned(1, PageShift)
	} else {
		addr, err = e.allocateTableRetryWaste()
	}
	if err != nil {
		return 0, err
	}

	if err := e.mem.Zero(addr, PageSize); err != nil {
		return 0, err
	}
	return addr, nil
}

// allocateTableRetryWaste retries plain, unaligned allocation until a
// page-aligned run comes back. It is wasteful by construction (every
// misaligned run is simply abandoned) and exists only so this engine
// keeps working against an allocator.Allocator that cannot align
// directly; see DESIGN.md for why this path is kept rather than dropped.
func (e *Engine) allocateTableRetryWaste() (uint64, error) {
	const maxAttempts = 64

	for i := 0; i < maxAttempts; i++ {
		addr, err := e.alloc.Allocate(1)
		if err != nil {
			return 0, err
		}
		if addr%PageSize == 0 {
			return addr, nil
		}
	}

	return 0, allocator.ErrOutOfMemory
}

// allocateConcatenated returns n page-aligned, physically contiguous table
// frames as a single zeroed run, used for a stage-2 root that must span
// more than one top-level table (see concatenatedTableCount).
func (e *Engine) allocateConcatenated(n int) (uint64, error) {
	if aligned, ok := e.alloc.(allocator.AlignedAllocator); ok {
		addr, err := aligned.AllocateAligned(n, PageShift)
		if err != nil {
			return 0, err
		}
		if err := e.mem.Zero(addr, n*PageSize); err != nil {
			return 0, err
		}
		return addr, nil
	}

	// Without aligned multi-page allocation there is no way to guarantee
	// the n frames land contiguously; a retry loop over single pages
	// cannot fix that up after the fact.
	return 0, allocator.ErrOutOfMemory
}
