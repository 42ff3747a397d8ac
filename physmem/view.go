// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package physmem provides a bounds-checked view over a physical memory
// range, used in place of scattering unchecked pointer arithmetic through
// the DTB walker and the page table builders.
//
// A View owns a base address and a backing byte slice; every access is
// translated from an absolute address to a slice offset and checked against
// the view's bounds before it is served.
package physmem

import (
	"encoding/binary"
	"fmt"
)

// View is a bounds-checked window over a range of physical memory.
type View struct {
	base uint64
	data []byte
}

// NewView wraps data as the physical memory range [base, base+len(data)).
func NewView(base uint64, data []byte) *View {
	return &View{base: base, data: data}
}

// Base returns the first address covered by the view.
func (v *View) Base() uint64 {
	return v.base
}

// Len returns the number of bytes covered by the view.
func (v *View) Len() int {
	return len(v.data)
}

// End returns the address one past the last byte covered by the view.
func (v *View) End() uint64 {
	return v.base + uint64(len(v.data))
}

func (v *View) offset(addr uint64, n int) (int, error) {
	if addr < v.base || addr > v.End() {
		return 0, fmt.Errorf("physmem: address %#x outside view [%#x, %#x)", addr, v.base, v.End())
	}
	off := addr - v.base
	if off+uint64(n) > uint64(len(v.data)) {
		return 0, fmt.Errorf("physmem: access [%#x, %#x) overruns view ending at %#x", addr, addr+uint64(n), v.End())
	}
	return int(off), nil
}

// Byte reads a single byte at addr.
func (v *View) Byte(addr uint64) (byte, error) {
	off, err := v.offset(addr, 1)
	if err != nil {
		return 0, err
	}
	return v.data[off], nil
}

// Slice returns the n bytes starting at addr, without copying.
func (v *View) Slice(addr uint64, n int) ([]byte, error) {
	off, err := v.offset(addr, n)
	if err != nil {
		return nil, err
	}
	return v.data[off : off+n], nil
}

// Uint32BE reads a big-endian 32 bit word at addr, as used by every on-disk
// DTB field and structure-block token.
func (v *View) Uint32BE(addr uint64) (uint32, error) {
	b, err := v.Slice(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Uint64 reads a little-endian 64 bit word at addr, the byte order of
// AArch64 translation table descriptors, regardless of the host's own
// byte order.
func (v *View) Uint64(addr uint64) (uint64, error) {
	b, err := v.Slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// PutUint64 writes a little-endian 64 bit descriptor at addr.
func (v *View) PutUint64(addr uint64, val uint64) error {
	b, err := v.Slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, val)
	return nil
}

// Zero clears n bytes starting at addr.
func (v *View) Zero(addr uint64, n int) error {
	b, err := v.Slice(addr, n)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = 0
	}
	return nil
}

// CString reads a NUL-terminated string starting at addr.
func (v *View) CString(addr uint64) (string, error) {
	off, err := v.offset(addr, 0)
	if err != nil {
		return "", err
	}
	end := off
	for end < len(v.data) && v.data[end] != 0 {
		end++
	}
	if end >= len(v.data) {
		return "", fmt.Errorf("physmem: unterminated string at %#x", addr)
	}
	return string(v.data[off:end]), nil
}
