// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dtb implements a read-only walker over a Flattened Device Tree
// (DTB/FDT) blob, version 17. It locates devices by node name or by
// `compatible` property and reports the physical register window offsets
// inherited from ancestor bus nodes, honouring the nested
// `#address-cells`/`#size-cells` rules.
//
// The walker never mutates the blob and never retains a DeviceNode past the
// point where the caller asks for the next match: every DeviceNode is a
// plain value, copied on descent exactly like the bus cursor it was found
// with.
package dtb

import (
	"errors"
	"fmt"

	"github.com/usbarmory/hvbootcore/diag"
	"github.com/usbarmory/hvbootcore/physmem"
)

const (
	tokenBeginNode uint32 = 1
	tokenEndNode   uint32 = 2
	tokenProp      uint32 = 3
	tokenNOP       uint32 = 4
	tokenEnd       uint32 = 9

	tokenSize = 4

	dtbMagic = 0xd00dfeed

	defaultAddressCells = 2
	defaultSizeCells    = 1

	propStatus         = "status"
	propStatusOkay     = "okay"
	propCompatible     = "compatible"
	propAddressCells   = "#address-cells"
	propSizeCells      = "#size-cells"
	propReg            = "reg"
)

// ErrBadMagic is returned by New when the blob does not start with the FDT
// magic number.
var ErrBadMagic = errors.New("dtb: bad magic")

// ErrBrokenDTB is returned when the structure block ends without an END
// token where one is required.
var ErrBrokenDTB = errors.New("dtb: broken structure block")

// ErrBadToken is returned when a token other than the one the walker
// expects is encountered at a position that must hold a specific token.
var ErrBadToken = errors.New("dtb: unexpected token")

// ErrStringOffset is returned when a property name offset falls outside the
// strings block.
var ErrStringOffset = errors.New("dtb: string offset out of range")

// header mirrors the fixed, big-endian FDT header (the "DTB header" of the
// specification).
type header struct {
	magic            uint32
	totalSize        uint32
	offDtStruct      uint32
	offDtStrings     uint32
	offMemRsvMap     uint32
	version          uint32
	lastCompVersion  uint32
	bootCpuidPhys    uint32
	sizeDtStrings    uint32
	sizeDtStruct     uint32
}

const headerSize = 10 * 4

func readHeader(mem *physmem.View, base uint64) (header, error) {
	var h header
	words := make([]uint32, headerSize/4)
	for i := range words {
		w, err := mem.Uint32BE(base + uint64(i*4))
		if err != nil {
			return header{}, err
		}
		words[i] = w
	}
	h.magic = words[0]
	h.totalSize = words[1]
	h.offDtStruct = words[2]
	h.offDtStrings = words[3]
	h.offMemRsvMap = words[4]
	h.version = words[5]
	h.lastCompVersion = words[6]
	h.bootCpuidPhys = words[7]
	h.sizeDtStrings = words[8]
	h.sizeDtStruct = words[9]
	return h, nil
}

// Analyser is a constructed, read-only view of a DTB blob's structure and
// strings blocks.
type Analyser struct {
	mem *physmem.View

	structBlockAddress   uint64
	structBlockSize      uint64
	stringsBlockAddress  uint64
	stringsBlockSize     uint64
}

// New validates the DTB header magic at base and records the structure and
// strings block bases/sizes.
func New(mem *physmem.View, base uint64) (*Analyser, error) {
	h, err := readHeader(mem, base)
	if err != nil {
		return nil, err
	}
	if h.magic != dtbMagic {
		diag.Printf("dtb: magic mismatch: got %#x, want %#x", h.magic, uint32(dtbMagic))
		return nil, ErrBadMagic
	}
	return &Analyser{
		mem:                 mem,
		structBlockAddress:  base + uint64(h.offDtStruct),
		structBlockSize:     uint64(h.sizeDtStruct),
		stringsBlockAddress: base + uint64(h.offDtStrings),
		stringsBlockSize:    uint64(h.sizeDtStrings),
	}, nil
}

// RootNode returns a DeviceNode for the tree root: default cell widths,
// zero address offset, positioned at the structure block base.
func (a *Analyser) RootNode() DeviceNode {
	return DeviceNode{
		addressCells: defaultAddressCells,
		sizeCells:    defaultSizeCells,
		basePointer:  a.structBlockAddress,
	}
}

// structBlockLimit returns the address one past the end of the structure
// block.
func (a *Analyser) structBlockLimit() uint64 {
	return a.structBlockAddress + a.structBlockSize
}

// name resolves a strings-block offset to the address of the NUL-terminated
// property name it denotes.
func (a *Analyser) name(offset uint32) (uint64, error) {
	if uint64(offset) >= a.stringsBlockSize {
		return 0, fmt.Errorf("%w: offset %#x, strings block size %#x", ErrStringOffset, offset, a.stringsBlockSize)
	}
	return a.stringsBlockAddress + uint64(offset), nil
}
