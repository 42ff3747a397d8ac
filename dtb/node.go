package dtb

import (
	"fmt"

	"github.com/usbarmory/hvbootcore/diag"
)

// DeviceNode is a copy-on-descent value carrying the cell widths in effect
// for its own children and the accumulated address offset inherited from
// ancestor bus nodes. It is never mutated after a search returns it.
type DeviceNode struct {
	basePointer   uint64
	addressCells  uint32
	sizeCells     uint32
	addressOffset uint64
}

// GetOffset returns the accumulated first-word-of-reg address offset
// contributed by this node and its ancestors.
func (n DeviceNode) GetOffset() uint64 {
	return n.addressOffset
}

// AddressCells returns the #address-cells value in effect for this node's
// own children.
func (n DeviceNode) AddressCells() uint32 {
	return n.addressCells
}

// SizeCells returns the #size-cells value in effect for this node's own
// children.
func (n DeviceNode) SizeCells() uint32 {
	return n.sizeCells
}

// skipNOP advances addr past any run of NOP tokens.
func (a *Analyser) skipNOP(addr uint64) (uint64, error) {
	for {
		tok, err := a.mem.Uint32BE(addr)
		if err != nil {
			return 0, err
		}
		if tok != tokenNOP {
			return addr, nil
		}
		addr += tokenSize
	}
}

// skipPadding advances addr to the next 4 byte boundary. Non-zero padding
// bytes are logged but do not stop the walk.
func (a *Analyser) skipPadding(addr uint64) (uint64, error) {
	for addr&(tokenSize-1) != 0 {
		b, err := a.mem.Byte(addr)
		if err != nil {
			return 0, err
		}
		if b != 0 {
			diag.Printf("dtb: warning: expected zero padding, found %#x", b)
		}
		addr++
	}
	return addr, nil
}

// matchName compares the NUL-terminated (or '@'-suffixed) name at addr
// against s, honouring the "@unit-address" node name suffix syntax.
func (a *Analyser) matchName(addr uint64, s string) (bool, error) {
	for i := 0; i < len(s); i++ {
		b, err := a.mem.Byte(addr + uint64(i))
		if err != nil {
			return false, err
		}
		if b != s[i] {
			return false, nil
		}
	}
	last, err := a.mem.Byte(addr + uint64(len(s)))
	if err != nil {
		return false, err
	}
	return last == 0 || last == '@', nil
}

// matchString compares the NUL-terminated string at addr against s exactly.
func (a *Analyser) matchString(addr uint64, s string) (bool, error) {
	for i := 0; i < len(s); i++ {
		b, err := a.mem.Byte(addr + uint64(i))
		if err != nil {
			return false, err
		}
		if b != s[i] {
			return false, nil
		}
	}
	last, err := a.mem.Byte(addr + uint64(len(s)))
	if err != nil {
		return false, err
	}
	return last == 0, nil
}

// readNodeName expects a BEGIN_NODE token at addr (after NOP skipping),
// returns the address of the NUL-terminated node name and the address of
// the token following the name's padding.
func (a *Analyser) readNodeName(addr uint64) (nameAddr uint64, next uint64, err error) {
	tok, err := a.mem.Uint32BE(addr)
	if err != nil {
		return 0, 0, err
	}
	if tok != tokenBeginNode {
		diag.Printf("dtb: expected BEGIN_NODE, found %#x", tok)
		return 0, 0, ErrBadToken
	}
	addr += tokenSize
	nameAddr = addr
	for {
		b, err := a.mem.Byte(addr)
		if err != nil {
			return 0, 0, err
		}
		if b == 0 {
			break
		}
		addr++
	}
	addr++
	addr, err = a.skipPadding(addr)
	if err != nil {
		return 0, 0, err
	}
	return nameAddr, addr, nil
}

// skipToEndOfNode consumes an entire node (its name, properties and nested
// children) starting at addr, which must be positioned at (or before, modulo
// NOPs) its BEGIN_NODE token. It returns the address following the node's
// END_NODE token.
func (a *Analyser) skipToEndOfNode(addr uint64) (uint64, error) {
	addr, err := a.skipNOP(addr)
	if err != nil {
		return 0, err
	}
	_, addr, err = a.readNodeName(addr)
	if err != nil {
		return 0, err
	}

	for {
		tok, err := a.mem.Uint32BE(addr)
		if err != nil {
			return 0, err
		}
		if tok == tokenEndNode {
			break
		}
		if addr&(tokenSize-1) != 0 {
			return 0, fmt.Errorf("%w: misaligned token at %#x", ErrBadToken, addr)
		}
		switch tok {
		case tokenProp:
			addr += tokenSize
			propLen, err := a.mem.Uint32BE(addr)
			if err != nil {
				return 0, err
			}
			addr += 8 // len + name_off
			addr += uint64(propLen)
			addr, err = a.skipPadding(addr)
			if err != nil {
				return 0, err
			}
		case tokenBeginNode:
			addr, err = a.skipToEndOfNode(addr)
			if err != nil {
				return 0, err
			}
		case tokenNOP:
			// consumed by skipNOP below
		default:
			diag.Printf("dtb: expected token, found %#x (address %#x)", tok, addr)
			return 0, ErrBadToken
		}
		addr, err = a.skipNOP(addr)
		if err != nil {
			return 0, err
		}
	}
	addr += tokenSize
	return addr, nil
}
