package dtb

import (
	"github.com/usbarmory/hvbootcore/diag"
)

// handleCommonProp applies the three properties that every node-matching
// walk treats the same way: #address-cells and #size-cells update the
// node's own cell widths, and reg accumulates into the node's address
// offset. It reports which of the three (if any) matched.
func (a *Analyser) handleCommonProp(node *DeviceNode, nameAddr, payloadAddr uint64, propLen uint32) (matched string, err error) {
	if ok, err := a.matchString(nameAddr, propAddressCells); err != nil {
		return "", err
	} else if ok {
		v, err := a.mem.Uint32BE(payloadAddr)
		if err != nil {
			return "", err
		}
		node.addressCells = v
		return propAddressCells, nil
	}

	if ok, err := a.matchString(nameAddr, propSizeCells); err != nil {
		return "", err
	} else if ok {
		v, err := a.mem.Uint32BE(payloadAddr)
		if err != nil {
			return "", err
		}
		node.sizeCells = v
		return propSizeCells, nil
	}

	if ok, err := a.matchString(nameAddr, propReg); err != nil {
		return "", err
	} else if ok {
		var acc uint64
		p := payloadAddr
		for i := uint32(0); i < node.addressCells; i++ {
			w, err := a.mem.Uint32BE(p)
			if err != nil {
				return "", err
			}
			acc = (acc << 32) | uint64(w)
			p += tokenSize
		}
		node.addressOffset += acc

		// The source implementation treats this mismatch as fatal in
		// name-search mode and merely logs it in compatible-search mode;
		// this implementation resolves that asymmetry uniformly as a
		// warning in both modes (see DESIGN.md).
		if expected := (node.addressCells + node.sizeCells) * tokenSize; propLen != expected {
			diag.Printf("dtb: warning: reg length mismatch: expected %d bytes, found %d", expected, propLen)
		}
		return propReg, nil
	}

	return "", nil
}

// scanCompatibleList returns the index, within candidates, of the first
// candidate (in candidate-list order) that appears anywhere in the
// NUL-separated compatible string list at [payload, payload+propLen). This
// gives candidate-list order priority over property order, per the
// specification's ordering guarantee.
func (a *Analyser) scanCompatibleList(payload uint64, propLen uint32, candidates []string) (int, error) {
	for idx, cand := range candidates {
		listPtr := uint64(0)
		for listPtr < uint64(propLen) {
			ok, err := a.matchString(payload+listPtr, cand)
			if err != nil {
				return -1, err
			}
			if ok {
				return idx, nil
			}
			for {
				b, err := a.mem.Byte(payload + listPtr)
				if err != nil {
					return -1, err
				}
				if b == 0 {
					break
				}
				listPtr++
			}
			listPtr++
		}
	}
	return -1, nil
}

// enterByName reads a not-yet-visited node's own BEGIN_NODE/name at *ptr,
// determines whether it matches name, and scans its body.
func (a *Analyser) enterByName(node DeviceNode, ptr *uint64, name string) (*DeviceNode, error) {
	addr, err := a.skipNOP(*ptr)
	if err != nil {
		return nil, err
	}
	nameAddr, next, err := a.readNodeName(addr)
	if err != nil {
		return nil, err
	}
	matched, err := a.matchName(nameAddr, name)
	if err != nil {
		return nil, err
	}
	*ptr = next
	return a.scanChildrenByName(node, matched, ptr, name)
}

// scanChildrenByName walks node's own properties and children starting at
// *ptr, which must already be positioned past node's BEGIN_NODE/name (as
// left by enterByName, or by DeviceNode.GetSearchHolder when resuming a
// cursor). On a child BEGIN_NODE it either returns node itself (if matched
// is true, meaning an earlier call already matched it) or descends into the
// child via enterByName.
func (a *Analyser) scanChildrenByName(node DeviceNode, matched bool, ptr *uint64, name string) (*DeviceNode, error) {
	for {
		tok, err := a.mem.Uint32BE(*ptr)
		if err != nil {
			return nil, err
		}
		if tok == tokenEndNode {
			break
		}
		if *ptr&(tokenSize-1) != 0 {
			return nil, ErrBadToken
		}
		switch tok {
		case tokenProp:
			*ptr += tokenSize
			propLen, err := a.mem.Uint32BE(*ptr)
			if err != nil {
				return nil, err
			}
			*ptr += tokenSize
			nameOff, err := a.mem.Uint32BE(*ptr)
			if err != nil {
				return nil, err
			}
			*ptr += tokenSize
			nameAddr, err := a.name(nameOff)
			if err != nil {
				return nil, err
			}
			payload := *ptr
			if _, err := a.handleCommonProp(&node, nameAddr, payload, propLen); err != nil {
				return nil, err
			}
			*ptr += uint64(propLen)
			*ptr, err = a.skipPadding(*ptr)
			if err != nil {
				return nil, err
			}
		case tokenBeginNode:
			if matched {
				result := node
				return &result, nil
			}
			child := node
			child.basePointer = *ptr
			result, err := a.enterByName(child, ptr, name)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
		case tokenNOP:
		default:
			diag.Printf("dtb: expected token, found %#x (offset from node: %#x)", tok, *ptr-node.basePointer)
			return nil, ErrBadToken
		}
		*ptr, err = a.skipNOP(*ptr)
		if err != nil {
			return nil, err
		}
	}

	if matched {
		result := node
		return &result, nil
	}
	*ptr += tokenSize
	return nil, nil
}

// enterByCompatible mirrors enterByName but matches against a `compatible`
// property instead of the node name; a node's own name plays no role here.
func (a *Analyser) enterByCompatible(node DeviceNode, ptr *uint64, candidates []string) (*DeviceNode, int, error) {
	addr, err := a.skipNOP(*ptr)
	if err != nil {
		return nil, -1, err
	}
	_, next, err := a.readNodeName(addr)
	if err != nil {
		return nil, -1, err
	}
	*ptr = next
	return a.scanChildrenByCompatible(node, ptr, candidates)
}

// scanChildrenByCompatible is the scanChildrenByName counterpart for
// compatible-property search: resumable from any point past a node's own
// BEGIN_NODE/name.
func (a *Analyser) scanChildrenByCompatible(node DeviceNode, ptr *uint64, candidates []string) (*DeviceNode, int, error) {
	compatIndex := -1

	for {
		tok, err := a.mem.Uint32BE(*ptr)
		if err != nil {
			return nil, -1, err
		}
		if tok == tokenEndNode {
			break
		}
		if *ptr&(tokenSize-1) != 0 {
			return nil, -1, ErrBadToken
		}
		switch tok {
		case tokenProp:
			*ptr += tokenSize
			propLen, err := a.mem.Uint32BE(*ptr)
			if err != nil {
				return nil, -1, err
			}
			*ptr += tokenSize
			nameOff, err := a.mem.Uint32BE(*ptr)
			if err != nil {
				return nil, -1, err
			}
			*ptr += tokenSize
			nameAddr, err := a.name(nameOff)
			if err != nil {
				return nil, -1, err
			}
			payload := *ptr

			if ok, err := a.matchString(nameAddr, propCompatible); err != nil {
				return nil, -1, err
			} else if ok {
				idx, err := a.scanCompatibleList(payload, propLen, candidates)
				if err != nil {
					return nil, -1, err
				}
				if idx >= 0 {
					compatIndex = idx
				}
			} else if _, err := a.handleCommonProp(&node, nameAddr, payload, propLen); err != nil {
				return nil, -1, err
			}

			*ptr += uint64(propLen)
			*ptr, err = a.skipPadding(*ptr)
			if err != nil {
				return nil, -1, err
			}
		case tokenBeginNode:
			if compatIndex >= 0 {
				result := node
				return &result, compatIndex, nil
			}
			child := node
			child.basePointer = *ptr
			result, idx, err := a.enterByCompatible(child, ptr, candidates)
			if err != nil {
				return nil, -1, err
			}
			if result != nil {
				return result, idx, nil
			}
		case tokenNOP:
		default:
			diag.Printf("dtb: expected token, found %#x (offset from node: %#x)", tok, *ptr-node.basePointer)
			return nil, -1, ErrBadToken
		}
		*ptr, err = a.skipNOP(*ptr)
		if err != nil {
			return nil, -1, err
		}
	}

	if compatIndex >= 0 {
		result := node
		return &result, compatIndex, nil
	}
	*ptr += tokenSize
	return nil, -1, nil
}

// searchPointerToProperty returns the address of target's payload among
// node's own properties (no descent into children).
func (a *Analyser) searchPointerToProperty(node DeviceNode, target string) (uint64, bool, error) {
	addr, err := a.skipNOP(node.basePointer)
	if err != nil {
		return 0, false, err
	}
	_, addr, err = a.readNodeName(addr)
	if err != nil {
		return 0, false, err
	}

	for {
		tok, err := a.mem.Uint32BE(addr)
		if err != nil {
			return 0, false, err
		}
		if tok == tokenEndNode {
			break
		}
		if addr&(tokenSize-1) != 0 {
			return 0, false, ErrBadToken
		}
		switch tok {
		case tokenProp:
			addr += tokenSize
			propLen, err := a.mem.Uint32BE(addr)
			if err != nil {
				return 0, false, err
			}
			addr += tokenSize
			nameOff, err := a.mem.Uint32BE(addr)
			if err != nil {
				return 0, false, err
			}
			addr += tokenSize
			nameAddr, err := a.name(nameOff)
			if err != nil {
				return 0, false, err
			}
			payload := addr

			special, err := a.handleCommonProp(&node, nameAddr, payload, propLen)
			if err != nil {
				return 0, false, err
			}
			if special == "" || special == target {
				if ok, err := a.matchString(nameAddr, target); err != nil {
					return 0, false, err
				} else if ok {
					return payload, true, nil
				}
			}

			addr += uint64(propLen)
			addr, err = a.skipPadding(addr)
			if err != nil {
				return 0, false, err
			}
		case tokenBeginNode:
			addr, err = a.skipToEndOfNode(addr)
			if err != nil {
				return 0, false, err
			}
		case tokenNOP:
		default:
			diag.Printf("dtb: expected token, found %#x (offset from node: %#x)", tok, addr-node.basePointer)
			return 0, false, ErrBadToken
		}
		addr, err = a.skipNOP(addr)
		if err != nil {
			return 0, false, err
		}
	}
	return 0, false, nil
}

// IsStatusOkay reports the value of the node's status property: ok is false
// if the property is absent.
func (n DeviceNode) IsStatusOkay(a *Analyser) (value bool, ok bool, err error) {
	addr, found, err := a.searchPointerToProperty(n, propStatus)
	if err != nil || !found {
		return false, false, err
	}
	okay, err := a.matchString(addr, propStatusOkay)
	return okay, true, err
}

// GetReg decodes the node's own reg property using its in-effect
// address/size cell widths, honouring the inheritance the walk already
// applied when it reached this node. found is false if the node carries no
// reg property.
func (n DeviceNode) GetReg(a *Analyser) (addr uint64, size uint64, found bool, err error) {
	payload, found, err := a.searchPointerToProperty(n, propReg)
	if err != nil || !found {
		return 0, 0, found, err
	}

	p := payload
	var a64 uint64
	for i := uint32(0); i < n.addressCells; i++ {
		w, err := a.mem.Uint32BE(p)
		if err != nil {
			return 0, 0, false, err
		}
		a64 = (a64 << 32) | uint64(w)
		p += tokenSize
	}
	var s64 uint64
	for i := uint32(0); i < n.sizeCells; i++ {
		w, err := a.mem.Uint32BE(p)
		if err != nil {
			return 0, 0, false, err
		}
		s64 = (s64 << 32) | uint64(w)
		p += tokenSize
	}
	return a64, s64, true, nil
}

// SearchCursor pairs a DeviceNode with a mutable structure-block pointer,
// used to resume iteration from where the previous match ended.
type SearchCursor struct {
	node    DeviceNode
	pointer uint64
}

// GetSearchHolder returns a cursor positioned just after n's own
// BEGIN_NODE/name, ready to scan n's properties and children.
func (n DeviceNode) GetSearchHolder(a *Analyser) (*SearchCursor, error) {
	addr, err := a.skipNOP(n.basePointer)
	if err != nil {
		return nil, err
	}
	_, addr, err = a.readNodeName(addr)
	if err != nil {
		return nil, err
	}
	return &SearchCursor{node: n, pointer: addr}, nil
}

// SearchNextByName resumes the walk, returning the next node whose name
// matches (honouring the @unit-address suffix). When the cursor's own
// subtree is exhausted without a match, the walk continues forward past it
// through the rest of the structure block and returns nil once END is
// reached. It does not restart from the tree root, so nodes that precede
// the cursor's position are not searched again.
func (c *SearchCursor) SearchNextByName(a *Analyser, name string) (*DeviceNode, error) {
	result, err := a.scanChildrenByName(c.node, false, &c.pointer, name)
	if err != nil {
		return nil, err
	}
	if result != nil {
		c.pointer, err = a.skipToEndOfNode(result.basePointer)
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	tok, err := a.mem.Uint32BE(c.pointer)
	if err != nil {
		return nil, err
	}
	if tok != tokenEnd {
		if c.pointer >= a.structBlockLimit() {
			diag.Printf("dtb: broken DTB")
			return nil, ErrBrokenDTB
		}
		// This is not a true wrap to the tree root: it re-enters the scan
		// at the exhausted cursor's own current position (c.pointer),
		// with a synthetic root node's default (inherited, not
		// re-derived) address/size cell widths — the same quirk
		// scanChildrenByCompatible's wrap relies on, kept so both search
		// modes resume identically instead of one silently differing.
		c.node = a.RootNode()
		c.node.basePointer = c.pointer
		return c.SearchNextByName(a, name)
	}
	return nil, nil
}

// SearchNextByCompatible resumes the walk, returning the next node whose
// `compatible` property contains any candidate, along with the index (in
// candidate-list order) of the first one that matched.
func (c *SearchCursor) SearchNextByCompatible(a *Analyser, candidates []string) (*DeviceNode, int, error) {
	result, idx, err := a.scanChildrenByCompatible(c.node, &c.pointer, candidates)
	if err != nil {
		return nil, -1, err
	}
	if result != nil {
		c.pointer, err = a.skipToEndOfNode(result.basePointer)
		if err != nil {
			return nil, -1, err
		}
		return result, idx, nil
	}

	tok, err := a.mem.Uint32BE(c.pointer)
	if err != nil {
		return nil, -1, err
	}
	if tok != tokenEnd {
		if c.pointer >= a.structBlockLimit() {
			diag.Printf("dtb: broken DTB")
			return nil, -1, ErrBrokenDTB
		}
		c.node = a.RootNode()
		c.node.basePointer = c.pointer
		return c.SearchNextByCompatible(a, candidates)
	}
	return nil, -1, nil
}
