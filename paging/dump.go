// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package paging

import "github.com/usbarmory/hvbootcore/diag"

// DumpPageTable walks the table tree rooted at root (starting at level,
// as returned by initialLevelAndShift or a fixed stage-2 level) and logs
// one diagnostic line per valid entry it finds, indented by depth.
func (e *Engine) DumpPageTable(root uint64, level int) error {
	return e.dumpTable(root, level, 0, 0)
}

func (e *Engine) dumpTable(table uint64, level int, depth int, baseVA uint64) error {
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}

	for i := 0; i < entriesPerTable; i++ {
		desc, err := e.mem.Uint64(table + uint64(i)*8)
		if err != nil {
			return err
		}
		if !isValid(desc) {
			continue
		}

		va := baseVA + uint64(i)<<shiftForLevel(level)

		switch {
		case isTableDescriptor(desc, level):
			diag.Printf("%slevel %d va %#x -> table %#x", indent, level, va, outputAddress(desc))
			if err := e.dumpTable(outputAddress(desc), level+1, depth+1, va); err != nil {
				return err
			}
		case isBlockDescriptor(desc, level):
			diag.Printf("%slevel %d va %#x -> block %#x", indent, level, va, outputAddress(desc))
		case isPageDescriptor(desc, level):
			diag.Printf("%slevel %d va %#x -> page %#x", indent, level, va, outputAddress(desc))
		default:
			diag.Printf("%slevel %d va %#x -> unknown descriptor %#x", indent, level, va, desc)
		}
	}

	return nil
}
