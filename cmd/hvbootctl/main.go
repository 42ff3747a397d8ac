// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command hvbootctl loads a Flattened Device Tree blob from disk and
// reports the reg window and status of every node matching a compatible
// string. It is the hosted, file-backed stand-in for the EL2 bootloader
// that would otherwise hold the DTB in a memory-mapped physical range.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/xyproto/env/v2"

	"github.com/usbarmory/hvbootcore/diag"
	"github.com/usbarmory/hvbootcore/dtb"
	"github.com/usbarmory/hvbootcore/physmem"
)

func main() {
	log.SetFlags(0)

	dtbPath := flag.String("dtb", env.Str("HVBOOT_DTB", ""), "path to a DTB blob (env HVBOOT_DTB)")
	baseStr := flag.String("base", env.Str("HVBOOT_BASE", "0"), "base address the blob is treated as loaded at, hex or decimal (env HVBOOT_BASE)")
	compatible := flag.String("compatible", "", "comma-separated compatible strings to search for, in priority order")
	verbose := flag.Bool("verbose", env.Bool("HVBOOT_VERBOSE"), "enable diagnostic logging (env HVBOOT_VERBOSE)")
	flag.Parse()

	if !*verbose {
		diag.Logger.SetOutput(io.Discard)
	}

	if *dtbPath == "" {
		log.Fatal("hvbootctl: -dtb (or HVBOOT_DTB) is required")
	}
	if *compatible == "" {
		log.Fatal("hvbootctl: -compatible is required")
	}

	var base uint64
	var err error
	if hex, ok := strings.CutPrefix(*baseStr, "0x"); ok {
		base, err = strconv.ParseUint(hex, 16, 64)
	} else {
		base, err = strconv.ParseUint(*baseStr, 10, 64)
	}
	if err != nil {
		log.Fatalf("hvbootctl: bad -base %q: %v", *baseStr, err)
	}

	candidates := strings.Split(*compatible, ",")

	if err := run(*dtbPath, base, candidates); err != nil {
		log.Fatalf("hvbootctl: %v", err)
	}
}

func run(path string, base uint64, candidates []string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	blob, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", path, err)
	}
	defer blob.Unmap()

	mem := physmem.NewView(base, blob)

	tree, err := dtb.New(mem, base)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	holder, err := tree.RootNode().GetSearchHolder(tree)
	if err != nil {
		return err
	}

	for {
		node, idx, err := holder.SearchNextByCompatible(tree, candidates)
		if err != nil {
			return err
		}
		if node == nil {
			return nil
		}
		if err := report(tree, *node, idx); err != nil {
			return err
		}
	}
}

func report(tree *dtb.Analyser, node dtb.DeviceNode, matchIndex int) error {
	okay, _, err := node.IsStatusOkay(tree)
	if err != nil {
		return err
	}

	addr, size, found, err := node.GetReg(tree)
	if err != nil {
		return err
	}

	if found {
		fmt.Printf("match[%d] offset=%#x reg=[%#x, %#x) status-okay=%v\n", matchIndex, node.GetOffset(), addr, addr+size, okay)
	} else {
		fmt.Printf("match[%d] offset=%#x no reg property status-okay=%v\n", matchIndex, node.GetOffset(), okay)
	}

	return nil
}
