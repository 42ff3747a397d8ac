// AArch64 hypervisor bootloader support
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package diag is the single diagnostic channel used by the DTB analyser
// and paging engine, standing in for the bare-metal println!/print! calls
// of a bootloader's serial console.
package diag

import (
	"log"
	"os"
)

// Logger is the destination for diagnostic lines. It defaults to stderr and
// may be overridden by a host application (e.g. to route output to a UART
// driver) before calling into this module.
var Logger = log.New(os.Stderr, "", 0)

// Printf emits one diagnostic line.
func Printf(format string, args ...any) {
	Logger.Printf(format, args...)
}
