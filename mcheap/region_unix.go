// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.
//
// Modifications (c) The Heaps Authors.

//go:build linux || darwin || freebsd || openbsd || netbsd

package mcheap

import (
	"os"
	"syscall"
	"unsafe"
)

var pageSize = os.Getpagesize()

// NewMappedRegion returns an anonymously memory-mapped, page-aligned
// region of size bytes, suitable for WithRegion. Unlike the default
// Go-heap-backed region, a mapped region is entirely off the Go
// garbage collector's scanned heap. Release it with UnmapRegion once
// the Heap using it is no longer needed.
func NewMappedRegion(size int) ([]byte, error) {
	length := roundup(size, pageSize)
	b, err := syscall.Mmap(-1, 0, length, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		return nil, os.NewSyscallError("mmap", err)
	}
	return b[:size], nil
}

// UnmapRegion releases a region obtained from NewMappedRegion. The
// Heap that owned it must not be used again afterwards.
func UnmapRegion(region []byte) error {
	full := unsafe.Pointer(&region[:cap(region)][0])
	length := cap(region)
	_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP, uintptr(full), uintptr(length), 0)
	if errno != 0 {
		return os.NewSyscallError("munmap", errno)
	}
	return nil
}
