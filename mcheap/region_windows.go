// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.
//
// Modifications (c) The Heaps Authors.

//go:build windows

package mcheap

import (
	"errors"
	"os"
	"syscall"
	"unsafe"
)

var pageSize = os.Getpagesize()

// handleMap lets UnmapRegion recover the CreateFileMapping handle
// from the address MapViewOfFile returned.
var handleMap = map[uintptr]syscall.Handle{}

// NewMappedRegion returns an anonymously memory-mapped, page-aligned
// region of size bytes, suitable for WithRegion. Release it with
// UnmapRegion once the Heap using it is no longer needed.
func NewMappedRegion(size int) ([]byte, error) {
	length := roundup(size, pageSize)
	flProtect := uint32(syscall.PAGE_READWRITE)
	dwDesiredAccess := uint32(syscall.FILE_MAP_WRITE)

	maxSizeHigh := uint32(int64(length) >> 32)
	maxSizeLow := uint32(int64(length) & 0xFFFFFFFF)
	h, errno := syscall.CreateFileMapping(syscall.Handle(^uintptr(0)), nil, flProtect, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return nil, os.NewSyscallError("CreateFileMapping", errno)
	}

	addr, errno := syscall.MapViewOfFile(h, dwDesiredAccess, 0, 0, uintptr(length))
	if addr == 0 {
		return nil, os.NewSyscallError("MapViewOfFile", errno)
	}

	handleMap[addr] = h
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	return b[:size], nil
}

// UnmapRegion releases a region obtained from NewMappedRegion. The
// Heap that owned it must not be used again afterwards.
func UnmapRegion(region []byte) error {
	addr := uintptr(unsafe.Pointer(&region[:cap(region)][0]))
	if err := syscall.UnmapViewOfFile(addr); err != nil {
		return err
	}

	handle, ok := handleMap[addr]
	if !ok {
		return errors.New("mcheap: unknown mapped region base address")
	}
	delete(handleMap, addr)

	return os.NewSyscallError("CloseHandle", syscall.CloseHandle(handle))
}
