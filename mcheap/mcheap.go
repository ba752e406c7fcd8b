// Copyright 2017 The Heaps Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mcheap implements a fixed-region, in-band free-list allocator.
//
// A Heap manages a single contiguous byte region as a sequence of
// used and free sections. Free sections are linked, in ascending
// address order, by byte offset rather than by pointer, so the
// free list never hands a Go pointer to the garbage collector that
// it wouldn't otherwise see. Allocation is first-fit; reallocation
// follows a five-step ordered preference (relocate down, extend
// down, shrink in place, extend up, relocate up) chosen to keep
// fragmentation low without a general coalescing pass.
//
// A zero value Heap is not ready for use until its first operation,
// at which point it lazily initializes a region of DefaultSize
// bytes. Call New for explicit control over size, alignment, or an
// externally supplied region.
package mcheap

import (
	"errors"
	"fmt"
	"os"
	"unsafe"
)

// DefaultSize is the region size used when a Heap is constructed
// with a size of zero or used as a zero value.
const DefaultSize = 1000

const defaultAlignment = 16

const noOffset = -1

// ErrHeapFull is returned when no free section can satisfy a
// request, and the requested size would not fit even after
// relocation.
var ErrHeapFull = errors.New("mcheap: heap exhausted")

type freeHeader struct {
	size int
	next int // offset of the next free section, or noOffset
}

type usedHeader struct {
	size int
}

var (
	freeHeaderRawSize = int(unsafe.Sizeof(freeHeader{}))
	usedHeaderRawSize = int(unsafe.Sizeof(usedHeader{}))
)

// Heap manages a fixed byte region as alternating used and free
// sections. The zero value is usable; see the package doc.
type Heap struct {
	size         int
	alignment    int
	region       []byte
	firstFreeOff int
	initialized  bool
}

// Option configures a Heap at construction.
type Option func(*Heap)

// WithAlignment sets the alignment (in bytes, must be a power of
// two) enforced for every payload address and section size. The
// default is 16.
func WithAlignment(n int) Option {
	return func(h *Heap) { h.alignment = n }
}

// WithRegion supplies an externally managed region for the heap to
// take over, the equivalent of a caller-supplied fixed address. The
// caller is responsible for ensuring the region meets the
// configured alignment; NewMappedRegion produces one that does.
func WithRegion(region []byte) Option {
	return func(h *Heap) {
		h.region = region
		h.size = len(region)
	}
}

// New constructs a Heap of the given size (in bytes), applying opts
// in order. The heap is initialized immediately.
func New(size int, opts ...Option) *Heap {
	h := &Heap{size: size}
	for _, opt := range opts {
		opt(h)
	}
	h.ensureInit()
	return h
}

func (h *Heap) ensureInit() {
	if h.initialized {
		return
	}
	if h.size == 0 {
		h.size = DefaultSize
	}
	if h.alignment == 0 {
		h.alignment = defaultAlignment
	}
	h.reinit()
}

// Reinit forcibly resets the heap to a single free section spanning
// the entire region, discarding all existing allocations. It exists
// to let tests recover a heap they have deliberately corrupted.
func (h *Heap) Reinit() {
	if h.size == 0 {
		h.size = DefaultSize
	}
	if h.alignment == 0 {
		h.alignment = defaultAlignment
	}
	h.reinit()
}

func (h *Heap) reinit() {
	if h.region == nil {
		h.region = newAlignedRegion(h.size, h.alignment)
	}
	first := h.freeHeaderAt(0)
	first.size = len(h.region) - h.freeHeaderSize()
	first.next = noOffset
	h.firstFreeOff = 0
	h.initialized = true
}

func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

func (h *Heap) usedHeaderSize() int { return roundup(usedHeaderRawSize, h.alignment) }
func (h *Heap) freeHeaderSize() int { return roundup(freeHeaderRawSize, h.alignment) }

func (h *Heap) freeHeaderAt(off int) *freeHeader {
	return (*freeHeader)(unsafe.Pointer(&h.region[off]))
}

func (h *Heap) usedHeaderAt(off int) *usedHeader {
	return (*usedHeader)(unsafe.Pointer(&h.region[off]))
}

func (h *Heap) contentOf(usedOff int) []byte {
	u := h.usedHeaderAt(usedOff)
	start := usedOff + h.usedHeaderSize()
	return h.region[start : start+u.size : start+u.size]
}

func (h *Heap) offsetOfContent(b []byte) int {
	ptr := unsafe.SliceData(b)
	contentOff := int(uintptr(unsafe.Pointer(ptr)) - uintptr(unsafe.Pointer(&h.region[0])))
	return contentOff - h.usedHeaderSize()
}

func (h *Heap) sectionAfterUsed(off int) int {
	u := h.usedHeaderAt(off)
	return off + h.usedHeaderSize() + u.size
}

func (h *Heap) sectionAfterFree(off int) int {
	f := h.freeHeaderAt(off)
	return off + h.freeHeaderSize() + f.size
}

// normalizeSize rounds a requested payload size up to the
// alignment, then enforces that the resulting used section is large
// enough to later host a free header in its place.
func (h *Heap) normalizeSize(size int) int {
	size = roundup(size, h.alignment)
	if h.usedHeaderSize()+size < h.freeHeaderSize() {
		size = h.freeHeaderSize() - h.usedHeaderSize()
	}
	return size
}

// freeWalk returns the offset of the first free section able to
// hold a used section of the given normalized size, or noOffset.
func (h *Heap) freeWalk(size int) int {
	off := h.firstFreeOff
	for off != noOffset {
		f := h.freeHeaderAt(off)
		if h.freeHeaderSize()+f.size >= h.usedHeaderSize()+size {
			return off
		}
		off = f.next
	}
	return noOffset
}

// findFreeBelow returns the offset of the last free section with an
// address below target, or noOffset if none precedes it.
func (h *Heap) findFreeBelow(target int) int {
	result := noOffset
	off := h.firstFreeOff
	for off != noOffset && off < target {
		result = off
		off = h.freeHeaderAt(off).next
	}
	return result
}

func (h *Heap) inFreeList(off int) bool {
	for o := h.firstFreeOff; o != noOffset; o = h.freeHeaderAt(o).next {
		if o == off {
			return true
		}
	}
	return false
}

// freeInsert links a free section (whose size field is already set)
// into the free list at its address-ordered position.
func (h *Heap) freeInsert(off int) {
	linkOff := &h.firstFreeOff
	for *linkOff != noOffset && *linkOff < off {
		linkOff = &h.freeHeaderAt(*linkOff).next
	}
	h.freeHeaderAt(off).next = *linkOff
	*linkOff = off
}

func (h *Heap) freeRemove(off int) {
	linkOff := &h.firstFreeOff
	for *linkOff != off {
		linkOff = &h.freeHeaderAt(*linkOff).next
	}
	*linkOff = h.freeHeaderAt(off).next
}

// freeMergeUp absorbs the section immediately following off into
// off, if that section is itself the next entry in the free list
// (i.e. adjacent and free).
func (h *Heap) freeMergeUp(off int) {
	f := h.freeHeaderAt(off)
	if f.next == noOffset {
		return
	}
	if f.next == h.sectionAfterFree(off) {
		next := h.freeHeaderAt(f.next)
		f.size += h.freeHeaderSize() + next.size
		f.next = next.next
	}
}

// freeMerge merges off with its free successor and, if the section
// immediately preceding off is also free, merges that one upward
// too.
func (h *Heap) freeMerge(off int) {
	h.freeMergeUp(off)
	if below := h.findFreeBelow(off); below != noOffset {
		h.freeMergeUp(below)
	}
}

func (h *Heap) freeToUsed(off int) int {
	f := h.freeHeaderAt(off)
	total := h.freeHeaderSize() + f.size
	u := h.usedHeaderAt(off)
	u.size = total - h.usedHeaderSize()
	return off
}

func (h *Heap) usedToFree(off int) int {
	u := h.usedHeaderAt(off)
	total := h.usedHeaderSize() + u.size
	f := h.freeHeaderAt(off)
	f.size = total - h.freeHeaderSize()
	f.next = noOffset
	return off
}

// usedShrink splits a trailing free section off a used section when
// the surplus is large enough to host one, leaving used.size ==
// newSize. It is a no-op when the surplus is too small to split.
func (h *Heap) usedShrink(usedOff, newSize int) {
	u := h.usedHeaderAt(usedOff)
	if newSize >= u.size {
		return
	}
	total := h.usedHeaderSize() + u.size
	if total < h.usedHeaderSize()+newSize+h.freeHeaderSize() {
		return
	}
	freeOff := usedOff + h.usedHeaderSize() + newSize
	u.size = newSize
	newFree := h.freeHeaderAt(freeOff)
	newFree.size = total - h.usedHeaderSize() - newSize - h.freeHeaderSize()
	newFree.next = noOffset
	h.freeInsert(freeOff)
	h.freeMergeUp(freeOff)
}

// usedCanExtendDown reports whether the free section at freeOff
// (which may be noOffset) is immediately adjacent below usedOff and
// large enough, combined with the used section, to reach
// desiredSize.
func (h *Heap) usedCanExtendDown(freeOff, usedOff, desiredSize int) bool {
	if freeOff == noOffset {
		return false
	}
	if h.sectionAfterFree(freeOff) != usedOff {
		return false
	}
	u := h.usedHeaderAt(usedOff)
	f := h.freeHeaderAt(freeOff)
	return u.size+h.freeHeaderSize()+f.size >= desiredSize
}

func (h *Heap) usedCanExtendUp(usedOff, desiredSize int) bool {
	followerOff := h.sectionAfterUsed(usedOff)
	if !h.inFreeList(followerOff) {
		return false
	}
	u := h.usedHeaderAt(usedOff)
	f := h.freeHeaderAt(followerOff)
	return u.size+h.freeHeaderSize()+f.size >= desiredSize
}

// usedExtendDown unlinks the free section at freeOff and moves the
// used section at usedOff down onto it, preserving at most
// preserveSize bytes of payload, returning the new used offset
// (== freeOff).
func (h *Heap) usedExtendDown(freeOff, usedOff, preserveSize int) int {
	f := h.freeHeaderAt(freeOff)
	extra := h.freeHeaderSize() + f.size
	u := h.usedHeaderAt(usedOff)
	totalUsed := h.usedHeaderSize() + u.size
	moveSize := h.usedHeaderSize() + preserveSize
	if moveSize > totalUsed {
		moveSize = totalUsed
	}
	copy(h.region[freeOff:freeOff+moveSize], h.region[usedOff:usedOff+moveSize])
	newUsed := h.usedHeaderAt(freeOff)
	newUsed.size += extra
	return freeOff
}

// usedExtendUp absorbs the free section immediately following
// usedOff, which the caller must already have unlinked, growing the
// used section in place.
func (h *Heap) usedExtendUp(usedOff int) int {
	followerOff := h.sectionAfterUsed(usedOff)
	follower := h.freeHeaderAt(followerOff)
	extra := h.freeHeaderSize() + follower.size
	u := h.usedHeaderAt(usedOff)
	u.size += extra
	return usedOff
}

// relocate moves the used section at srcUsedOff into the free
// section at destFreeOff, preserving min(newSize, old size) bytes,
// and frees (merging) the section vacated at srcUsedOff. It returns
// the new used offset.
func (h *Heap) relocate(destFreeOff, srcUsedOff, newSize int) int {
	h.freeRemove(destFreeOff)
	newUsedOff := h.freeToUsed(destFreeOff)

	src := h.usedHeaderAt(srcUsedOff)
	n := newSize
	if src.size < n {
		n = src.size
	}
	srcContent := srcUsedOff + h.usedHeaderSize()
	dstContent := newUsedOff + h.usedHeaderSize()
	copy(h.region[dstContent:dstContent+n], h.region[srcContent:srcContent+n])

	vacatedOff := h.usedToFree(srcUsedOff)
	h.freeInsert(vacatedOff)
	h.freeMerge(vacatedOff)
	return newUsedOff
}

// Allocate returns a payload slice of at least size bytes from a
// new used section, or ErrHeapFull if no free section is large
// enough. size == 0 is legal and yields a minimum-sized allocation.
func (h *Heap) Allocate(size int) (r []byte, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "mcheap.Allocate(%d) %p, %v\n", size, ptrOf(r), err)
		}()
	}
	h.ensureInit()
	size = h.normalizeSize(size)
	freeOff := h.freeWalk(size)
	if freeOff == noOffset {
		return nil, ErrHeapFull
	}
	h.freeRemove(freeOff)
	usedOff := h.freeToUsed(freeOff)
	h.usedShrink(usedOff, size)
	return h.contentOf(usedOff), nil
}

// Reallocate resizes the allocation at b to size bytes, preserving
// the lesser of the old and new sizes worth of content. b == nil
// degenerates to Allocate(size); size == 0 degenerates to Free(b)
// and returns (nil, nil). On failure the original allocation at b is
// left untouched and ErrHeapFull is returned.
func (h *Heap) Reallocate(b []byte, size int) (r []byte, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "mcheap.Reallocate(%p, %d) %p, %v\n", ptrOf(b), size, ptrOf(r), err)
		}()
	}
	h.ensureInit()
	if b == nil {
		return h.Allocate(size)
	}
	if size == 0 {
		h.Free(b)
		return nil, nil
	}

	newSize := h.normalizeSize(size)
	usedOff := h.offsetOfContent(b)
	relocOff := h.freeWalk(newSize)

	var newUsedOff int
	switch {
	case relocOff != noOffset && relocOff < usedOff:
		newUsedOff = h.relocate(relocOff, usedOff, newSize)
	default:
		belowOff := h.findFreeBelow(usedOff)
		switch {
		case h.usedCanExtendDown(belowOff, usedOff, newSize):
			h.freeRemove(belowOff)
			newUsedOff = h.usedExtendDown(belowOff, usedOff, newSize)
		case newSize <= h.usedHeaderAt(usedOff).size:
			newUsedOff = usedOff
		case h.usedCanExtendUp(usedOff, newSize):
			followerOff := h.sectionAfterUsed(usedOff)
			h.freeRemove(followerOff)
			newUsedOff = h.usedExtendUp(usedOff)
		case relocOff != noOffset:
			newUsedOff = h.relocate(relocOff, usedOff, newSize)
		default:
			return nil, ErrHeapFull
		}
	}
	h.usedShrink(newUsedOff, newSize)
	return h.contentOf(newUsedOff), nil
}

// Free releases the used section whose payload is b. b == nil is a
// no-op. Free always returns nil, so callers may write b = h.Free(b).
func (h *Heap) Free(b []byte) []byte {
	if trace {
		defer fmt.Fprintf(os.Stderr, "mcheap.Free(%p)\n", ptrOf(b))
	}
	h.ensureInit()
	if b == nil {
		return nil
	}
	usedOff := h.offsetOfContent(b)
	freeOff := h.usedToFree(usedOff)
	h.freeInsert(freeOff)
	h.freeMerge(freeOff)
	return nil
}

// ptrOf returns the address of b's first byte for trace logging, or
// nil for an empty or nil slice.
func ptrOf(b []byte) *byte {
	if len(b) == 0 {
		return nil
	}
	return &b[0]
}

// LargestFree returns the size of the largest payload currently
// allocatable without relocation failing, i.e. the usable size of
// the largest free section.
func (h *Heap) LargestFree() int {
	h.ensureInit()
	if h.firstFreeOff == noOffset {
		return 0
	}
	largest := 0
	for off := h.firstFreeOff; off != noOffset; off = h.freeHeaderAt(off).next {
		if f := h.freeHeaderAt(off).size; f > largest {
			largest = f
		}
	}
	largest += h.freeHeaderSize()
	if largest >= h.usedHeaderSize() {
		largest -= h.usedHeaderSize()
	} else {
		largest = 0
	}
	return largest
}

// IsIntact walks the region from base to end, alternating between
// the free-list cursor and inferred used sections, and reports
// whether the walk lands exactly on the end of the region without
// ever leaving it.
func (h *Heap) IsIntact() bool {
	h.ensureInit()
	nextFree := h.firstFreeOff
	off := 0
	end := len(h.region)
	for off != end {
		if off == nextFree {
			f := h.freeHeaderAt(off)
			nextFree = f.next
			off += h.freeHeaderSize() + f.size
		} else {
			u := h.usedHeaderAt(off)
			off += h.usedHeaderSize() + u.size
		}
		if off < 0 || off > end {
			return false
		}
	}
	return true
}
