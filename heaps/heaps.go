// Copyright 2017 The Heaps Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heaps implements an allocation-tracking wrapper over any
// underlying allocator.
//
// A Tracker interposes on every allocate/free/reallocate/calloc
// call, recording the call site (file and line) of the caller,
// keeping a LIFO-ordered linked list of every live allocation, and
// catching frees of pointers it never handed out. It also tracks
// peak allocation count, the largest single allocation requested,
// and headroom (the smallest "largest free block" ever observed).
//
// The underlying allocator is supplied as a Backend, checked at
// call time for the optional Allocer, Reallocer,
// IntegrityChecker, and LargestFreer capabilities — the Go analogue
// of a conditionally compiled plug-in contract.
package heaps

import (
	"errors"
	"unsafe"
)

// Sentinel errors surfaced by Tracker methods alongside the
// ErrorHandler callback, for callers who prefer ordinary Go error
// handling over a side-channel hook.
var (
	ErrAllocationFailed = errors.New("heaps: allocation failed")
	ErrFalseFree        = errors.New("heaps: false free")
	ErrUnsupported      = errors.New("heaps: backend does not support this operation")
)

// Backend is the minimal contract a wrapped allocator must satisfy:
// it must be able to free what it hands out. Free always returns
// nil, mirroring mcheap.Heap.Free's p = Free(p) convenience.
type Backend interface {
	Free(b []byte) []byte
}

// Allocer is implemented by backends that can allocate directly.
type Allocer interface {
	Allocate(size int) ([]byte, error)
}

// Reallocer is implemented by backends that can resize an existing
// allocation. A Reallocer backend also enables Tracker.Reallocate
// and Tracker.Report.
type Reallocer interface {
	Reallocate(b []byte, size int) ([]byte, error)
}

// IntegrityChecker is implemented by backends that can self-verify.
type IntegrityChecker interface {
	IsIntact() bool
}

// LargestFreer is implemented by backends that can report the
// largest single allocation currently satisfiable.
type LargestFreer interface {
	LargestFree() int
}

// ErrorHandler receives a diagnostic message and the call site that
// triggered it. It is advisory: Tracker never assumes the handler
// aborts the process, and every operation is written so that its
// return does not leave the tracker in an inconsistent state.
type ErrorHandler func(msg, file string, line int)

// Record describes one live allocation. It is an ordinary
// Go-managed struct, not a header laid in-band before the payload:
// the payload may come from a backend whose memory the garbage
// collector cannot be trusted to scan for embedded pointers, so
// Record never overlaps backend-owned bytes.
type Record struct {
	Size int
	File string
	Line int
	Next *Record

	content []byte
}

// Content returns the payload bytes tracked by this record.
func (r *Record) Content() []byte { return r.content }

// LargestAllocation describes the largest single allocation
// requested through a Tracker so far.
type LargestAllocation struct {
	File string
	Line int
	Size int
}

const headroomUnset = int(^uint(0) >> 1) // math.MaxInt, avoided to keep this file free of the math import

// Tracker wraps a Backend, recording every allocation it hands out.
type Tracker struct {
	backend           Backend
	errorHandler      ErrorHandler
	reallocZeroNoFree bool
	noWalkCheck       bool

	head                *Record
	allocationCount     int
	allocationCountPeak int
	headroom            int
	largestAllocation   LargestAllocation
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithErrorHandler installs the diagnostic sink invoked on
// exhaustion, mis-use, and corruption.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(t *Tracker) { t.errorHandler = fn }
}

// WithReallocZeroDoesntFree switches Tracker.Reallocate to treat a
// zero-size request as an ordinary resize (forwarded to the backend
// as-is, record stays linked) rather than as a free. Use this when
// the backend's Reallocate does not free on a zero size.
func WithReallocZeroDoesntFree() Option {
	return func(t *Tracker) { t.reallocZeroNoFree = true }
}

// WithNoPreOperationWalkCheck disables the live-list walk performed
// before every mutating operation. The backend's own IntegrityChecker,
// if any, still runs.
func WithNoPreOperationWalkCheck() Option {
	return func(t *Tracker) { t.noWalkCheck = true }
}

// New constructs a Tracker wrapping backend.
func New(backend Backend, opts ...Option) *Tracker {
	t := &Tracker{backend: backend, headroom: headroomUnset}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) reportError(msg, file string, line int) {
	if t.errorHandler != nil {
		t.errorHandler(msg, file, line)
	}
}

// checkHeap is the pre-operation integrity check: advisory only, it
// never aborts or alters the operation that follows.
func (t *Tracker) checkHeap(file string, line int) {
	if !t.noWalkCheck {
		count := 0
		for r := t.head; r != nil; r = r.Next {
			count++
		}
		if count != t.allocationCount {
			t.reportError("heap broken", file, line)
		}
	}
	if checker, ok := t.backend.(IntegrityChecker); ok {
		if !checker.IsIntact() {
			t.reportError("heap broken", file, line)
		}
	}
}

func samePointer(a, b []byte) bool {
	return unsafe.SliceData(a) == unsafe.SliceData(b)
}

func (t *Tracker) link(content []byte, size int, file string, line int) []byte {
	rec := &Record{Size: size, File: file, Line: line, Next: t.head, content: content}
	t.head = rec
	t.allocationCount++
	if t.allocationCount > t.allocationCountPeak {
		t.allocationCountPeak = t.allocationCount
	}
	if size > t.largestAllocation.Size {
		t.largestAllocation = LargestAllocation{File: file, Line: line, Size: size}
	}
	return content
}

// unlink removes the record matching ptr by content identity and
// returns that record's content, or nil if no such record is linked.
func (t *Tracker) unlink(ptr []byte) []byte {
	link := &t.head
	for *link != nil && !samePointer((*link).content, ptr) {
		link = &(*link).Next
	}
	target := *link
	if target == nil {
		return nil
	}
	*link = target.Next
	t.allocationCount--
	return target.content
}

func (t *Tracker) trackHeadroom() {
	largest := 0
	if lf, ok := t.backend.(LargestFreer); ok {
		largest = lf.LargestFree()
	}
	if largest < t.headroom {
		t.headroom = largest
	}
}

// Allocate requests size bytes from the backend, attributing the
// allocation to (file, line). The backend must implement Allocer.
func (t *Tracker) Allocate(size int, file string, line int) ([]byte, error) {
	t.checkHeap(file, line)
	allocer, ok := t.backend.(Allocer)
	if !ok {
		return nil, ErrUnsupported
	}
	raw, err := allocer.Allocate(size)
	if err != nil || raw == nil {
		t.reportError("allocation failed", file, line)
		return nil, ErrAllocationFailed
	}
	result := t.link(raw, size, file, line)
	t.trackHeadroom()
	return result, nil
}

// Free releases the allocation at ptr. ptr == nil is a no-op. If
// ptr does not match a live record, the error hook fires with
// "false free" and ErrFalseFree is returned; the tracker's state is
// left unchanged.
func (t *Tracker) Free(ptr []byte, file string, line int) error {
	t.checkHeap(file, line)
	if ptr == nil {
		return nil
	}
	raw := t.unlink(ptr)
	if raw == nil {
		t.reportError("false free", file, line)
		return ErrFalseFree
	}
	t.backend.Free(raw)
	return nil
}

// Reallocate resizes the allocation at ptr to size bytes. The
// backend must implement Reallocer.
//
// ptr == nil allocates fresh. size == 0 frees ptr and returns (nil,
// nil), unless WithReallocZeroDoesntFree is set, in which case the
// zero-size request is forwarded to the backend as an ordinary
// resize. Otherwise ptr is resized; matching the reference
// implementation, this path does not itself validate that ptr was
// found — an unrecognized pointer is forwarded to the backend as a
// fresh-allocation request (nil), without raising an error.
func (t *Tracker) Reallocate(ptr []byte, size int, file string, line int) ([]byte, error) {
	t.checkHeap(file, line)
	reallocer, ok := t.backend.(Reallocer)
	if !ok {
		return nil, ErrUnsupported
	}

	allocating := ptr == nil
	freeing := !allocating && size == 0 && !t.reallocZeroNoFree

	switch {
	case allocating:
		raw, err := reallocer.Reallocate(nil, size)
		if err != nil || raw == nil {
			t.reportError("allocation via heaps_realloc() failed", file, line)
			return nil, ErrAllocationFailed
		}
		result := t.link(raw, size, file, line)
		t.trackHeadroom()
		return result, nil

	case freeing:
		raw := t.unlink(ptr)
		if raw == nil {
			t.reportError("false free via heaps_realloc()", file, line)
			return nil, ErrFalseFree
		}
		reallocer.Reallocate(raw, 0)
		return nil, nil

	default: // resizing
		var raw []byte // stays nil if ptr is unrecognized; forwarded to Reallocate as-is
		for r := t.head; r != nil; r = r.Next {
			if samePointer(r.content, ptr) {
				raw = r.content
				break
			}
		}
		newRaw, err := reallocer.Reallocate(raw, size)
		if err != nil || newRaw == nil {
			// The record stays linked: a failed resize leaves the
			// original allocation and the tracker untouched.
			t.reportError("heaps_realloc() failed", file, line)
			return nil, ErrAllocationFailed
		}
		t.unlink(ptr)
		result := t.link(newRaw, size, file, line)
		t.trackHeadroom()
		return result, nil
	}
}

// Calloc allocates qty*size bytes, zero-fills them, and links them.
// The backend must implement Allocer or Reallocer.
func (t *Tracker) Calloc(qty, size int, file string, line int) ([]byte, error) {
	t.checkHeap(file, line)
	total := qty * size

	var raw []byte
	var err error
	switch backend := t.backend.(type) {
	case Allocer:
		raw, err = backend.Allocate(total)
	case Reallocer:
		raw, err = backend.Reallocate(nil, total)
	default:
		return nil, ErrUnsupported
	}
	if err != nil || raw == nil {
		t.reportError("calloc failed", file, line)
		return nil, ErrAllocationFailed
	}
	raw = raw[:total]
	for i := range raw {
		raw[i] = 0
	}
	result := t.link(raw, total, file, line)
	t.trackHeadroom()
	return result, nil
}

// AllocationCount returns the number of currently live allocations.
func (t *Tracker) AllocationCount() int { return t.allocationCount }

// AllocationCountPeak returns the largest AllocationCount has ever
// been.
func (t *Tracker) AllocationCountPeak() int { return t.allocationCountPeak }

// Headroom returns the smallest value the backend's LargestFree has
// reported immediately after any successful allocation or
// reallocation; it never changes on Free.
func (t *Tracker) Headroom() int {
	if t.headroom == headroomUnset {
		return 0
	}
	return t.headroom
}

// LargestAllocation returns the call site and size of the largest
// single allocation requested so far.
func (t *Tracker) LargestAllocation() LargestAllocation { return t.largestAllocation }

// AllocationList returns the head of the live list, most recently
// allocated first.
func (t *Tracker) AllocationList() *Record { return t.head }

// Walk calls fn for every live record, most recent first, stopping
// early if fn returns false.
func (t *Tracker) Walk(fn func(*Record) bool) {
	for r := t.head; r != nil; r = r.Next {
		if !fn(r) {
			return
		}
	}
}
