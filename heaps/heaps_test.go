package heaps_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickjc750/heaps/heaps"
	"github.com/mickjc750/heaps/mcheap"
)

type errInfo struct {
	msg  string
	file string
	line int
}

func newTrackedHeap(t *testing.T, regionSize int) (*heaps.Tracker, *errInfo) {
	t.Helper()
	backend := mcheap.New(regionSize)
	info := &errInfo{}
	tracker := heaps.New(backend, heaps.WithErrorHandler(func(msg, file string, line int) {
		*info = errInfo{msg: msg, file: file, line: line}
	}))
	return tracker, info
}

func TestGenLinkedList(t *testing.T) {
	tr, _ := newTrackedHeap(t, 4096)
	oldHead := tr.AllocationList()

	a, err := tr.Allocate(101, "file-one", 1)
	require.NoError(t, err)
	b, err := tr.Allocate(102, "file-two", 2)
	require.NoError(t, err)
	c, err := tr.Allocate(103, "file-three", 3)
	require.NoError(t, err)

	ptr := tr.AllocationList()
	require.NotNil(t, ptr)
	assert.Equal(t, "file-three", ptr.File)
	assert.Equal(t, 3, ptr.Line)
	assert.Equal(t, 103, ptr.Size)
	ptr = ptr.Next
	require.NotNil(t, ptr)
	assert.Equal(t, "file-two", ptr.File)
	assert.Equal(t, 2, ptr.Line)
	assert.Equal(t, 102, ptr.Size)
	ptr = ptr.Next
	require.NotNil(t, ptr)
	assert.Equal(t, "file-one", ptr.File)
	assert.Equal(t, 1, ptr.Line)
	assert.Equal(t, 101, ptr.Size)
	ptr = ptr.Next
	assert.Equal(t, oldHead, ptr)

	require.NoError(t, tr.Free(b, "test", 0))
	ptr = tr.AllocationList()
	require.NotNil(t, ptr)
	assert.Equal(t, "file-three", ptr.File)
	ptr = ptr.Next
	require.NotNil(t, ptr)
	assert.Equal(t, "file-one", ptr.File)
	ptr = ptr.Next
	assert.Equal(t, oldHead, ptr)

	require.NoError(t, tr.Free(c, "test", 0))
	ptr = tr.AllocationList()
	require.NotNil(t, ptr)
	assert.Equal(t, "file-one", ptr.File)
	ptr = ptr.Next
	assert.Equal(t, oldHead, ptr)

	require.NoError(t, tr.Free(a, "test", 0))
	assert.Equal(t, oldHead, tr.AllocationList())
}

func TestErrOnAllocFail(t *testing.T) {
	tr, info := newTrackedHeap(t, mcheap.DefaultSize)
	a, err := tr.Allocate(mcheap.DefaultSize+1, "fred likes dogs", 1975)
	assert.Nil(t, a)
	assert.ErrorIs(t, err, heaps.ErrAllocationFailed)
	assert.Equal(t, "allocation failed", info.msg)
	assert.Equal(t, "fred likes dogs", info.file)
	assert.Equal(t, 1975, info.line)
}

func TestErrOnReallocFail(t *testing.T) {
	tr, info := newTrackedHeap(t, mcheap.DefaultSize)

	a, err := tr.Reallocate(nil, mcheap.DefaultSize+1, "bob eats chickens", 1984)
	assert.Nil(t, a)
	assert.ErrorIs(t, err, heaps.ErrAllocationFailed)
	assert.Equal(t, "allocation via heaps_realloc() failed", info.msg)
	assert.Equal(t, "bob eats chickens", info.file)
	assert.Equal(t, 1984, info.line)

	p, err := tr.Allocate(50, "setup", 0)
	require.NoError(t, err)

	b, err := tr.Reallocate(p, mcheap.DefaultSize, "turtle broth", 2001)
	assert.Nil(t, b)
	assert.ErrorIs(t, err, heaps.ErrAllocationFailed)
	assert.Equal(t, "heaps_realloc() failed", info.msg)
	assert.Equal(t, "turtle broth", info.file)
	assert.Equal(t, 2001, info.line)

	c, err := tr.Reallocate(p[1:], 0, "trying to false free", 2019)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, heaps.ErrFalseFree)
	assert.Equal(t, "false free via heaps_realloc()", info.msg)
	assert.Equal(t, "trying to false free", info.file)
	assert.Equal(t, 2019, info.line)

	require.NoError(t, tr.Free(p, "teardown", 0))
}

func TestErrOnBadFree(t *testing.T) {
	tr, info := newTrackedHeap(t, 4096)
	a, err := tr.Allocate(1, "setup", 0)
	require.NoError(t, err)

	// p-1: a pointer one byte below a genuine allocation, distinct
	// from the p+1 case already covered in TestErrOnReallocFail.
	belowA := unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(&a[0]), -1)), 1)
	err = tr.Free(belowA, "trying false free", 1989)
	assert.ErrorIs(t, err, heaps.ErrFalseFree)
	assert.Equal(t, "false free", info.msg)
	assert.Equal(t, "trying false free", info.file)
	assert.Equal(t, 1989, info.line)

	require.NoError(t, tr.Free(a, "teardown", 0))
}

func TestTrackHeadroom(t *testing.T) {
	tr, _ := newTrackedHeap(t, mcheap.DefaultSize)

	// Seed headroom with a small allocation; with process-wide state
	// replaced by an explicit, freshly constructed Tracker (see
	// DESIGN.md), headroom has no observation to report until the
	// first successful allocation.
	seed, err := tr.Allocate(1, "seed", 0)
	require.NoError(t, err)
	require.NoError(t, tr.Free(seed, "seed", 0))

	assert.Greater(t, tr.Headroom(), mcheap.DefaultSize/2)

	a, err := tr.Allocate(mcheap.DefaultSize+1, "oversized", 0)
	assert.Nil(t, a)
	assert.Error(t, err)

	b, err := tr.Allocate(mcheap.DefaultSize/2, "half", 0)
	require.NoError(t, err)
	s := tr.Headroom()
	assert.Less(t, s, mcheap.DefaultSize/2)

	require.NoError(t, tr.Free(b, "teardown", 0))
	assert.Equal(t, s, tr.Headroom(), "headroom must not change on free")
}

func TestTrackPeakAllocationCount(t *testing.T) {
	tr, _ := newTrackedHeap(t, 4096)
	before := tr.AllocationCountPeak()

	var ptrs [][]byte
	for i := 0; i < 7; i++ {
		p, err := tr.Allocate(100, "peak", 0)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		require.NoError(t, tr.Free(p, "peak", 0))
	}

	assert.Less(t, before, 7)
	assert.Equal(t, 7, tr.AllocationCountPeak())
}

func TestCalloc(t *testing.T) {
	tr, _ := newTrackedHeap(t, 4096)
	buf, err := tr.Calloc(100, 2, "calloc", 0)
	require.NoError(t, err)
	require.Len(t, buf, 200)
	for _, b := range buf {
		assert.Zero(t, b)
	}
	require.NoError(t, tr.Free(buf, "teardown", 0))
}

func TestReports(t *testing.T) {
	tr, _ := newTrackedHeap(t, 8192)

	empty, err := tr.Report("report", 0)
	require.NoError(t, err)
	assert.Nil(t, empty)

	a1, err := tr.Allocate(3000, "fileA", 2001)
	require.NoError(t, err)
	b1, err := tr.Allocate(1000, "fileB", 2002)
	require.NoError(t, err)
	b2, err := tr.Allocate(1000, "fileB", 2002)
	require.NoError(t, err)
	c1, err := tr.Allocate(500, "fileC", 2003)
	require.NoError(t, err)
	c2, err := tr.Allocate(500, "fileC", 2003)
	require.NoError(t, err)
	c3, err := tr.Allocate(500, "fileC", 2003)
	require.NoError(t, err)

	result, err := tr.Report("report", 0)
	require.NoError(t, err)
	require.NotNil(t, result)
	arr := result.Entries
	require.Len(t, arr, 4)

	assert.Equal(t, "fileC", arr[0].File)
	assert.Equal(t, 3, arr[0].Count)
	assert.Equal(t, 2003, arr[0].Line)
	assert.Equal(t, 1500, arr[0].Size)

	assert.Equal(t, "fileB", arr[1].File)
	assert.Equal(t, 2, arr[1].Count)
	assert.Equal(t, 2002, arr[1].Line)
	assert.Equal(t, 2000, arr[1].Size)

	assert.Equal(t, "fileA", arr[2].File)
	assert.Equal(t, 1, arr[2].Count)
	assert.Equal(t, 2001, arr[2].Line)
	assert.Equal(t, 3000, arr[2].Size)

	assert.Equal(t, "heaps/report.go", arr[3].File)

	heaps.SortByDescendingSize(arr)
	assert.Equal(t, "fileA", arr[0].File)
	assert.Equal(t, "fileB", arr[1].File)
	assert.Equal(t, "fileC", arr[2].File)
	assert.Equal(t, "heaps/report.go", arr[3].File)

	heaps.SortByDescendingCount(arr)
	assert.Equal(t, "fileC", arr[0].File)
	assert.Equal(t, 3, arr[0].Count)
	assert.Equal(t, "fileB", arr[1].File)
	assert.Equal(t, 2, arr[1].Count)
	assert.Equal(t, 1, arr[2].Count) // fileA and the report's own entry may land in either order
	assert.Equal(t, 1, arr[3].Count)

	require.NoError(t, tr.FreeReport(result, "report", 0))
	require.NoError(t, tr.Free(a1, "teardown", 0))
	require.NoError(t, tr.Free(b1, "teardown", 0))
	require.NoError(t, tr.Free(b2, "teardown", 0))
	require.NoError(t, tr.Free(c1, "teardown", 0))
	require.NoError(t, tr.Free(c2, "teardown", 0))
	require.NoError(t, tr.Free(c3, "teardown", 0))
}

func TestWalk(t *testing.T) {
	tr, _ := newTrackedHeap(t, 4096)
	a, err := tr.Allocate(16, "walk", 1)
	require.NoError(t, err)
	b, err := tr.Allocate(16, "walk", 2)
	require.NoError(t, err)

	var seen []int
	tr.Walk(func(r *heaps.Record) bool {
		seen = append(seen, r.Line)
		return true
	})
	assert.Equal(t, []int{2, 1}, seen)

	require.NoError(t, tr.Free(a, "teardown", 0))
	require.NoError(t, tr.Free(b, "teardown", 0))
}
