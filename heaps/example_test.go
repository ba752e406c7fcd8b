package heaps_test

import (
	"fmt"

	"github.com/mickjc750/heaps/heaps"
	"github.com/mickjc750/heaps/mcheap"
)

// ExampleTracker wires HEAPS over MCHEAP, the canonical binding: a
// fixed-region allocator doing the raw work, with call-site tracking
// layered on top.
func ExampleTracker() {
	backend := mcheap.New(4096)
	tracker := heaps.New(backend, heaps.WithErrorHandler(func(msg, file string, line int) {
		fmt.Printf("heaps: %s at %s:%d\n", msg, file, line)
	}))

	buf, err := tracker.Allocate(64, "example.go", 10)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(tracker.AllocationCount())

	tracker.Free(buf, "example.go", 11)
	fmt.Println(tracker.AllocationCount())

	// Output:
	// 1
	// 0
}
