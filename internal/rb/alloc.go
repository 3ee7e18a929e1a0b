package rb

import (
	"fmt"
	"sync/atomic"
)

// Allocator obtains and releases the storage of ring buffers.
type Allocator interface {
	// Alloc returns a zeroed slice of the given size
	// or ErrOutOfMemory.
	Alloc(size int) ([]byte, error)
	// Free gives back a slice obtained from Alloc.
	Free(buf []byte)
}

var _ Allocator = HeapAllocator{}

// HeapAllocator allocates the storage on the Go heap.
type HeapAllocator struct{}

// Alloc implements Allocator.
func (HeapAllocator) Alloc(size int) (buf []byte, err error) {
	defer func() {
		// make panics with a runtime error when the length is out of range
		if r := recover(); r != nil {
			buf = nil
			err = fmt.Errorf("%w: %v", ErrOutOfMemory, r)
		}
	}()

	return make([]byte, size), nil
}

// Free implements Allocator. The storage is left to the garbage collector.
func (HeapAllocator) Free([]byte) {}

var _ Allocator = (*BudgetAllocator)(nil)

// BudgetAllocator is an heap allocator that refuses to hand out
// more than a fixed amount of bytes at the same time.
type BudgetAllocator struct {
	limit int64
	used  atomic.Int64

	heap HeapAllocator
}

// NewBudgetAllocator returns a new allocator with the given byte budget.
func NewBudgetAllocator(limit int64) *BudgetAllocator {
	return &BudgetAllocator{
		limit: limit,
	}
}

// Alloc implements Allocator.
func (ba *BudgetAllocator) Alloc(size int) ([]byte, error) {
	req := int64(size)

	for {
		used := ba.used.Load()
		if used+req > ba.limit {
			return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
				ErrOutOfMemory, size, used, ba.limit)
		}

		if ba.used.CompareAndSwap(used, used+req) {
			break
		}
	}

	buf, err := ba.heap.Alloc(size)
	if err != nil {
		ba.used.Add(-req)
		return nil, err
	}

	return buf, nil
}

// Free implements Allocator.
func (ba *BudgetAllocator) Free(buf []byte) {
	ba.used.Add(-int64(len(buf)))
}

// InUse returns the number of bytes currently handed out.
func (ba *BudgetAllocator) InUse() int64 {
	return ba.used.Load()
}
