// Package rb provides the fixed capacity circular byte buffer
// backing a pipe device, together with the lock and wait primitives
// used to share it between goroutines.
package rb

import (
	"errors"
)

var (
	// ErrOutOfMemory is returned when the storage of a buffer cannot be obtained.
	ErrOutOfMemory = errors.New("ring buffer: out of memory")
	// ErrInvalidCapacity is returned when the requested capacity cannot
	// hold at least one byte.
	ErrInvalidCapacity = errors.New("ring buffer: capacity must be at least 2")
)

// MinCapacity is the smallest usable capacity: one slot is always reserved.
const MinCapacity = 2

// RingBuffer is a fixed capacity circular byte buffer.
//
// One slot is permanently reserved so that a full buffer can be told apart
// from an empty one: it holds at most capacity-1 bytes.
// The bytes outside [readPos, writePos) are unused.
//
// RingBuffer is not safe for concurrent use, callers serialize every access.
type RingBuffer struct {
	storage []byte

	capacity int

	readPos  int
	writePos int
}

// NewRingBuffer returns a new ring buffer whose storage is obtained from alloc.
// A nil allocator means the heap.
func NewRingBuffer(capacity int, alloc Allocator) (*RingBuffer, error) {
	if capacity < MinCapacity {
		return nil, ErrInvalidCapacity
	}

	if alloc == nil {
		alloc = HeapAllocator{}
	}

	storage, err := alloc.Alloc(capacity)
	if err != nil {
		return nil, err
	}

	return &RingBuffer{
		storage:  storage,
		capacity: capacity,
	}, nil
}

// Capacity returns the size of the storage, reserved slot included.
func (r *RingBuffer) Capacity() int {
	return r.capacity
}

// Cursors returns the read and the write positions.
func (r *RingBuffer) Cursors() (readPos, writePos int) {
	return r.readPos, r.writePos
}

// Readable returns the number of bytes that can be read.
func (r *RingBuffer) Readable() int {
	return (r.writePos - r.readPos + r.capacity) % r.capacity
}

// Writable returns the number of bytes that can be written.
func (r *RingBuffer) Writable() int {
	if r.readPos == r.writePos {
		return r.capacity - 1
	}
	return (r.readPos-r.writePos+r.capacity)%r.capacity - 1
}

// Empty reports whether there is nothing to read.
func (r *RingBuffer) Empty() bool {
	return r.readPos == r.writePos
}

// Full reports whether there is no room left.
func (r *RingBuffer) Full() bool {
	return (r.writePos+1)%r.capacity == r.readPos
}

// Read copies at most len(dst) bytes into dst and returns how many were copied.
// A single call never crosses the end of the storage: when the readable
// region wraps, only the bytes up to the end are returned and the
// remainder is left for the next call.
func (r *RingBuffer) Read(dst []byte) int {
	n := min(len(dst), r.Readable())
	if r.readPos > r.writePos {
		n = min(n, r.capacity-r.readPos)
	}

	if n == 0 {
		return 0
	}

	copy(dst[:n], r.storage[r.readPos:r.readPos+n])
	r.readPos = (r.readPos + n) % r.capacity

	return n
}

// Write copies at most len(src) bytes from src and returns how many were copied.
// Like Read, a single call never crosses the end of the storage.
func (r *RingBuffer) Write(src []byte) int {
	n := min(len(src), r.Writable())
	if r.writePos >= r.readPos {
		n = min(n, r.capacity-r.writePos)
	}

	if n == 0 {
		return 0
	}

	copy(r.storage[r.writePos:r.writePos+n], src[:n])
	r.writePos = (r.writePos + n) % r.capacity

	return n
}

// Reset empties the buffer.
func (r *RingBuffer) Reset() {
	r.readPos = 0
	r.writePos = 0
}

// Release gives the storage back to alloc. The buffer must not be used afterwards.
func (r *RingBuffer) Release(alloc Allocator) {
	if alloc == nil {
		alloc = HeapAllocator{}
	}

	alloc.Free(r.storage)

	r.storage = nil
	r.capacity = 0
	r.readPos = 0
	r.writePos = 0
}
