// Package device implements the pipe device: a fixed capacity circular
// byte buffer shared by any number of readers and writers, with blocking
// and non-blocking reads and writes and readiness polling.
package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/FerroO2000/scullp/internal/rb"
	"github.com/FerroO2000/scullp/internal/telemetry"
	"golang.org/x/sys/cpu"
)

// MinCapacity is the smallest capacity accepted by Activate.
const MinCapacity = rb.MinCapacity

// Allocator obtains and releases the buffer storage of a device.
type Allocator = rb.Allocator

// HeapAllocator allocates the buffer storage on the Go heap.
type HeapAllocator = rb.HeapAllocator

// BudgetAllocator caps the total storage handed out to the devices sharing it.
type BudgetAllocator = rb.BudgetAllocator

// NewBudgetAllocator returns an allocator refusing to hand out more than limit bytes.
func NewBudgetAllocator(limit int64) *BudgetAllocator {
	return rb.NewBudgetAllocator(limit)
}

// IOMode selects whether an operation may suspend the caller.
type IOMode uint8

const (
	// Blocking operations wait until they can make progress.
	Blocking IOMode = iota
	// NonBlocking operations fail with ErrWouldBlock instead of waiting.
	NonBlocking
)

func (m IOMode) String() string {
	switch m {
	case Blocking:
		return "blocking"
	case NonBlocking:
		return "non-blocking"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the state of a device.
type Status struct {
	Name     string
	Minor    int
	Active   bool
	Capacity int
	Readable int
	Writable int
}

///////////////
//  METRICS  //
///////////////

type deviceMetrics struct {
	tel *telemetry.Telemetry

	readBytes    atomic.Int64
	writtenBytes atomic.Int64

	blockedReads  atomic.Int64
	blockedWrites atomic.Int64

	wouldBlock  atomic.Int64
	interrupted atomic.Int64

	fill atomic.Int64
}

func newDeviceMetrics(tel *telemetry.Telemetry) *deviceMetrics {
	return &deviceMetrics{
		tel: tel,
	}
}

func (dm *deviceMetrics) init() {
	dm.tel.NewCounter("read_bytes", func() int64 { return dm.readBytes.Load() })
	dm.tel.NewCounter("written_bytes", func() int64 { return dm.writtenBytes.Load() })
	dm.tel.NewCounter("blocked_reads", func() int64 { return dm.blockedReads.Load() })
	dm.tel.NewCounter("blocked_writes", func() int64 { return dm.blockedWrites.Load() })
	dm.tel.NewCounter("would_block", func() int64 { return dm.wouldBlock.Load() })
	dm.tel.NewCounter("interrupted", func() int64 { return dm.interrupted.Load() })
	dm.tel.NewGauge("fill", func() int64 { return dm.fill.Load() })
}

//////////////
//  DEVICE  //
//////////////

// Device is a pipe instance. It owns one buffer, a lock and two
// condition signals: dataReady wakes readers, spaceReady wakes writers.
//
// The buffer exists only while the device is active, i.e. between
// Activate and Deactivate. The device itself, with its identity and
// its lock, outlives any number of activation cycles.
type Device struct {
	tel *telemetry.Telemetry

	name  string
	minor int

	alloc Allocator

	debug atomic.Bool

	_ cpu.CacheLinePad

	// mux guards every field below
	mux        *rb.Mutex
	dataReady  *sync.Cond
	spaceReady *sync.Cond

	ring *rb.RingBuffer

	pollers map[*PollTable]struct{}

	_ cpu.CacheLinePad

	metrics *deviceMetrics
}

// New returns a new inactive device.
// A nil allocator means the heap.
func New(name string, minor int, alloc Allocator) *Device {
	if alloc == nil {
		alloc = HeapAllocator{}
	}

	mux := rb.NewMutex()
	tel := telemetry.NewTelemetry("device", name)

	d := &Device{
		tel: tel,

		name:  name,
		minor: minor,

		alloc: alloc,

		mux:        mux,
		dataReady:  sync.NewCond(mux),
		spaceReady: sync.NewCond(mux),

		pollers: make(map[*PollTable]struct{}),

		metrics: newDeviceMetrics(tel),
	}

	d.metrics.init()

	return d
}

// Name returns the name of the device.
func (d *Device) Name() string {
	return d.name
}

// Minor returns the minor number (index) of the device.
func (d *Device) Minor() int {
	return d.minor
}

// SetDebug enables or disables the trace lines of the device.
func (d *Device) SetDebug(enabled bool) {
	d.debug.Store(enabled)
}

// Debug reports whether the trace lines are enabled.
func (d *Device) Debug() bool {
	return d.debug.Load()
}

func (d *Device) trace(msg string, args ...any) {
	if !d.debug.Load() {
		return
	}
	d.tel.LogInfo(msg, args...)
}

func (d *Device) lock(ctx context.Context) error {
	if err := d.mux.LockContext(ctx); err != nil {
		return interrupted(err)
	}
	return nil
}

// notifyLocked wakes every poll table registered on the device.
func (d *Device) notifyLocked() {
	for pt := range d.pollers {
		pt.notify()
	}
}

func (d *Device) updateFillLocked() {
	if d.ring == nil {
		d.metrics.fill.Store(0)
		return
	}
	d.metrics.fill.Store(int64(d.ring.Readable()))
}

// Activate allocates a buffer of the given capacity and resets the cursors.
// It fails with ErrOutOfMemory when the storage cannot be obtained.
func (d *Device) Activate(capacity int) error {
	d.mux.Lock()
	defer d.mux.Unlock()

	if d.ring != nil {
		return ErrAlreadyActive
	}

	ring, err := rb.NewRingBuffer(capacity, d.alloc)
	if err != nil {
		return err
	}

	d.ring = ring

	d.updateFillLocked()
	d.notifyLocked()

	d.trace("activate", "capacity", capacity)

	return nil
}

// Deactivate releases the buffer. Goroutines blocked on the device are
// woken up and fail with ErrNotActive. Deactivating an inactive device
// is a no-op.
func (d *Device) Deactivate() {
	d.mux.Lock()
	defer d.mux.Unlock()

	if d.ring == nil {
		return
	}

	d.ring.Release(d.alloc)
	d.ring = nil

	d.dataReady.Broadcast()
	d.spaceReady.Broadcast()

	d.updateFillLocked()
	d.notifyLocked()

	d.trace("deactivate")
}

// Active reports whether the device has a buffer.
func (d *Device) Active() bool {
	d.mux.Lock()
	defer d.mux.Unlock()

	return d.ring != nil
}

// ReadableSize returns the number of bytes that can be read.
// It is zero for an inactive device.
func (d *Device) ReadableSize() int {
	d.mux.Lock()
	defer d.mux.Unlock()

	if d.ring == nil {
		return 0
	}
	return d.ring.Readable()
}

// WritableSize returns the number of bytes that can be written,
// one slot of the buffer being reserved. It is zero for an inactive device.
func (d *Device) WritableSize() int {
	d.mux.Lock()
	defer d.mux.Unlock()

	if d.ring == nil {
		return 0
	}
	return d.ring.Writable()
}

// Stat returns a snapshot of the device state.
func (d *Device) Stat() Status {
	d.mux.Lock()
	defer d.mux.Unlock()

	st := Status{
		Name:  d.name,
		Minor: d.minor,
	}

	if d.ring != nil {
		st.Active = true
		st.Capacity = d.ring.Capacity()
		st.Readable = d.ring.Readable()
		st.Writable = d.ring.Writable()
	}

	return st
}

// Read reads up to len(p) bytes from the device.
//
// While the buffer is empty a blocking read suspends the caller until data
// is written or ctx is done (ErrInterrupted), a non-blocking read fails
// with ErrWouldBlock. A single call never returns bytes across the end of
// the storage: a wrapped region is returned by two consecutive reads.
// A zero-length read returns immediately.
func (d *Device) Read(ctx context.Context, p []byte, mode IOMode) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if err := d.lock(ctx); err != nil {
		d.metrics.interrupted.Add(1)
		return 0, err
	}
	defer d.mux.Unlock()

	for {
		if d.ring == nil {
			return 0, ErrNotActive
		}

		if d.ring.Readable() > 0 {
			break
		}

		if mode == NonBlocking {
			d.metrics.wouldBlock.Add(1)
			return 0, ErrWouldBlock
		}

		d.metrics.blockedReads.Add(1)
		d.trace("read: waiting for data")

		if err := rb.Wait(ctx, d.dataReady); err != nil {
			d.metrics.interrupted.Add(1)
			return 0, interrupted(err)
		}
	}

	n := d.ring.Read(p)

	d.spaceReady.Broadcast()
	d.notifyLocked()

	d.metrics.readBytes.Add(int64(n))
	d.updateFillLocked()

	d.trace("read", "requested", len(p), "read", n)

	return n, nil
}

// Write writes up to len(p) bytes into the device and returns how many
// were written.
//
// While the buffer is full a blocking write suspends the caller until
// space is freed or ctx is done (ErrInterrupted), a non-blocking write fails
// with ErrWouldBlock. Like Read, a single call never writes across the end
// of the storage, so short writes are expected.
// A zero-length write returns immediately.
func (d *Device) Write(ctx context.Context, p []byte, mode IOMode) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if err := d.lock(ctx); err != nil {
		d.metrics.interrupted.Add(1)
		return 0, err
	}
	defer d.mux.Unlock()

	for {
		if d.ring == nil {
			return 0, ErrNotActive
		}

		if d.ring.Writable() > 0 {
			break
		}

		if mode == NonBlocking {
			d.metrics.wouldBlock.Add(1)
			return 0, ErrWouldBlock
		}

		d.metrics.blockedWrites.Add(1)
		d.trace("write: waiting for space")

		if err := rb.Wait(ctx, d.spaceReady); err != nil {
			d.metrics.interrupted.Add(1)
			return 0, interrupted(err)
		}
	}

	n := d.ring.Write(p)

	d.dataReady.Broadcast()
	d.notifyLocked()

	d.metrics.writtenBytes.Add(int64(n))
	d.updateFillLocked()

	d.trace("write", "requested", len(p), "written", n)

	return n, nil
}

// Poll registers pt (when not nil) as an observer of the device and
// returns the current readiness. It never waits for data or space.
// An inactive device is neither readable nor writable.
//
// pt stays registered, and referenced by the device, until pt.Free is called.
func (d *Device) Poll(pt *PollTable) Readiness {
	d.mux.Lock()
	defer d.mux.Unlock()

	if pt != nil {
		d.pollers[pt] = struct{}{}
		pt.track(d)
	}

	var rd Readiness
	if d.ring != nil {
		rd.Readable = d.ring.Readable() > 0
		rd.Writable = d.ring.Writable() > 0
	}

	d.trace("poll", "readable", rd.Readable, "writable", rd.Writable)

	return rd
}

func (d *Device) unregister(pt *PollTable) {
	d.mux.Lock()
	defer d.mux.Unlock()

	delete(d.pollers, pt)
}
