package device

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// OpenFlag describes how a device is opened.
type OpenFlag uint8

const (
	// ORead opens the device for reading.
	ORead OpenFlag = 1 << iota
	// OWrite opens the device for writing.
	OWrite
	// ONonBlock makes reads and writes fail with ErrWouldBlock
	// instead of waiting.
	ONonBlock

	// ORdWr opens the device for reading and writing.
	ORdWr = ORead | OWrite
)

func (f OpenFlag) String() string {
	parts := []string{}
	switch f & ORdWr {
	case ORead:
		parts = append(parts, "r")
	case OWrite:
		parts = append(parts, "w")
	case ORdWr:
		parts = append(parts, "rw")
	}

	if f&ONonBlock != 0 {
		parts = append(parts, "nonblock")
	}

	return strings.Join(parts, ",")
}

// Mode returns the I/O mode implied by the flags.
func (f OpenFlag) Mode() IOMode {
	if f&ONonBlock != 0 {
		return NonBlocking
	}
	return Blocking
}

var (
	_ io.ReadWriteCloser = (*File)(nil)
	_ Pollable           = (*File)(nil)
)

// File is an open handle on a device.
//
// Closing a file interrupts the calls blocked on it: they return
// ErrInterrupted. Any call made after Close returns ErrFileClosed.
type File struct {
	dev *Device

	flags    OpenFlag
	nonBlock atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	release   func()
}

// NewFile returns a new handle on dev. The handle is bound to ctx:
// when ctx is done its blocked calls are interrupted.
// release, when not nil, is called once by Close.
func NewFile(ctx context.Context, dev *Device, flags OpenFlag, release func()) *File {
	fileCtx, cancel := context.WithCancel(ctx)

	f := &File{
		dev: dev,

		flags: flags,

		ctx:    fileCtx,
		cancel: cancel,

		release: release,
	}

	f.nonBlock.Store(flags&ONonBlock != 0)

	return f
}

// Device returns the device the file is open on.
func (f *File) Device() *Device {
	return f.dev
}

// Name returns the name of the device.
func (f *File) Name() string {
	return f.dev.Name()
}

// Flags returns the flags the file was opened with,
// updated by SetNonBlock.
func (f *File) Flags() OpenFlag {
	flags := f.flags &^ ONonBlock
	if f.nonBlock.Load() {
		flags |= ONonBlock
	}
	return flags
}

// SetNonBlock switches the file between blocking and non-blocking mode.
func (f *File) SetNonBlock(enabled bool) {
	f.nonBlock.Store(enabled)
}

func (f *File) mode() IOMode {
	if f.nonBlock.Load() {
		return NonBlocking
	}
	return Blocking
}

// bind returns a context done when either ctx or the file context is done.
func (f *File) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil || ctx == context.Background() {
		return f.ctx, func() {}
	}

	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(f.ctx, cancel)

	return merged, func() {
		stop()
		cancel()
	}
}

func (f *File) check(want OpenFlag) error {
	if f.closed.Load() {
		return ErrFileClosed
	}
	if f.flags&want == 0 {
		return ErrBadMode
	}
	return nil
}

// Read reads from the device. It performs a single step:
// short reads happen whenever the readable region wraps.
func (f *File) Read(p []byte) (int, error) {
	return f.ReadContext(context.Background(), p)
}

// ReadContext is like Read but a blocked call is also interrupted
// when ctx is done.
func (f *File) ReadContext(ctx context.Context, p []byte) (int, error) {
	if err := f.check(ORead); err != nil {
		return 0, err
	}

	ctx, cancel := f.bind(ctx)
	defer cancel()

	return f.dev.Read(ctx, p, f.mode())
}

// Write writes the whole of p to the device, looping over short writes.
// In non-blocking mode it stops as soon as the device is full
// and returns the count written so far with ErrWouldBlock.
func (f *File) Write(p []byte) (int, error) {
	return f.WriteContext(context.Background(), p)
}

// WriteContext is like Write but a blocked call is also interrupted
// when ctx is done.
func (f *File) WriteContext(ctx context.Context, p []byte) (int, error) {
	if err := f.check(OWrite); err != nil {
		return 0, err
	}

	ctx, cancel := f.bind(ctx)
	defer cancel()

	mode := f.mode()

	written := 0
	for written < len(p) {
		n, err := f.dev.Write(ctx, p[written:], mode)
		written += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

// WriteOnce performs a single write step and may return a short count
// without error.
func (f *File) WriteOnce(ctx context.Context, p []byte) (int, error) {
	if err := f.check(OWrite); err != nil {
		return 0, err
	}

	ctx, cancel := f.bind(ctx)
	defer cancel()

	return f.dev.Write(ctx, p, f.mode())
}

// Poll implements Pollable. As with Device.Poll, pt stays
// registered on the device until pt.Free is called.
func (f *File) Poll(pt *PollTable) Readiness {
	if f.closed.Load() {
		return Readiness{}
	}
	return f.dev.Poll(pt)
}

// Close releases the file. It is safe to call more than once.
func (f *File) Close() error {
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		f.cancel()

		if f.release != nil {
			f.release()
		}
	})

	return nil
}
