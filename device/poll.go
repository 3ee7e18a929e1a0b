package device

import (
	"context"
	"sync"
)

// Readiness reports whether a device can be read or written
// without waiting.
type Readiness struct {
	Readable bool
	Writable bool
}

// Interest is the set of conditions a poll request waits for.
type Interest uint8

const (
	// PollIn waits for the device to become readable.
	PollIn Interest = 1 << iota
	// PollOut waits for the device to become writable.
	PollOut
)

// Ready reports whether rd satisfies at least one of the conditions.
func (i Interest) Ready(rd Readiness) bool {
	return (i&PollIn != 0 && rd.Readable) || (i&PollOut != 0 && rd.Writable)
}

// PollTable collects the devices a poller is waiting on.
// Every device registered through Device.Poll signals the table
// whenever its state changes (data written or read, activation,
// deactivation). Signals are coalesced: C delivers at most one
// pending notification.
//
// A registration lasts until Free is called: the devices keep a reference
// to the table, so every table used with Poll must be freed once the
// caller stops waiting. Select does it on return.
type PollTable struct {
	ch chan struct{}

	mux     sync.Mutex
	devices map[*Device]struct{}
}

// NewPollTable returns an empty poll table.
func NewPollTable() *PollTable {
	return &PollTable{
		ch:      make(chan struct{}, 1),
		devices: make(map[*Device]struct{}),
	}
}

// C returns the channel signaled on state changes.
func (pt *PollTable) C() <-chan struct{} {
	return pt.ch
}

func (pt *PollTable) notify() {
	select {
	case pt.ch <- struct{}{}:
	default:
	}
}

func (pt *PollTable) track(d *Device) {
	pt.mux.Lock()
	defer pt.mux.Unlock()

	pt.devices[d] = struct{}{}
}

// Free unregisters the table from every device it was registered on.
// The table can be reused afterwards.
func (pt *PollTable) Free() {
	pt.mux.Lock()
	devices := pt.devices
	pt.devices = make(map[*Device]struct{})
	pt.mux.Unlock()

	for d := range devices {
		d.unregister(pt)
	}
}

// Pollable is implemented by anything exposing the readiness
// of a device, a Device or an open File.
type Pollable interface {
	Poll(pt *PollTable) Readiness
}

// PollRequest asks Select to wait for an interest on a target.
type PollRequest struct {
	Target   Pollable
	Interest Interest
}

// PollEvent is the readiness of the request at the same index.
type PollEvent struct {
	Readiness
	Ready bool
}

// Select waits until at least one request is ready or ctx is done,
// the way select(2) does. It returns one event per request.
// When ctx is done the events of the last scan are returned with
// an error wrapping ErrInterrupted.
func Select(ctx context.Context, reqs ...PollRequest) ([]PollEvent, error) {
	events := make([]PollEvent, len(reqs))
	if len(reqs) == 0 {
		return events, nil
	}

	pt := NewPollTable()
	defer pt.Free()

	for {
		ready := false
		for idx, req := range reqs {
			rd := req.Target.Poll(pt)
			events[idx] = PollEvent{
				Readiness: rd,
				Ready:     req.Interest.Ready(rd),
			}

			if events[idx].Ready {
				ready = true
			}
		}

		if ready {
			return events, nil
		}

		select {
		case <-ctx.Done():
			return events, interrupted(ctx.Err())
		case <-pt.C():
		}
	}
}
