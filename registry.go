// Package scullp provides a fixed set of pipe devices: in-memory byte
// pipes with blocking and non-blocking reads and writes, shared by any
// number of readers and writers.
package scullp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/FerroO2000/scullp/device"
	"github.com/FerroO2000/scullp/internal/config"
	"github.com/FerroO2000/scullp/internal/telemetry"
	"github.com/hashicorp/go-multierror"
)

// Version is the version of the driver.
const Version = "1.0.0"

var (
	// ErrNoDevice is returned when opening a device that does not exist.
	ErrNoDevice = errors.New("scullp: no such device")
	// ErrNotLive is returned when opening a device of a registry
	// that is not initialized or is closing.
	ErrNotLive = errors.New("scullp: registry is not live")
)

// State is the lifecycle state of a registry.
type State int32

const (
	// StateComing is the state before Init completes.
	StateComing State = iota
	// StateLive is the state between Init and Close.
	StateLive
	// StateGoing is the state once Close has been called.
	StateGoing
)

func (s State) String() string {
	switch s {
	case StateComing:
		return "coming"
	case StateLive:
		return "live"
	case StateGoing:
		return "going"
	default:
		return "unknown"
	}
}

// Option customizes a registry.
type Option func(*Registry)

// WithAllocator makes the devices obtain their buffers from alloc.
// It takes precedence over Config.MemoryLimit.
func WithAllocator(alloc device.Allocator) Option {
	return func(r *Registry) {
		r.alloc = alloc
	}
}

// Registry owns the devices of the driver. It activates them
// according to the allocation policy and hands out open files.
type Registry struct {
	tel *telemetry.Telemetry
	cfg *Config

	alloc device.Allocator

	state atomic.Int32
	debug atomic.Bool

	mux       sync.Mutex
	devices   []*device.Device
	byName    map[string]*device.Device
	openCount []int
	files     map[*device.File]struct{}

	openFiles atomic.Int64
}

// NewRegistry returns a new registry. A nil cfg means DefaultConfig.
// Invalid fields are logged and replaced by their defaults.
func NewRegistry(cfg *Config, opts ...Option) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	tel := telemetry.NewTelemetry("registry", "scullp")
	config.NewValidator(tel).Validate(cfg)

	r := &Registry{
		tel: tel,
		cfg: cfg,

		byName: make(map[string]*device.Device),
		files:  make(map[*device.File]struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.alloc == nil {
		if cfg.MemoryLimit > 0 {
			r.alloc = device.NewBudgetAllocator(int64(cfg.MemoryLimit))
		} else {
			r.alloc = device.HeapAllocator{}
		}
	}

	r.debug.Store(cfg.Debug)

	return r
}

// Config returns the validated configuration of the registry.
func (r *Registry) Config() Config {
	return *r.cfg
}

// State returns the lifecycle state of the registry.
func (r *Registry) State() State {
	return State(r.state.Load())
}

// DeviceName returns the name of the device with the given minor.
func (r *Registry) DeviceName(minor int) string {
	return r.cfg.NamePrefix + strconv.Itoa(minor)
}

// Init creates the devices. Under AllocOnInit every buffer is activated:
// when one activation fails the devices activated before it are
// deactivated and the error is returned.
func (r *Registry) Init(_ context.Context) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.State() != StateComing || r.devices != nil {
		return fmt.Errorf("scullp: registry already initialized")
	}

	devices := make([]*device.Device, r.cfg.DeviceCount)
	for minor := range devices {
		dev := device.New(r.DeviceName(minor), minor, r.alloc)
		dev.SetDebug(r.debug.Load())
		devices[minor] = dev
	}

	if r.cfg.AllocPolicy == AllocOnInit {
		for minor, dev := range devices {
			if err := dev.Activate(r.cfg.BufferSize.Int()); err != nil {
				for _, prev := range devices[:minor] {
					prev.Deactivate()
				}

				r.tel.LogError("failed to activate device", err, "device", dev.Name())

				return fmt.Errorf("scullp: activating %s: %w", dev.Name(), err)
			}
		}
	}

	r.devices = devices
	r.openCount = make([]int, len(devices))
	for _, dev := range devices {
		r.byName[dev.Name()] = dev
	}

	r.tel.NewGauge("open_files", func() int64 { return r.openFiles.Load() })

	r.state.Store(int32(StateLive))

	r.tel.LogInfo("registry initialized",
		"devices", len(devices), "buffer_size", r.cfg.BufferSize, "alloc_policy", r.cfg.AllocPolicy)

	return nil
}

// Devices returns the devices ordered by minor.
func (r *Registry) Devices() []*device.Device {
	r.mux.Lock()
	defer r.mux.Unlock()

	devices := make([]*device.Device, len(r.devices))
	copy(devices, r.devices)

	return devices
}

// Device returns the device with the given minor.
func (r *Registry) Device(minor int) (*device.Device, error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	if minor < 0 || minor >= len(r.devices) {
		return nil, fmt.Errorf("%w: minor %d", ErrNoDevice, minor)
	}

	return r.devices[minor], nil
}

// Lookup returns the device with the given name.
func (r *Registry) Lookup(name string) (*device.Device, error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	dev, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDevice, name)
	}

	return dev, nil
}

// Open opens the device with the given minor. Under AllocOnOpen the first
// open of a device activates its buffer. Closing the returned file
// releases it.
func (r *Registry) Open(ctx context.Context, minor int, flags device.OpenFlag) (*device.File, error) {
	if r.State() != StateLive {
		return nil, ErrNotLive
	}

	dev, err := r.Device(minor)
	if err != nil {
		return nil, err
	}

	return r.open(ctx, dev, flags)
}

// OpenName is like Open but the device is selected by name.
func (r *Registry) OpenName(ctx context.Context, name string, flags device.OpenFlag) (*device.File, error) {
	if r.State() != StateLive {
		return nil, ErrNotLive
	}

	dev, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}

	return r.open(ctx, dev, flags)
}

func (r *Registry) open(ctx context.Context, dev *device.Device, flags device.OpenFlag) (*device.File, error) {
	if flags&device.ORdWr == 0 {
		return nil, device.ErrBadMode
	}

	r.mux.Lock()
	defer r.mux.Unlock()

	if r.State() != StateLive {
		return nil, ErrNotLive
	}

	minor := dev.Minor()
	if r.cfg.AllocPolicy == AllocOnOpen && r.openCount[minor] == 0 {
		if err := dev.Activate(r.cfg.BufferSize.Int()); err != nil {
			return nil, fmt.Errorf("scullp: activating %s: %w", dev.Name(), err)
		}
	}

	r.openCount[minor]++

	var file *device.File
	file = device.NewFile(ctx, dev, flags, func() {
		r.release(file)
	})

	r.files[file] = struct{}{}
	r.openFiles.Add(1)

	if r.debug.Load() {
		r.tel.LogInfo("open", "device", dev.Name(), "flags", flags, "open_count", r.openCount[minor])
	}

	return file, nil
}

func (r *Registry) release(file *device.File) {
	r.mux.Lock()
	defer r.mux.Unlock()

	if _, ok := r.files[file]; !ok {
		return
	}
	delete(r.files, file)
	r.openFiles.Add(-1)

	dev := file.Device()
	minor := dev.Minor()

	r.openCount[minor]--
	if r.cfg.AllocPolicy == AllocOnOpen && r.openCount[minor] == 0 {
		dev.Deactivate()
	}

	if r.debug.Load() {
		r.tel.LogInfo("release", "device", dev.Name(), "open_count", r.openCount[minor])
	}
}

// OpenCount returns the number of open files on the device with the given minor.
func (r *Registry) OpenCount(minor int) int {
	r.mux.Lock()
	defer r.mux.Unlock()

	if minor < 0 || minor >= len(r.openCount) {
		return 0
	}
	return r.openCount[minor]
}

// Debug reports whether the trace lines are enabled.
func (r *Registry) Debug() bool {
	return r.debug.Load()
}

// SetDebug enables or disables the trace lines of every device.
func (r *Registry) SetDebug(enabled bool) {
	if r.debug.Swap(enabled) == enabled {
		return
	}

	for _, dev := range r.Devices() {
		dev.SetDebug(enabled)
	}

	r.tel.LogInfo("debug toggled", "enabled", enabled)
}

// Parameters returns the load-time parameters of the registry
// rendered as text, keyed by name.
func (r *Registry) Parameters() map[string]string {
	debug := "N"
	if r.debug.Load() {
		debug = "Y"
	}

	return map[string]string{
		"nr_devs":      strconv.Itoa(r.cfg.DeviceCount),
		"buffer_size":  strconv.Itoa(r.cfg.BufferSize.Int()),
		"alloc_policy": string(r.cfg.AllocPolicy),
		"debug":        debug,
	}
}

// Stat returns a snapshot of every device ordered by minor.
func (r *Registry) Stat() []device.Status {
	devices := r.Devices()

	stats := make([]device.Status, 0, len(devices))
	for _, dev := range devices {
		stats = append(stats, dev.Stat())
	}

	return stats
}

// Close interrupts every open file and deactivates every device.
// The registry cannot be used afterwards.
func (r *Registry) Close() error {
	if State(r.state.Swap(int32(StateGoing))) == StateGoing {
		return nil
	}

	r.mux.Lock()
	files := make([]*device.File, 0, len(r.files))
	for file := range r.files {
		files = append(files, file)
	}
	r.mux.Unlock()

	var errs *multierror.Error
	for _, file := range files {
		if err := file.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing %s: %w", file.Name(), err))
		}
	}

	for _, dev := range r.Devices() {
		dev.Deactivate()
	}

	r.tel.LogInfo("registry closed")

	return errs.ErrorOrNil()
}
