// Package attr exposes the state of a registry as a directory of small
// text files, one value per file, the way sysfs does for a kernel module.
//
// The layout is:
//
//	version
//	initstate                 coming, live or going
//	parameters/nr_devs
//	parameters/buffer_size
//	parameters/alloc_policy
//	parameters/debug          Y or N, writable
//	devices/<name>/dev        minor number
//	devices/<name>/uevent
//	devices/<name>/status     refreshed periodically
//
// Writing one of Y, y, 1, true, N, n, 0 or false to parameters/debug
// toggles the trace lines of every device.
package attr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/scullp/device"
	"github.com/FerroO2000/scullp/internal/config"
	"github.com/FerroO2000/scullp/internal/telemetry"
	"github.com/fsnotify/fsnotify"
)

const (
	parametersDir = "parameters"
	devicesDir    = "devices"

	debugParam = "debug"
)

// Source is the registry whose state is exposed.
type Source interface {
	Parameters() map[string]string
	Stat() []device.Status
	SetDebug(enabled bool)
	Debug() bool
}

// ParseBool parses the value written to a boolean parameter.
func ParseBool(s string) (bool, error) {
	switch strings.TrimSpace(s) {
	case "Y", "y", "1", "true":
		return true, nil
	case "N", "n", "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("attr: invalid boolean %q", s)
	}
}

func formatBool(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

///////////////
//  METRICS  //
///////////////

type dirMetrics struct {
	tel *telemetry.Telemetry

	debugToggles  atomic.Int64
	invalidWrites atomic.Int64
}

func newDirMetrics(tel *telemetry.Telemetry) *dirMetrics {
	return &dirMetrics{
		tel: tel,
	}
}

func (dm *dirMetrics) init() {
	dm.tel.NewCounter("debug_toggles", func() int64 { return dm.debugToggles.Load() })
	dm.tel.NewCounter("invalid_writes", func() int64 { return dm.invalidWrites.Load() })
}

///////////
//  DIR  //
///////////

// Dir is the attribute directory service.
type Dir struct {
	tel *telemetry.Telemetry
	cfg *Config

	version string
	src     Source

	watcher *fsnotify.Watcher

	stopCh    chan struct{}
	runDone   chan struct{}
	started   atomic.Bool
	closeOnce sync.Once

	metrics *dirMetrics
}

// NewDir returns a new attribute directory exposing src.
func NewDir(cfg *Config, version string, src Source) *Dir {
	tel := telemetry.NewTelemetry("attr", "dir")

	return &Dir{
		tel: tel,
		cfg: cfg,

		version: version,
		src:     src,

		stopCh:  make(chan struct{}),
		runDone: make(chan struct{}),

		metrics: newDirMetrics(tel),
	}
}

// Name returns the name of the service.
func (d *Dir) Name() string {
	return "attr"
}

// Root returns the path of the directory.
func (d *Dir) Root() string {
	return d.cfg.Root
}

func (d *Dir) path(elem ...string) string {
	return filepath.Join(append([]string{d.cfg.Root}, elem...)...)
}

func (d *Dir) writeFile(value string, elem ...string) error {
	path := d.path(elem...)

	if err := os.WriteFile(path, []byte(value+"\n"), DefaultFileMode); err != nil {
		return fmt.Errorf("attr: writing %s: %w", path, err)
	}

	return nil
}

func (d *Dir) readFile(elem ...string) (string, error) {
	data, err := os.ReadFile(d.path(elem...))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (d *Dir) writeInitState(state string) error {
	return d.writeFile(state, "initstate")
}

// Init creates the directory and writes every attribute.
func (d *Dir) Init(_ context.Context) error {
	config.NewValidator(d.tel).Validate(d.cfg)

	for _, dir := range []string{d.path(), d.path(parametersDir), d.path(devicesDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("attr: %w", err)
		}
	}

	if err := d.writeInitState("coming"); err != nil {
		return err
	}

	if err := d.writeFile(d.version, "version"); err != nil {
		return err
	}

	for name, value := range d.src.Parameters() {
		if err := d.writeFile(value, parametersDir, name); err != nil {
			return err
		}
	}

	for _, st := range d.src.Stat() {
		if err := d.writeDevice(st); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("attr: %w", err)
	}

	// Editors often replace the file, so the directory is watched
	if err := watcher.Add(d.path(parametersDir)); err != nil {
		watcher.Close()
		return fmt.Errorf("attr: %w", err)
	}

	d.watcher = watcher

	d.metrics.init()

	if err := d.writeInitState("live"); err != nil {
		watcher.Close()
		return err
	}

	d.tel.LogInfo("attribute directory ready", "root", d.cfg.Root)

	return nil
}

func (d *Dir) writeDevice(st device.Status) error {
	if err := os.MkdirAll(d.path(devicesDir, st.Name), 0o755); err != nil {
		return fmt.Errorf("attr: %w", err)
	}

	uevent := fmt.Sprintf("DRIVER=scullp\nMINOR=%d\nDEVNAME=%s", st.Minor, st.Name)
	if err := d.writeFile(uevent, devicesDir, st.Name, "uevent"); err != nil {
		return err
	}

	if err := d.writeFile(strconv.Itoa(st.Minor), devicesDir, st.Name, "dev"); err != nil {
		return err
	}

	return d.writeStatus(st)
}

func (d *Dir) writeStatus(st device.Status) error {
	active := 0
	if st.Active {
		active = 1
	}

	status := fmt.Sprintf("active=%d capacity=%d readable=%d writable=%d",
		active, st.Capacity, st.Readable, st.Writable)

	return d.writeFile(status, devicesDir, st.Name, "status")
}

func (d *Dir) refreshStatus() {
	for _, st := range d.src.Stat() {
		if err := d.writeStatus(st); err != nil {
			d.tel.LogError("failed to refresh status", err, "device", st.Name)
		}
	}
}

// Run watches the writable parameters and refreshes the device status
// until ctx is done or the directory is closed.
func (d *Dir) Run(ctx context.Context) {
	select {
	case <-d.stopCh:
		return
	default:
	}

	d.started.Store(true)
	defer close(d.runDone)

	ticker := time.NewTicker(d.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-d.stopCh:
			return

		case <-ticker.C:
			d.refreshStatus()

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			d.handleEvent(event)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}

			d.tel.LogError("watcher error", err)
		}
	}
}

func (d *Dir) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != debugParam {
		return
	}

	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	raw, err := d.readFile(parametersDir, debugParam)
	if err != nil {
		// the file can be momentarily missing while it is replaced
		return
	}

	// truncation fires a write event of its own
	if raw == "" {
		return
	}

	enabled, err := ParseBool(raw)
	if err != nil {
		d.metrics.invalidWrites.Add(1)
		d.tel.LogWarn("ignoring invalid debug value", "value", raw)

		if err := d.writeFile(formatBool(d.src.Debug()), parametersDir, debugParam); err != nil {
			d.tel.LogError("failed to restore debug parameter", err)
		}

		return
	}

	if enabled == d.src.Debug() {
		return
	}

	d.src.SetDebug(enabled)
	d.metrics.debugToggles.Add(1)
}

// Close stops the service and marks the directory as going.
// When configured, the directory is then removed.
func (d *Dir) Close() error {
	var err error

	d.closeOnce.Do(func() {
		close(d.stopCh)

		if d.started.Load() {
			<-d.runDone
		}

		if d.watcher != nil {
			d.watcher.Close()
		}

		if err = d.writeInitState("going"); err != nil {
			return
		}

		if d.cfg.RemoveOnClose {
			if rmErr := os.RemoveAll(d.cfg.Root); rmErr != nil {
				err = fmt.Errorf("attr: %w", rmErr)
			}
		}
	})

	return err
}
