package scullp

import (
	"errors"
	"testing"
	"time"

	"github.com/FerroO2000/scullp/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingAllocator fails every allocation after the first ok ones.
type failingAllocator struct {
	ok     int
	allocs int
	frees  int
}

func (fa *failingAllocator) Alloc(size int) ([]byte, error) {
	if fa.allocs == fa.ok {
		return nil, device.ErrOutOfMemory
	}
	fa.allocs++
	return make([]byte, size), nil
}

func (fa *failingAllocator) Free([]byte) {
	fa.frees++
}

func newTestRegistry(t *testing.T, cfg *Config, opts ...Option) *Registry {
	t.Helper()

	reg := NewRegistry(cfg, opts...)
	require.NoError(t, reg.Init(t.Context()))
	t.Cleanup(func() { _ = reg.Close() })

	return reg
}

func Test_Registry_Init(t *testing.T) {
	assert := assert.New(t)

	reg := NewRegistry(nil)
	assert.Equal(StateComing, reg.State())

	_, err := reg.Open(t.Context(), 0, device.ORead)
	assert.ErrorIs(err, ErrNotLive)

	require.NoError(t, reg.Init(t.Context()))
	assert.Equal(StateLive, reg.State())
	assert.Error(reg.Init(t.Context()))

	devices := reg.Devices()
	assert.Len(devices, DefaultDeviceCount)

	for minor, dev := range devices {
		assert.Equal(minor, dev.Minor())
		assert.Equal(reg.DeviceName(minor), dev.Name())

		st := dev.Stat()
		assert.True(st.Active)
		assert.Equal(DefaultBufferSize().Int(), st.Capacity)
		assert.Equal(0, st.Readable)
	}

	dev, err := reg.Lookup("scullp2")
	assert.NoError(err)
	assert.Equal(2, dev.Minor())

	_, err = reg.Lookup("scullp9")
	assert.ErrorIs(err, ErrNoDevice)

	assert.NoError(reg.Close())
	assert.Equal(StateGoing, reg.State())

	for _, st := range reg.Stat() {
		assert.False(st.Active)
	}

	_, err = reg.Open(t.Context(), 0, device.ORead)
	assert.ErrorIs(err, ErrNotLive)
}

func Test_Registry_InitRollback(t *testing.T) {
	assert := assert.New(t)

	alloc := &failingAllocator{ok: 2}
	reg := NewRegistry(&Config{DeviceCount: 4, BufferSize: 64}, WithAllocator(alloc))

	err := reg.Init(t.Context())
	assert.ErrorIs(err, device.ErrOutOfMemory)
	assert.Equal(StateComing, reg.State())

	// the two activated devices are released
	assert.Equal(2, alloc.frees)
	assert.Empty(reg.Devices())
}

func Test_Registry_MemoryLimit(t *testing.T) {
	assert := assert.New(t)

	reg := NewRegistry(&Config{DeviceCount: 4, BufferSize: 1024, MemoryLimit: 3000})

	err := reg.Init(t.Context())
	assert.ErrorIs(err, device.ErrOutOfMemory)
	assert.ErrorContains(err, "scullp2")
}

func Test_Registry_Open(t *testing.T) {
	assert := assert.New(t)

	reg := newTestRegistry(t, &Config{DeviceCount: 2, BufferSize: 16})

	_, err := reg.Open(t.Context(), 2, device.ORead)
	assert.ErrorIs(err, ErrNoDevice)

	_, err = reg.Open(t.Context(), -1, device.ORead)
	assert.ErrorIs(err, ErrNoDevice)

	_, err = reg.Open(t.Context(), 0, device.ONonBlock)
	assert.ErrorIs(err, device.ErrBadMode)

	w, err := reg.Open(t.Context(), 0, device.OWrite)
	require.NoError(t, err)
	r, err := reg.OpenName(t.Context(), "scullp0", device.ORead|device.ONonBlock)
	require.NoError(t, err)

	assert.Equal(2, reg.OpenCount(0))

	_, err = w.Write([]byte("ping"))
	assert.NoError(err)

	buf := make([]byte, 8)
	n, err := r.Read(buf)
	assert.NoError(err)
	assert.Equal("ping", string(buf[:n]))

	_, err = r.Read(buf)
	assert.ErrorIs(err, device.ErrWouldBlock)

	assert.NoError(w.Close())
	assert.NoError(r.Close())
	assert.Equal(0, reg.OpenCount(0))

	// AllocOnInit keeps the buffer around
	dev, _ := reg.Device(0)
	assert.True(dev.Active())
}

func Test_Registry_AllocOnOpen(t *testing.T) {
	assert := assert.New(t)

	alloc := device.NewBudgetAllocator(1 << 20)
	reg := newTestRegistry(t, &Config{DeviceCount: 2, BufferSize: 64, AllocPolicy: AllocOnOpen}, WithAllocator(alloc))

	for _, st := range reg.Stat() {
		assert.False(st.Active)
	}
	assert.Zero(alloc.InUse())

	f1, err := reg.Open(t.Context(), 1, device.ORdWr)
	require.NoError(t, err)
	f2, err := reg.Open(t.Context(), 1, device.ORead)
	require.NoError(t, err)

	assert.Equal(int64(64), alloc.InUse())

	_, err = f1.Write([]byte("kept"))
	assert.NoError(err)

	// still open through f2
	assert.NoError(f1.Close())
	dev, _ := reg.Device(1)
	assert.True(dev.Active())
	assert.Equal(4, dev.ReadableSize())

	assert.NoError(f2.Close())
	assert.False(dev.Active())
	assert.Zero(alloc.InUse())

	// a new activation starts empty
	f3, err := reg.Open(t.Context(), 1, device.ORead|device.ONonBlock)
	require.NoError(t, err)
	defer f3.Close()

	_, err = f3.Read(make([]byte, 4))
	assert.ErrorIs(err, device.ErrWouldBlock)
}

func Test_Registry_AllocOnOpenFailure(t *testing.T) {
	assert := assert.New(t)

	reg := newTestRegistry(t, &Config{DeviceCount: 1, BufferSize: 64, AllocPolicy: AllocOnOpen},
		WithAllocator(&failingAllocator{ok: 0}))

	_, err := reg.Open(t.Context(), 0, device.ORead)
	assert.ErrorIs(err, device.ErrOutOfMemory)
	assert.Equal(0, reg.OpenCount(0))
}

func Test_Registry_CloseInterruptsFiles(t *testing.T) {
	assert := assert.New(t)

	reg := NewRegistry(&Config{DeviceCount: 1, BufferSize: 16})
	require.NoError(t, reg.Init(t.Context()))

	f, err := reg.Open(t.Context(), 0, device.ORead)
	require.NoError(t, err)

	errCh := make(chan error)
	go func() {
		_, err := f.Read(make([]byte, 4))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.NoError(reg.Close())

	select {
	case err := <-errCh:
		assert.True(errors.Is(err, device.ErrInterrupted) || errors.Is(err, device.ErrNotActive))
	case <-time.After(time.Second):
		t.Fatal("reader not woken up")
	}

	assert.Equal(0, reg.OpenCount(0))
}

func Test_Registry_Debug(t *testing.T) {
	assert := assert.New(t)

	reg := newTestRegistry(t, &Config{DeviceCount: 2, BufferSize: 16, Debug: true})
	assert.True(reg.Debug())
	assert.Equal("Y", reg.Parameters()["debug"])

	for _, dev := range reg.Devices() {
		assert.True(dev.Debug())
	}

	reg.SetDebug(false)
	for _, dev := range reg.Devices() {
		assert.False(dev.Debug())
	}

	params := reg.Parameters()
	assert.Equal(map[string]string{
		"nr_devs":      "2",
		"buffer_size":  "16",
		"alloc_policy": "init",
		"debug":        "N",
	}, params)
}
