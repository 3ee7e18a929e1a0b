package scullp

import (
	"os"

	"github.com/FerroO2000/scullp/internal/config"
)

// ByteSize is a size in bytes accepting human readable values, e.g. "4KiB".
type ByteSize = config.ByteSize

// AllocPolicy selects when the buffers of the devices are allocated.
type AllocPolicy string

const (
	// AllocOnInit allocates every buffer when the registry starts
	// and keeps it until the registry is closed.
	AllocOnInit AllocPolicy = "init"
	// AllocOnOpen allocates a buffer on the first open of a device
	// and frees it on the last release.
	AllocOnOpen AllocPolicy = "open"
)

// Default values of the registry configuration.
const (
	DefaultDeviceCount = 4
	DefaultNamePrefix  = "scullp"
	DefaultAllocPolicy = AllocOnInit
)

// DefaultBufferSize returns the default capacity of a buffer, one memory page.
func DefaultBufferSize() ByteSize {
	return ByteSize(os.Getpagesize())
}

// Config is the configuration of a Registry.
type Config struct {
	// DeviceCount is the number of devices.
	//
	// Default: 4
	DeviceCount int `yaml:"device_count"`

	// BufferSize is the capacity of the buffer of each device.
	// One byte of it is reserved, so at most BufferSize-1 bytes
	// are pending at any time.
	//
	// Default: the memory page size
	BufferSize ByteSize `yaml:"buffer_size"`

	// NamePrefix is the prefix of the device names,
	// the device with minor i is named NamePrefix+i.
	//
	// Default: "scullp"
	NamePrefix string `yaml:"name_prefix"`

	// AllocPolicy selects when buffers are allocated.
	//
	// Default: "init"
	AllocPolicy AllocPolicy `yaml:"alloc_policy"`

	// Debug enables the trace lines of every device.
	//
	// Default: false
	Debug bool `yaml:"debug"`

	// MemoryLimit is the total amount of buffer memory the devices
	// may hold at the same time. Zero means no limit.
	//
	// Default: 0
	MemoryLimit ByteSize `yaml:"memory_limit"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DeviceCount: DefaultDeviceCount,
		BufferSize:  DefaultBufferSize(),
		NamePrefix:  DefaultNamePrefix,
		AllocPolicy: DefaultAllocPolicy,
		Debug:       false,
		MemoryLimit: 0,
	}
}

// Validate checks the configuration.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckNotZero(ac, "DeviceCount", &c.DeviceCount, DefaultDeviceCount)
	config.CheckNotNegative(ac, "DeviceCount", &c.DeviceCount, DefaultDeviceCount)

	config.CheckNotZero(ac, "BufferSize", &c.BufferSize, DefaultBufferSize())
	config.CheckNotLower(ac, "BufferSize", &c.BufferSize, ByteSize(2))

	config.CheckNotEmpty(ac, "NamePrefix", &c.NamePrefix, DefaultNamePrefix)

	config.CheckOneOf(ac, "AllocPolicy", &c.AllocPolicy, DefaultAllocPolicy, AllocOnInit, AllocOnOpen)

	config.CheckNotNegative(ac, "MemoryLimit", &c.MemoryLimit, 0)
}
