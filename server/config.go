package server

import (
	"time"

	"github.com/FerroO2000/scullp/internal/config"
)

// Default values of the server configuration.
const (
	DefaultNetwork          = "tcp"
	DefaultAddress          = "127.0.0.1:20000"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxLineLen       = 256
	DefaultBufferSize       = 4096
)

// Config is the configuration of the stream server.
type Config struct {
	// Network is either "tcp" or "unix".
	//
	// Default: "tcp"
	Network string `yaml:"network"`

	// Address is the address to listen on, a host:port pair
	// or a socket path depending on Network.
	//
	// Default: "127.0.0.1:20000"
	Address string `yaml:"address"`

	// HandshakeTimeout bounds the time a client has
	// to send its request line.
	//
	// Default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// MaxLineLen is the maximum length of the request line.
	//
	// Default: 256
	MaxLineLen int `yaml:"max_line_len"`

	// BufferSize is the size of the chunks copied between
	// a connection and a device.
	//
	// Default: 4096
	BufferSize int `yaml:"buffer_size"`
}

// NewDefaultConfig returns the default configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Network:          DefaultNetwork,
		Address:          DefaultAddress,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxLineLen:       DefaultMaxLineLen,
		BufferSize:       DefaultBufferSize,
	}
}

// Validate checks the configuration.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckOneOf(ac, "Network", &c.Network, DefaultNetwork, "tcp", "tcp4", "tcp6", "unix")
	config.CheckNotEmpty(ac, "Address", &c.Address, DefaultAddress)

	config.CheckNotNegative(ac, "HandshakeTimeout", &c.HandshakeTimeout, DefaultHandshakeTimeout)
	config.CheckNotZero(ac, "HandshakeTimeout", &c.HandshakeTimeout, DefaultHandshakeTimeout)

	config.CheckNotZero(ac, "MaxLineLen", &c.MaxLineLen, DefaultMaxLineLen)
	config.CheckNotLower(ac, "MaxLineLen", &c.MaxLineLen, 16)

	config.CheckNotNegative(ac, "BufferSize", &c.BufferSize, DefaultBufferSize)
	config.CheckNotZero(ac, "BufferSize", &c.BufferSize, DefaultBufferSize)
}
