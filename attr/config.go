package attr

import (
	"time"

	"github.com/FerroO2000/scullp/internal/config"
)

// Default values of the attribute directory configuration.
const (
	DefaultStatusInterval = time.Second
	DefaultFileMode       = 0o644
)

// Config is the configuration of an attribute directory.
type Config struct {
	// Root is the directory holding the attributes.
	// It is created when missing.
	Root string `yaml:"root"`

	// StatusInterval is how often the devices/<name>/status files
	// are refreshed.
	//
	// Default: 1s
	StatusInterval time.Duration `yaml:"status_interval"`

	// RemoveOnClose removes the whole directory on Close.
	//
	// Default: false
	RemoveOnClose bool `yaml:"remove_on_close"`
}

// NewDefaultConfig returns the default configuration rooted at root.
func NewDefaultConfig(root string) *Config {
	return &Config{
		Root:           root,
		StatusInterval: DefaultStatusInterval,
		RemoveOnClose:  false,
	}
}

// Validate checks the configuration.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "Root", &c.Root, "scullp")
	config.CheckNotNegative(ac, "StatusInterval", &c.StatusInterval, DefaultStatusInterval)
	config.CheckNotZero(ac, "StatusInterval", &c.StatusInterval, DefaultStatusInterval)
}
