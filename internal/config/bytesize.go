package config

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var (
	_ pflag.Value      = (*ByteSize)(nil)
	_ yaml.Unmarshaler = (*ByteSize)(nil)
	_ yaml.Marshaler   = ByteSize(0)
)

// ByteSize is a size in bytes that can be expressed in a human
// readable form, e.g. "4KiB", "1 MB" or "4096".
type ByteSize int

// ParseByteSize parses a human readable size.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid size %q: %w", s, err)
	}

	if n > math.MaxInt {
		return 0, fmt.Errorf("config: size %q overflows", s)
	}

	return ByteSize(n), nil
}

// Int returns the size as an int.
func (bs ByteSize) Int() int {
	return int(bs)
}

// String returns the size in IEC units.
func (bs ByteSize) String() string {
	if bs < 0 {
		return fmt.Sprintf("%d B", int(bs))
	}
	return humanize.IBytes(uint64(bs))
}

// Set implements pflag.Value.
func (bs *ByteSize) Set(s string) error {
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*bs = parsed
	return nil
}

// Type implements pflag.Value.
func (bs *ByteSize) Type() string {
	return "size"
}

// UnmarshalYAML accepts both plain integers and human readable strings.
func (bs *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return bs.Set(raw)
}

// MarshalYAML encodes the size in IEC units.
func (bs ByteSize) MarshalYAML() (any, error) {
	return bs.String(), nil
}
