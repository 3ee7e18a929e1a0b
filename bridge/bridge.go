// Package bridge connects the devices to Kafka: a KafkaSink drains
// a device into a topic, a KafkaSource feeds a device from topics.
package bridge

import (
	"context"
	"errors"
	"io"

	"github.com/FerroO2000/scullp/device"
	"github.com/segmentio/kafka-go"
)

// Opener gives access to the devices bridged.
type Opener interface {
	OpenName(ctx context.Context, name string, flags device.OpenFlag) (*device.File, error)
}

// messageWriter is the part of *kafka.Writer used by the sink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the part of *kafka.Reader used by the source.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var (
	_ messageWriter = (*kafka.Writer)(nil)
	_ messageReader = (*kafka.Reader)(nil)
)

// isShutdown reports whether err is the result of the bridge being stopped.
func isShutdown(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}

	return errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, device.ErrInterrupted) ||
		errors.Is(err, device.ErrFileClosed) ||
		errors.Is(err, device.ErrNotActive)
}
