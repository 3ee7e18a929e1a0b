package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/scullp/device"
	"github.com/FerroO2000/scullp/internal/config"
	"github.com/FerroO2000/scullp/internal/telemetry"
	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
)

// KafkaSink drains a device into a Kafka topic:
// every read from the device becomes one message keyed by the device name.
//
// A chunk the writer fails to deliver is retried with an exponential backoff
// until it is delivered or the sink stops. Only the chunk pending when the
// sink stops can be lost.
type KafkaSink struct {
	tel *telemetry.Telemetry
	cfg *KafkaSinkConfig

	opener Opener

	ctx    context.Context
	cancel context.CancelFunc

	file   *device.File
	writer messageWriter

	chunkSize *telemetry.Histogram

	// Metrics
	sentMessages   atomic.Int64
	sentBytes      atomic.Int64
	failedWrites atomic.Int64
}

// NewKafkaSink returns a new sink.
func NewKafkaSink(cfg *KafkaSinkConfig, opener Opener) *KafkaSink {
	ctx, cancel := context.WithCancel(context.Background())

	return &KafkaSink{
		tel: telemetry.NewTelemetry("bridge", "kafka-sink-"+cfg.Device),
		cfg: cfg,

		opener: opener,

		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the name of the service.
func (ks *KafkaSink) Name() string {
	return "kafka sink " + ks.cfg.Device + " -> " + ks.cfg.Topic
}

// Init opens the device for reading and creates the Kafka writer.
func (ks *KafkaSink) Init(ctx context.Context) error {
	config.NewValidator(ks.tel).Validate(ks.cfg)

	if ks.cfg.Topic == "" {
		return fmt.Errorf("bridge: %s: missing topic", ks.cfg.Device)
	}

	file, err := ks.opener.OpenName(context.WithoutCancel(ctx), ks.cfg.Device, device.ORead)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	ks.file = file

	if ks.writer == nil {
		ks.writer = &kafka.Writer{
			Addr:                   kafka.TCP(ks.cfg.Brokers...),
			Topic:                  ks.cfg.Topic,
			Balancer:               &kafka.Hash{},
			MaxAttempts:            ks.cfg.MaxAttempts,
			BatchSize:              ks.cfg.BatchSize,
			BatchTimeout:           ks.cfg.BatchTimeout,
			WriteTimeout:           ks.cfg.WriteTimeout,
			RequiredAcks:           ks.cfg.RequiredAcks,
			Compression:            ks.cfg.Compression,
			AllowAutoTopicCreation: ks.cfg.AllowAutoTopicCreation,
		}
	}

	ks.initMetrics()

	return nil
}

func (ks *KafkaSink) initMetrics() {
	ks.tel.NewCounter("sent_messages", func() int64 { return ks.sentMessages.Load() })
	ks.tel.NewCounter("sent_bytes", func() int64 { return ks.sentBytes.Load() })
	ks.tel.NewCounter("failed_writes", func() int64 { return ks.failedWrites.Load() })

	ks.chunkSize = ks.tel.NewHistogram("chunk_size")
}

// Run forwards the device content until ctx is done or the sink is closed.
func (ks *KafkaSink) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ks.ctx, cancel)
	defer stop()

	buf := make([]byte, ks.cfg.ChunkSize)

	for {
		n, err := ks.file.ReadContext(ctx, buf)
		if err != nil {
			if isShutdown(ctx, err) {
				return
			}

			ks.tel.LogError("failed to read from device", err)
			return
		}

		ks.deliver(ctx, buf[:n])
	}
}

func (ks *KafkaSink) deliver(ctx context.Context, chunk []byte) {
	ctx, span := ks.tel.NewTrace(ctx, "deliver device chunk")
	defer span.End()

	span.SetAttributes(attribute.Int("chunk_size", len(chunk)))

	headerCarrier := telemetry.NewKafkaHeaderCarrier(nil)
	ks.tel.InjectTrace(ctx, headerCarrier)

	// The writer may retain the value, the read buffer is reused
	value := make([]byte, len(chunk))
	copy(value, chunk)

	msg := kafka.Message{
		Key:     []byte(ks.cfg.Device),
		Value:   value,
		Headers: headerCarrier.Headers(),
	}

	if err := ks.write(ctx, msg); err != nil {
		span.RecordError(err)
		return
	}

	ks.sentMessages.Add(1)
	ks.sentBytes.Add(int64(len(value)))
	ks.chunkSize.Record(ctx, int64(len(value)))
}

func (ks *KafkaSink) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ks.cfg.RetryInterval
	b.MaxInterval = ks.cfg.MaxRetryInterval
	b.Reset()
	return b
}

// write sends msg, retrying until it is delivered or ctx is done.
func (ks *KafkaSink) write(ctx context.Context, msg kafka.Message) error {
	var b *backoff.ExponentialBackOff

	for {
		err := ks.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}

		ks.failedWrites.Add(1)

		if isShutdown(ctx, err) {
			return err
		}

		if b == nil {
			b = ks.newBackOff()
		}
		wait := b.NextBackOff()

		ks.tel.LogError("failed to write message, retrying", err,
			"topic", ks.cfg.Topic, "size", len(msg.Value), "retry_in", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Close stops the sink, releases the device and closes the writer.
func (ks *KafkaSink) Close() error {
	ks.cancel()

	if ks.file != nil {
		ks.file.Close()
	}

	if ks.writer != nil {
		if err := ks.writer.Close(); err != nil {
			return fmt.Errorf("bridge: closing writer: %w", err)
		}
	}

	return nil
}
