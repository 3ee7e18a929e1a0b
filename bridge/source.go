package bridge

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/FerroO2000/scullp/device"
	"github.com/FerroO2000/scullp/internal/config"
	"github.com/FerroO2000/scullp/internal/telemetry"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
)

// KafkaSource feeds a device from Kafka topics. The whole value of each
// message is written into the device, waiting for space as needed, and
// the message is committed only once written.
type KafkaSource struct {
	tel *telemetry.Telemetry
	cfg *KafkaSourceConfig

	opener Opener

	file   *device.File
	reader messageReader

	// Metrics
	receivedMessages atomic.Int64
	receivedBytes    atomic.Int64
}

// NewKafkaSource returns a new source.
func NewKafkaSource(cfg *KafkaSourceConfig, opener Opener) *KafkaSource {
	return &KafkaSource{
		tel: telemetry.NewTelemetry("bridge", "kafka-source-"+cfg.Device),
		cfg: cfg,

		opener: opener,
	}
}

// Name returns the name of the service.
func (ks *KafkaSource) Name() string {
	return fmt.Sprintf("kafka source %v -> %s", ks.cfg.Topics, ks.cfg.Device)
}

// Init opens the device for writing and creates the Kafka reader.
func (ks *KafkaSource) Init(ctx context.Context) error {
	config.NewValidator(ks.tel).Validate(ks.cfg)

	if len(ks.cfg.Topics) == 0 {
		return fmt.Errorf("bridge: %s: missing topics", ks.cfg.Device)
	}

	file, err := ks.opener.OpenName(context.WithoutCancel(ctx), ks.cfg.Device, device.OWrite)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	ks.file = file

	if ks.reader == nil {
		ks.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     ks.cfg.Brokers,
			GroupID:     ks.cfg.GroupID,
			GroupTopics: ks.cfg.Topics,
			MinBytes:    ks.cfg.MinBytes,
			MaxBytes:    ks.cfg.MaxBytes,
			MaxWait:     ks.cfg.MaxWait,
			StartOffset: ks.cfg.StartOffset,
			MaxAttempts: ks.cfg.MaxAttempts,
		})
	}

	ks.initMetrics()

	return nil
}

func (ks *KafkaSource) initMetrics() {
	ks.tel.NewCounter("received_messages", func() int64 { return ks.receivedMessages.Load() })
	ks.tel.NewCounter("received_bytes", func() int64 { return ks.receivedBytes.Load() })
}

// Run feeds the device until ctx is done or the source is closed.
func (ks *KafkaSource) Run(ctx context.Context) {
	for {
		msg, err := ks.reader.FetchMessage(ctx)
		if err != nil {
			if isShutdown(ctx, err) {
				return
			}

			ks.tel.LogError("failed to fetch message", err)
			continue
		}

		if err := ks.handleMessage(ctx, &msg); err != nil {
			if isShutdown(ctx, err) {
				return
			}

			ks.tel.LogError("failed to handle message", err, "topic", msg.Topic, "offset", msg.Offset)
		}
	}
}

func (ks *KafkaSource) handleMessage(ctx context.Context, msg *kafka.Message) error {
	traceCtx := ctx
	if len(msg.Headers) > 0 {
		headerCarrier := telemetry.NewKafkaHeaderCarrier(msg.Headers)
		traceCtx = ks.tel.ExtractTraceContext(ctx, headerCarrier)
	}

	traceCtx, span := ks.tel.NewTrace(traceCtx, "feed device")
	defer span.End()

	valueSize := len(msg.Value)
	span.SetAttributes(
		attribute.String("topic", msg.Topic),
		attribute.Int("value_size", valueSize),
	)

	if _, err := ks.file.WriteContext(traceCtx, msg.Value); err != nil {
		span.RecordError(err)
		return err
	}

	ks.receivedMessages.Add(1)
	ks.receivedBytes.Add(int64(valueSize))

	if err := ks.reader.CommitMessages(traceCtx, *msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing offset %d: %w", msg.Offset, err)
	}

	return nil
}

// Close releases the device and closes the reader.
func (ks *KafkaSource) Close() error {
	if ks.file != nil {
		ks.file.Close()
	}

	if ks.reader != nil {
		if err := ks.reader.Close(); err != nil {
			return fmt.Errorf("bridge: closing reader: %w", err)
		}
	}

	return nil
}
