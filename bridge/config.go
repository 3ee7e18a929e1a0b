package bridge

import (
	"time"

	"github.com/FerroO2000/scullp/internal/config"
	"github.com/segmentio/kafka-go"
)

// DefaultKafkaBrokers is the default list of Kafka brokers to connect to.
var DefaultKafkaBrokers = []string{"localhost:9092"}

// Default values of the Kafka bridges configuration.
const (
	DefaultKafkaSinkChunkSize    = 4096
	MaxKafkaSinkChunkSize        = 1 << 20
	DefaultKafkaSinkMaxAttempts  = 10
	DefaultKafkaSinkBatchSize    = 100
	DefaultKafkaSinkBatchTimeout = 100 * time.Millisecond
	DefaultKafkaSinkWriteTimeout = 10 * time.Second

	DefaultKafkaSinkRetryInterval    = 100 * time.Millisecond
	DefaultKafkaSinkMaxRetryInterval = 10 * time.Second

	DefaultKafkaSourceGroupID     = "scullp"
	DefaultKafkaSourceMinBytes    = 1
	DefaultKafkaSourceMaxBytes    = 1 << 20
	DefaultKafkaSourceMaxWait     = time.Second
	DefaultKafkaSourceStartOffset = kafka.FirstOffset
	DefaultKafkaSourceMaxAttempts = 3
)

////////////
//  SINK  //
////////////

// KafkaSinkConfig is the configuration of a KafkaSink.
type KafkaSinkConfig struct {
	// Device is the name of the device drained into the topic.
	Device string `yaml:"device"`

	// Topic is the topic the chunks are written to.
	Topic string `yaml:"topic"`

	// A list of Kafka brokers to connect to.
	//
	// Default: localhost:9092
	Brokers []string `yaml:"brokers"`

	// ChunkSize is the maximum size of a message, i.e.
	// of a single read from the device. It cannot exceed 1 MiB.
	//
	// Default: 4096
	ChunkSize int `yaml:"chunk_size"`

	// Limit on how many attempts will be made to deliver a message.
	//
	// Default: 10
	MaxAttempts int `yaml:"max_attempts"`

	// Limit on how many messages will be buffered before being sent to a
	// partition.
	//
	// Default: 100
	BatchSize int `yaml:"batch_size"`

	// Time limit on how often incomplete message batches will be flushed.
	//
	// Default: 100ms
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// Timeout for write operation performed by the writer.
	//
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// RetryInterval is the first wait before writing again
	// a message the writer failed to deliver.
	//
	// Default: 100ms
	RetryInterval time.Duration `yaml:"retry_interval"`

	// MaxRetryInterval caps the growing wait between retries.
	//
	// Default: 10s
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`

	// Number of acknowledges from partition replicas required before receiving
	// a response to a produce request.
	//
	// Default: RequireOne
	RequiredAcks kafka.RequiredAcks `yaml:"required_acks"`

	// Compression set the compression codec to be used to compress messages.
	//
	// Default: Snappy
	Compression kafka.Compression `yaml:"-"`

	// AllowAutoTopicCreation notifies writer to create topic if missing.
	//
	// Default: true
	AllowAutoTopicCreation bool `yaml:"allow_auto_topic_creation"`
}

// NewKafkaSinkConfig returns the default configuration of a sink
// draining device into topic.
func NewKafkaSinkConfig(device, topic string) *KafkaSinkConfig {
	return &KafkaSinkConfig{
		Device:                 device,
		Topic:                  topic,
		Brokers:                DefaultKafkaBrokers,
		ChunkSize:              DefaultKafkaSinkChunkSize,
		MaxAttempts:            DefaultKafkaSinkMaxAttempts,
		BatchSize:              DefaultKafkaSinkBatchSize,
		BatchTimeout:           DefaultKafkaSinkBatchTimeout,
		WriteTimeout:           DefaultKafkaSinkWriteTimeout,
		RetryInterval:          DefaultKafkaSinkRetryInterval,
		MaxRetryInterval:       DefaultKafkaSinkMaxRetryInterval,
		RequiredAcks:           kafka.RequireOne,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

// Validate checks the configuration.
func (c *KafkaSinkConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckLen(ac, "Brokers", &c.Brokers, DefaultKafkaBrokers)

	config.CheckNotNegative(ac, "ChunkSize", &c.ChunkSize, DefaultKafkaSinkChunkSize)
	config.CheckNotZero(ac, "ChunkSize", &c.ChunkSize, DefaultKafkaSinkChunkSize)
	config.CheckNotGreater(ac, "ChunkSize", &c.ChunkSize, MaxKafkaSinkChunkSize)

	config.CheckNotNegative(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaSinkMaxAttempts)
	config.CheckNotZero(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaSinkMaxAttempts)

	config.CheckNotNegative(ac, "BatchSize", &c.BatchSize, DefaultKafkaSinkBatchSize)
	config.CheckNotZero(ac, "BatchSize", &c.BatchSize, DefaultKafkaSinkBatchSize)

	config.CheckNotNegative(ac, "BatchTimeout", &c.BatchTimeout, DefaultKafkaSinkBatchTimeout)
	config.CheckNotZero(ac, "BatchTimeout", &c.BatchTimeout, DefaultKafkaSinkBatchTimeout)

	config.CheckNotNegative(ac, "WriteTimeout", &c.WriteTimeout, DefaultKafkaSinkWriteTimeout)
	config.CheckNotZero(ac, "WriteTimeout", &c.WriteTimeout, DefaultKafkaSinkWriteTimeout)

	config.CheckNotGreaterThan(ac, "BatchTimeout", "WriteTimeout", &c.BatchTimeout, c.WriteTimeout)

	config.CheckNotNegative(ac, "RetryInterval", &c.RetryInterval, DefaultKafkaSinkRetryInterval)
	config.CheckNotZero(ac, "RetryInterval", &c.RetryInterval, DefaultKafkaSinkRetryInterval)

	config.CheckNotNegative(ac, "MaxRetryInterval", &c.MaxRetryInterval, DefaultKafkaSinkMaxRetryInterval)
	config.CheckNotZero(ac, "MaxRetryInterval", &c.MaxRetryInterval, DefaultKafkaSinkMaxRetryInterval)
	config.CheckNotLowerThan(ac, "MaxRetryInterval", "RetryInterval", &c.MaxRetryInterval, c.RetryInterval)
}

//////////////
//  SOURCE  //
//////////////

// KafkaSourceConfig is the configuration of a KafkaSource.
type KafkaSourceConfig struct {
	// Device is the name of the device fed from the topics.
	Device string `yaml:"device"`

	// Topics are the topics the messages are fetched from.
	Topics []string `yaml:"topics"`

	// The list of broker addresses used to connect to the kafka cluster.
	//
	// Default: localhost:9092
	Brokers []string `yaml:"brokers"`

	// GroupID holds the consumer group id.
	//
	// Default: "scullp"
	GroupID string `yaml:"group_id"`

	// MinBytes indicates to the broker the minimum batch size that the consumer
	// will accept.
	//
	// Default: 1
	MinBytes int `yaml:"min_bytes"`

	// MaxBytes indicates to the broker the maximum batch size that the consumer
	// will accept.
	//
	// Default: 1MB
	MaxBytes int `yaml:"max_bytes"`

	// Maximum amount of time to wait for new data to come when fetching batches
	// of messages from kafka.
	//
	// Default: 1s
	MaxWait time.Duration `yaml:"max_wait"`

	// StartOffset determines from whence the consumer group should begin
	// consuming when it finds a partition without a committed offset.
	//
	// Default: FirstOffset
	StartOffset int64 `yaml:"start_offset"`

	// Limit of how many attempts to connect will be made before returning the error.
	//
	// Default: 3
	MaxAttempts int `yaml:"max_attempts"`
}

// NewKafkaSourceConfig returns the default configuration of a source
// feeding device from topics.
func NewKafkaSourceConfig(device string, topics ...string) *KafkaSourceConfig {
	return &KafkaSourceConfig{
		Device:      device,
		Topics:      topics,
		Brokers:     DefaultKafkaBrokers,
		GroupID:     DefaultKafkaSourceGroupID,
		MinBytes:    DefaultKafkaSourceMinBytes,
		MaxBytes:    DefaultKafkaSourceMaxBytes,
		MaxWait:     DefaultKafkaSourceMaxWait,
		StartOffset: DefaultKafkaSourceStartOffset,
		MaxAttempts: DefaultKafkaSourceMaxAttempts,
	}
}

// Validate checks the configuration.
func (c *KafkaSourceConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckLen(ac, "Brokers", &c.Brokers, DefaultKafkaBrokers)
	config.CheckNotEmpty(ac, "GroupID", &c.GroupID, DefaultKafkaSourceGroupID)

	config.CheckNotNegative(ac, "MinBytes", &c.MinBytes, DefaultKafkaSourceMinBytes)
	config.CheckNotZero(ac, "MinBytes", &c.MinBytes, DefaultKafkaSourceMinBytes)

	config.CheckNotNegative(ac, "MaxBytes", &c.MaxBytes, DefaultKafkaSourceMaxBytes)
	config.CheckNotLowerThan(ac, "MaxBytes", "MinBytes", &c.MaxBytes, c.MinBytes)

	config.CheckNotNegative(ac, "MaxWait", &c.MaxWait, DefaultKafkaSourceMaxWait)
	config.CheckNotZero(ac, "MaxWait", &c.MaxWait, DefaultKafkaSourceMaxWait)

	config.CheckNotNegative(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaSourceMaxAttempts)
	config.CheckNotZero(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaSourceMaxAttempts)
}
