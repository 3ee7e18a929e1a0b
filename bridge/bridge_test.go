package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FerroO2000/scullp"
	"github.com/FerroO2000/scullp/device"
	"github.com/FerroO2000/scullp/internal/config"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   chan kafka.Message
	closed bool

	// number of writes failing before the first success,
	// negative fails forever
	failures atomic.Int32
	attempts atomic.Int32
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		msgs: make(chan kafka.Message, 64),
	}
}

func (fw *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	fw.attempts.Add(1)

	if failures := fw.failures.Load(); failures != 0 {
		if failures > 0 {
			fw.failures.Add(-1)
		}
		return errors.New("leader not available")
	}

	for _, msg := range msgs {
		fw.msgs <- msg
	}
	return nil
}

func (fw *fakeWriter) Close() error {
	fw.closed = true
	return nil
}

type fakeReader struct {
	msgs chan kafka.Message

	mux       sync.Mutex
	committed []int64

	closeOnce sync.Once
	done      chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	fr := &fakeReader{
		msgs: make(chan kafka.Message, len(msgs)),
		done: make(chan struct{}),
	}

	for _, msg := range msgs {
		fr.msgs <- msg
	}

	return fr
}

func (fr *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case <-fr.done:
		return kafka.Message{}, io.EOF
	case msg := <-fr.msgs:
		return msg, nil
	}
}

func (fr *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	fr.mux.Lock()
	defer fr.mux.Unlock()

	for _, msg := range msgs {
		fr.committed = append(fr.committed, msg.Offset)
	}
	return nil
}

func (fr *fakeReader) Committed() []int64 {
	fr.mux.Lock()
	defer fr.mux.Unlock()

	return append([]int64(nil), fr.committed...)
}

func (fr *fakeReader) Close() error {
	fr.closeOnce.Do(func() { close(fr.done) })
	return nil
}

func newTestRegistry(t *testing.T) *scullp.Registry {
	t.Helper()

	reg := scullp.NewRegistry(&scullp.Config{DeviceCount: 2, BufferSize: 32})
	require.NoError(t, reg.Init(t.Context()))
	t.Cleanup(func() { _ = reg.Close() })

	return reg
}

func Test_KafkaSink(t *testing.T) {
	assert := assert.New(t)

	reg := newTestRegistry(t)

	cfg := NewKafkaSinkConfig("scullp0", "pipe")
	cfg.ChunkSize = 8

	writer := newFakeWriter()
	sink := NewKafkaSink(cfg, reg)
	sink.writer = writer

	require.NoError(t, sink.Init(t.Context()))
	assert.Equal(1, reg.OpenCount(0))

	go sink.Run(t.Context())

	f, err := reg.Open(t.Context(), 0, device.OWrite)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("hello world"))
	require.NoError(t, err)

	received := []byte{}
	for len(received) < len("hello world") {
		select {
		case msg := <-writer.msgs:
			assert.Equal([]byte("scullp0"), msg.Key)
			assert.LessOrEqual(len(msg.Value), 8)
			received = append(received, msg.Value...)

		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}

	assert.Equal("hello world", string(received))
	assert.Eventually(func() bool {
		return sink.sentBytes.Load() == int64(len(received))
	}, time.Second, 5*time.Millisecond)

	assert.NoError(sink.Close())
	assert.True(writer.closed)
	assert.Equal(0, reg.OpenCount(0))
}

func Test_KafkaSink_Init(t *testing.T) {
	assert := assert.New(t)

	reg := newTestRegistry(t)

	sink := NewKafkaSink(NewKafkaSinkConfig("scullp9", "pipe"), reg)
	sink.writer = newFakeWriter()
	assert.ErrorIs(sink.Init(t.Context()), scullp.ErrNoDevice)

	sink = NewKafkaSink(NewKafkaSinkConfig("scullp0", ""), reg)
	assert.Error(sink.Init(t.Context()))
}

func Test_KafkaSource(t *testing.T) {
	assert := assert.New(t)

	reg := newTestRegistry(t)

	reader := newFakeReader(
		kafka.Message{Topic: "in", Offset: 1, Value: []byte("first ")},
		// larger than the device: written in several steps
		kafka.Message{Topic: "in", Offset: 2, Value: []byte("second message, longer than the buffer")},
	)

	source := NewKafkaSource(NewKafkaSourceConfig("scullp1", "in"), reg)
	source.reader = reader

	require.NoError(t, source.Init(t.Context()))

	done := make(chan struct{})
	go func() {
		source.Run(t.Context())
		close(done)
	}()

	f, err := reg.Open(t.Context(), 1, device.ORead)
	require.NoError(t, err)
	defer f.Close()

	expected := "first second message, longer than the buffer"
	got, err := io.ReadAll(io.LimitReader(f, int64(len(expected))))
	assert.NoError(err)
	assert.Equal(expected, string(got))

	assert.Eventually(func() bool {
		return len(reader.Committed()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal([]int64{1, 2}, reader.Committed())

	assert.NoError(source.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("source not stopped")
	}
}

func Test_KafkaSource_NoCommitOnFailure(t *testing.T) {
	assert := assert.New(t)

	reg := newTestRegistry(t)

	// fills the device, nobody reads it
	reader := newFakeReader(kafka.Message{Topic: "in", Offset: 7, Value: make([]byte, 64)})

	source := NewKafkaSource(NewKafkaSourceConfig("scullp0", "in"), reg)
	source.reader = reader
	require.NoError(t, source.Init(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan struct{})
	go func() {
		source.Run(ctx)
		close(done)
	}()

	dev, err := reg.Device(0)
	require.NoError(t, err)

	assert.Eventually(func() bool {
		return dev.WritableSize() == 0
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("source not stopped")
	}

	assert.Empty(reader.Committed())
	assert.NoError(source.Close())
}

func Test_isShutdown(t *testing.T) {
	assert := assert.New(t)

	ctx, cancel := context.WithCancel(t.Context())

	assert.True(isShutdown(ctx, io.EOF))
	assert.True(isShutdown(ctx, device.ErrFileClosed))
	assert.False(isShutdown(ctx, errors.New("broker unreachable")))

	cancel()
	assert.True(isShutdown(ctx, errors.New("broker unreachable")))
}

func Test_KafkaSinkConfig_Validate(t *testing.T) {
	assert := assert.New(t)

	cfg := NewKafkaSinkConfig("scullp0", "pipe")
	cfg.ChunkSize = 4 << 20
	cfg.WriteTimeout = 50 * time.Millisecond

	ac := config.NewAnomalyCollector()
	cfg.Validate(ac)

	assert.Equal(2, ac.Len())
	assert.Equal([]string{"ChunkSize", "BatchTimeout"}, ac.Fields())
	assert.Equal(MaxKafkaSinkChunkSize, cfg.ChunkSize)
	assert.Equal(50*time.Millisecond, cfg.BatchTimeout)

	cfg = NewKafkaSinkConfig("scullp0", "pipe")
	ac = config.NewAnomalyCollector()
	cfg.Validate(ac)
	assert.Zero(ac.Len())
}

func Test_KafkaSink_Retry(t *testing.T) {
	assert := assert.New(t)

	reg := newTestRegistry(t)

	cfg := NewKafkaSinkConfig("scullp0", "pipe")
	cfg.RetryInterval = time.Millisecond
	cfg.MaxRetryInterval = 5 * time.Millisecond

	writer := newFakeWriter()
	writer.failures.Store(3)

	sink := NewKafkaSink(cfg, reg)
	sink.writer = writer
	require.NoError(t, sink.Init(t.Context()))
	defer sink.Close()

	go sink.Run(t.Context())

	f, err := reg.Open(t.Context(), 0, device.OWrite)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("kept"))
	require.NoError(t, err)

	select {
	case msg := <-writer.msgs:
		assert.Equal("kept", string(msg.Value))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	assert.Equal(int32(4), writer.attempts.Load())
	assert.Equal(int64(3), sink.failedWrites.Load())
}

func Test_KafkaSink_CloseStopsRetry(t *testing.T) {
	assert := assert.New(t)

	reg := newTestRegistry(t)

	cfg := NewKafkaSinkConfig("scullp0", "pipe")
	cfg.RetryInterval = time.Millisecond
	cfg.MaxRetryInterval = time.Millisecond

	writer := newFakeWriter()
	writer.failures.Store(-1)

	sink := NewKafkaSink(cfg, reg)
	sink.writer = writer
	require.NoError(t, sink.Init(t.Context()))

	done := make(chan struct{})
	go func() {
		sink.Run(t.Context())
		close(done)
	}()

	f, err := reg.Open(t.Context(), 0, device.OWrite)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("lost"))
	require.NoError(t, err)

	assert.Eventually(func() bool {
		return writer.attempts.Load() > 2
	}, time.Second, time.Millisecond)

	assert.NoError(sink.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sink still retrying")
	}
}
