package server

import (
	"bufio"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/FerroO2000/scullp"
	"github.com/FerroO2000/scullp/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, network, address string) (*Server, *scullp.Registry) {
	t.Helper()

	reg := scullp.NewRegistry(&scullp.Config{DeviceCount: 2, BufferSize: 64})
	require.NoError(t, reg.Init(t.Context()))
	t.Cleanup(func() { _ = reg.Close() })

	cfg := NewDefaultConfig()
	cfg.Network = network
	cfg.Address = address
	cfg.HandshakeTimeout = time.Second

	srv := NewServer(cfg, reg)
	require.NoError(t, srv.Init(t.Context()))

	go srv.Run(t.Context())
	t.Cleanup(func() { _ = srv.Close() })

	return srv, reg
}

type testClient struct {
	conn net.Conn
	br   *bufio.Reader
}

func dial(t *testing.T, srv *Server, request string) *testClient {
	t.Helper()

	conn, err := net.Dial(srv.Addr().Network(), srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = io.WriteString(conn, request+"\n")
	require.NoError(t, err)

	return &testClient{
		conn: conn,
		br:   bufio.NewReader(conn),
	}
}

func (tc *testClient) readLine(t *testing.T) string {
	t.Helper()

	require.NoError(t, tc.conn.SetReadDeadline(time.Now().Add(time.Second)))

	line, err := tc.br.ReadString('\n')
	require.NoError(t, err)

	return strings.TrimSpace(line)
}

func (tc *testClient) readN(t *testing.T, n int) string {
	t.Helper()

	require.NoError(t, tc.conn.SetReadDeadline(time.Now().Add(time.Second)))

	buf := make([]byte, n)
	_, err := io.ReadFull(tc.br, buf)
	require.NoError(t, err)

	return string(buf)
}

func Test_ParseRequest(t *testing.T) {
	assert := assert.New(t)

	req, err := ParseRequest("OPEN scullp0 rw,nonblock")
	assert.NoError(err)
	assert.Equal(&Request{Command: CommandOpen, Device: "scullp0", Flags: device.ORdWr | device.ONonBlock}, req)

	req, err = ParseRequest("poll scullp1")
	assert.NoError(err)
	assert.Equal(&Request{Command: CommandPoll, Device: "scullp1"}, req)

	_, err = ParseRequest("")
	assert.ErrorIs(err, ErrMalformedRequest)

	_, err = ParseRequest("OPEN scullp0")
	assert.ErrorIs(err, ErrMalformedRequest)

	_, err = ParseRequest("OPEN scullp0 x")
	assert.ErrorIs(err, ErrInvalidMode)

	_, err = ParseRequest("OPEN scullp0 r,sync")
	assert.ErrorIs(err, ErrInvalidMode)

	_, err = ParseRequest("CLOSE scullp0")
	assert.ErrorIs(err, ErrUnknownCommand)
}

func Test_FormatReady(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("READY readable=0 writable=1", FormatReady(device.Readiness{Writable: true}))
	assert.Equal("READY readable=1 writable=0", FormatReady(device.Readiness{Readable: true}))
}

func Test_Server_Poll(t *testing.T) {
	assert := assert.New(t)

	srv, _ := newTestServer(t, "tcp", "127.0.0.1:0")

	client := dial(t, srv, "POLL scullp0")
	assert.Equal("READY readable=0 writable=1", client.readLine(t))

	client = dial(t, srv, "POLL scullp7")
	assert.True(strings.HasPrefix(client.readLine(t), "ERR "))

	client = dial(t, srv, "HELLO")
	assert.Equal(`ERR unknown command "HELLO"`, client.readLine(t))
}

func Test_Server_Stream(t *testing.T) {
	assert := assert.New(t)

	srv, reg := newTestServer(t, "tcp", "127.0.0.1:0")

	reader := dial(t, srv, "OPEN scullp1 r")
	assert.Equal(ResponseOK, reader.readLine(t))

	writer := dial(t, srv, "OPEN scullp1 w")
	assert.Equal(ResponseOK, writer.readLine(t))

	// larger than the device, so the writer blocks until the reader catches up
	payload := strings.Repeat("0123456789", 50)

	go func() {
		_, _ = io.WriteString(writer.conn, payload)
	}()

	assert.Equal(payload, reader.readN(t, len(payload)))

	assert.Eventually(func() bool {
		return reg.OpenCount(1) == 2
	}, time.Second, 5*time.Millisecond)

	// closing the connections releases the files
	reader.conn.Close()
	writer.conn.Close()

	assert.Eventually(func() bool {
		return reg.OpenCount(1) == 0
	}, time.Second, 5*time.Millisecond)
}

func Test_Server_NonBlocking(t *testing.T) {
	assert := assert.New(t)

	srv, reg := newTestServer(t, "unix", filepath.Join(t.TempDir(), "scullp.sock"))

	client := dial(t, srv, "OPEN scullp0 rw,nonblock")
	assert.Equal(ResponseOK, client.readLine(t))

	f, err := reg.Open(t.Context(), 0, device.OWrite)
	require.NoError(t, err)
	defer f.Close()

	time.Sleep(20 * time.Millisecond)

	_, err = f.Write([]byte("ping"))
	require.NoError(t, err)

	assert.Equal("ping", client.readN(t, 4))
}

func Test_Server_Close(t *testing.T) {
	assert := assert.New(t)

	srv, reg := newTestServer(t, "tcp", "127.0.0.1:0")

	client := dial(t, srv, "OPEN scullp0 r")
	assert.Equal(ResponseOK, client.readLine(t))

	assert.NoError(srv.Close())
	assert.Equal(0, reg.OpenCount(0))

	// the stream has been ended
	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := client.br.ReadByte()
	assert.Error(err)
}

func Test_Server_CloseWhileAccepting(t *testing.T) {
	assert := assert.New(t)

	srv, reg := newTestServer(t, "tcp", "127.0.0.1:0")
	addr := srv.Addr()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 50 {
			conn, err := net.Dial(addr.Network(), addr.String())
			if err != nil {
				return
			}
			_, _ = io.WriteString(conn, "OPEN scullp0 r\n")
			defer conn.Close()
		}
	}()

	time.Sleep(5 * time.Millisecond)
	assert.NoError(srv.Close())
	<-done

	// no handler outlives Close
	assert.Equal(0, reg.OpenCount(0))
	assert.False(srv.track())
}
