// Package server exposes the devices over a stream socket.
//
// A client sends a single request line:
//
//	OPEN <device> <r|w|rw>[,nonblock]
//	POLL <device>
//
// OPEN is answered with "OK", then the connection carries the bytes
// read from the device (r), written to the device (w) or both (rw),
// until either side ends. POLL is answered with
// "READY readable=<0|1> writable=<0|1>" and the connection is closed.
// Any failure is answered with "ERR <reason>".
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/scullp/device"
	"github.com/FerroO2000/scullp/internal/config"
	"github.com/FerroO2000/scullp/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Opener gives access to the devices served.
type Opener interface {
	OpenName(ctx context.Context, name string, flags device.OpenFlag) (*device.File, error)
	Lookup(name string) (*device.Device, error)
}

///////////////
//  METRICS  //
///////////////

type serverMetrics struct {
	tel *telemetry.Telemetry

	openConnections atomic.Int64
	handshakeErrors atomic.Int64

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

func newServerMetrics(tel *telemetry.Telemetry) *serverMetrics {
	return &serverMetrics{
		tel: tel,
	}
}

func (sm *serverMetrics) init() {
	sm.tel.NewUpDownCounter("open_connections", func() int64 { return sm.openConnections.Load() })
	sm.tel.NewCounter("handshake_errors", func() int64 { return sm.handshakeErrors.Load() })
	sm.tel.NewCounter("bytes_in", func() int64 { return sm.bytesIn.Load() })
	sm.tel.NewCounter("bytes_out", func() int64 { return sm.bytesOut.Load() })
}

//////////////
//  SERVER  //
//////////////

// Server is the stream server service.
type Server struct {
	tel *telemetry.Telemetry
	cfg *Config

	opener Opener

	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	connMux sync.Mutex
	closed  bool
	wg      *sync.WaitGroup
	bufPool sync.Pool

	metrics *serverMetrics
}

// NewServer returns a new server exposing the devices of opener.
func NewServer(cfg *Config, opener Opener) *Server {
	tel := telemetry.NewTelemetry("server", "stream")

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		tel: tel,
		cfg: cfg,

		opener: opener,

		ctx:    ctx,
		cancel: cancel,

		wg: &sync.WaitGroup{},

		metrics: newServerMetrics(tel),
	}
}

// Name returns the name of the service.
func (s *Server) Name() string {
	return "server"
}

// Addr returns the address the server listens on.
// It is nil before Init.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Init opens the listener.
func (s *Server) Init(_ context.Context) error {
	config.NewValidator(s.tel).Validate(s.cfg)

	bufSize := s.cfg.BufferSize
	s.bufPool = sync.Pool{
		New: func() any {
			buf := make([]byte, bufSize)
			return &buf
		},
	}

	if s.cfg.Network == "unix" {
		// a stale socket from a previous run prevents listening
		if err := os.Remove(s.cfg.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("server: %w", err)
		}
	}

	listener, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	s.listener = listener

	s.metrics.init()

	s.tel.LogInfo("listening", "network", s.cfg.Network, "address", listener.Addr().String())

	return nil
}

// Run accepts connections until ctx is done or the server is closed.
func (s *Server) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	// Unblock Accept when the context is done
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return

			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}

				s.tel.LogError("failed to accept connection", err)
				continue
			}
		}

		if !s.track() {
			conn.Close()
			return
		}

		go s.handleConn(ctx, conn)
	}
}

// track accounts for a new connection handler.
// It reports false once the server is closed.
func (s *Server) track() bool {
	s.connMux.Lock()
	defer s.connMux.Unlock()

	if s.closed {
		return false
	}

	s.wg.Add(1)
	return true
}

func (s *Server) reply(conn net.Conn, line string) error {
	_, err := io.WriteString(conn, line+"\n")
	return err
}

func (s *Server) replyErr(conn net.Conn, err error) {
	s.metrics.handshakeErrors.Add(1)

	if replyErr := s.reply(conn, ResponseErr+" "+err.Error()); replyErr != nil {
		s.tel.LogWarn("failed to send error reply", "reason", err.Error(), "remote_addr", conn.RemoteAddr().String())
	}
}

func (s *Server) readRequest(conn net.Conn, br *bufio.Reader) (*Request, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return nil, err
	}

	line, err := br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, fmt.Errorf("%w: request line too long", ErrMalformedRequest)
		}
		return nil, err
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return ParseRequest(strings.TrimRight(string(line), "\r\n"))
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Close the connection when the context is done
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(connCtx, func() {
		conn.Close()
	})
	defer stop()

	s.metrics.openConnections.Add(1)
	defer s.metrics.openConnections.Add(-1)

	br := bufio.NewReaderSize(conn, s.cfg.MaxLineLen)

	req, err := s.readRequest(conn, br)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return
		}

		s.replyErr(conn, err)
		return
	}

	switch req.Command {
	case CommandPoll:
		s.handlePoll(conn, req)

	case CommandOpen:
		s.handleOpen(connCtx, cancel, conn, br, req)
	}
}

func (s *Server) handlePoll(conn net.Conn, req *Request) {
	dev, err := s.opener.Lookup(req.Device)
	if err != nil {
		s.replyErr(conn, err)
		return
	}

	if err := s.reply(conn, FormatReady(dev.Poll(nil))); err != nil {
		s.tel.LogWarn("failed to send poll reply", "device", req.Device)
	}
}

func (s *Server) handleOpen(ctx context.Context, cancel context.CancelFunc, conn net.Conn, br *bufio.Reader, req *Request) {
	file, err := s.opener.OpenName(ctx, req.Device, req.Flags)
	if err != nil {
		s.replyErr(conn, err)
		return
	}
	defer file.Close()

	if err := s.reply(conn, ResponseOK); err != nil {
		return
	}

	ctx, span := s.tel.NewTrace(ctx, "stream "+req.Device)
	defer span.End()

	span.SetAttributes(
		attribute.String("device", req.Device),
		attribute.String("mode", req.Flags.String()),
		attribute.String("remote_addr", conn.RemoteAddr().String()),
	)

	group := &errgroup.Group{}

	if req.Flags&device.ORead != 0 {
		group.Go(func() error {
			defer cancel()
			return s.deviceToConn(ctx, file, conn)
		})
	}

	if req.Flags&device.OWrite != 0 {
		group.Go(func() error {
			defer cancel()
			return s.connToDevice(ctx, br, file)
		})
	} else {
		// Nothing is expected from the client: draining the connection
		// detects when it goes away.
		group.Go(func() error {
			defer cancel()
			_, _ = io.Copy(io.Discard, br)
			return nil
		})
	}

	if err := group.Wait(); err != nil && !isStreamEnd(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.tel.LogError("stream failed", err, "device", req.Device)
	}
}

// isStreamEnd reports whether err just marks the end of the stream.
func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, device.ErrInterrupted) ||
		errors.Is(err, device.ErrNotActive) ||
		errors.Is(err, device.ErrFileClosed)
}

func (s *Server) getBuf() *[]byte {
	return s.bufPool.Get().(*[]byte)
}

func (s *Server) deviceToConn(ctx context.Context, file *device.File, conn net.Conn) error {
	bufPtr := s.getBuf()
	defer s.bufPool.Put(bufPtr)
	buf := *bufPtr

	for {
		n, err := file.ReadContext(ctx, buf)
		if errors.Is(err, device.ErrWouldBlock) {
			if _, err := device.Select(ctx, device.PollRequest{Target: file, Interest: device.PollIn}); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		if _, err := conn.Write(buf[:n]); err != nil {
			return err
		}

		s.metrics.bytesOut.Add(int64(n))
	}
}

func (s *Server) connToDevice(ctx context.Context, r io.Reader, file *device.File) error {
	bufPtr := s.getBuf()
	defer s.bufPool.Put(bufPtr)
	buf := *bufPtr

	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.metrics.bytesIn.Add(int64(n))

			if err := s.writeAll(ctx, file, buf[:n]); err != nil {
				return err
			}
		}

		if err != nil {
			return err
		}
	}
}

func (s *Server) writeAll(ctx context.Context, file *device.File, data []byte) error {
	for len(data) > 0 {
		n, err := file.WriteContext(ctx, data)
		data = data[n:]

		if errors.Is(err, device.ErrWouldBlock) {
			if _, err := device.Select(ctx, device.PollRequest{Target: file, Interest: device.PollOut}); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// Close stops accepting connections, ends the open streams
// and waits for them to return.
func (s *Server) Close() error {
	s.connMux.Lock()
	s.closed = true
	s.connMux.Unlock()

	s.cancel()

	var err error
	if s.listener != nil {
		if closeErr := s.listener.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = fmt.Errorf("server: %w", closeErr)
		}
	}

	s.wg.Wait()

	return err
}
