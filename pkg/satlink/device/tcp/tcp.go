package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/norasector/satlink/pkg/satlink/device"
	"github.com/rs/zerolog"
)

// TCPDevice talks to a serial-over-IP bridge, redialling with a linear
// backoff whenever the connection drops.
type TCPDevice struct {
	addr         string
	reconnect    time.Duration
	reconnectMax time.Duration
	dialTimeout  time.Duration
	readTimeout  time.Duration
	bufSize      int
	logger       zerolog.Logger

	mu   sync.Mutex
	conn net.Conn
}

type Option func(d *TCPDevice)

func WithReconnectInterval(dur time.Duration) Option {
	return func(d *TCPDevice) {
		if dur > 0 {
			d.reconnect = dur
		}
	}
}

func WithReconnectMax(dur time.Duration) Option {
	return func(d *TCPDevice) {
		if dur > 0 {
			d.reconnectMax = dur
		}
	}
}

func WithDialTimeout(dur time.Duration) Option {
	return func(d *TCPDevice) {
		if dur > 0 {
			d.dialTimeout = dur
		}
	}
}

func WithBufferSize(n int) Option {
	return func(d *TCPDevice) {
		if n > 0 {
			d.bufSize = n
		}
	}
}

func NewTCPDevice(addr string, logger zerolog.Logger, opts ...Option) *TCPDevice {
	d := &TCPDevice{
		addr:         addr,
		reconnect:    1 * time.Second,
		reconnectMax: 30 * time.Second,
		dialTimeout:  5 * time.Second,
		readTimeout:  500 * time.Millisecond,
		bufSize:      4096,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *TCPDevice) Start(ctx context.Context, out chan<- []byte) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := net.DialTimeout("tcp", d.addr, d.dialTimeout)
		if err != nil {
			attempt++
			d.logger.Warn().Err(err).Str("addr", d.addr).Int("attempt", attempt).Msg("dial failed")
			d.sleepBackoff(ctx, attempt)
			continue
		}

		attempt = 0
		d.logger.Info().Str("addr", d.addr).Msg("link connected")
		d.setConn(conn)
		err = d.handleConn(ctx, conn, out)
		d.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			d.logger.Warn().Err(err).Str("addr", d.addr).Msg("link dropped")
		}
		d.sleepBackoff(ctx, 1)
	}
}

func (d *TCPDevice) handleConn(ctx context.Context, conn net.Conn, out chan<- []byte) error {
	buf := make([]byte, d.bufSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(d.readTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case out <- data:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return err
		}
	}
}

func (d *TCPDevice) sleepBackoff(ctx context.Context, attempt int) {
	wait := d.reconnect * time.Duration(attempt)
	if wait > d.reconnectMax {
		wait = d.reconnectMax
	}
	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()
}

func (d *TCPDevice) setConn(conn net.Conn) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
}

func (d *TCPDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return 0, device.ErrNotConnected
	}
	return d.conn.Write(p)
}

func (d *TCPDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}
