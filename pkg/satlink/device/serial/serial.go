package serial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/norasector/satlink/pkg/satlink/device"
	"github.com/rs/zerolog"
	bugserial "go.bug.st/serial"
)

const (
	DefaultBaudRate    = 115200
	DefaultReadSize    = 4096
	DefaultReadTimeout = 200 * time.Millisecond
)

type SerialDevice struct {
	path        string
	mode        *bugserial.Mode
	readSize    int
	readTimeout time.Duration
	logger      zerolog.Logger

	mu   sync.Mutex
	port bugserial.Port
}

func NewSerialDevice(path string, baudRate int, logger zerolog.Logger) *SerialDevice {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	return &SerialDevice{
		path: path,
		mode: &bugserial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   bugserial.NoParity,
			StopBits: bugserial.OneStopBit,
		},
		readSize:    DefaultReadSize,
		readTimeout: DefaultReadTimeout,
		logger:      logger,
	}
}

// Ports lists the serial ports present on the host.
func Ports() ([]string, error) {
	return bugserial.GetPortsList()
}

func (d *SerialDevice) Start(ctx context.Context, out chan<- []byte) error {
	port, err := bugserial.Open(d.path, d.mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.path, err)
	}
	// The read timeout bounds how long a cancelled context goes unnoticed.
	if err := port.SetReadTimeout(d.readTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	d.mu.Lock()
	d.port = port
	d.mu.Unlock()
	defer d.Stop()

	d.logger.Info().Str("port", d.path).Int("baud", d.mode.BaudRate).Msg("serial port open")

	buf := make([]byte, d.readSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isClosed(err) {
				return nil
			}
			return fmt.Errorf("serial read %s: %w", d.path, err)
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- data:
		}
	}
}

func (d *SerialDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return 0, device.ErrNotConnected
	}
	return d.port.Write(p)
}

func (d *SerialDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

func isClosed(err error) bool {
	var portErr *bugserial.PortError
	if errors.As(err, &portErr) {
		return portErr.Code() == bugserial.PortClosed
	}
	var portErrValue bugserial.PortError
	return errors.As(err, &portErrValue) && portErrValue.Code() == bugserial.PortClosed
}
