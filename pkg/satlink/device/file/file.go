package file

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// FileDevice replays a raw capture of the link. Uplink writes are logged and
// dropped.
type FileDevice struct {
	readFile    *os.File
	readSize    int
	timeBetween time.Duration
	logger      zerolog.Logger
}

func NewFileDevice(file string, readSize int, timeBetween time.Duration, logger zerolog.Logger) (*FileDevice, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}

	return &FileDevice{
		readFile:    f,
		readSize:    readSize,
		timeBetween: timeBetween,
		logger:      logger,
	}, nil
}

// Start returns nil once the capture is exhausted.
func (f *FileDevice) Start(ctx context.Context, out chan<- []byte) error {
	tick := time.NewTicker(f.timeBetween)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			buf := make([]byte, f.readSize)
			n, err := f.readFile.Read(buf)
			if n > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case out <- buf[:n]:
				}
			}
			if err == io.EOF {
				f.logger.Info().Str("file", f.readFile.Name()).Msg("playback finished")
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

func (f *FileDevice) Write(p []byte) (int, error) {
	f.logger.Info().Str("command", string(p)).Msg("playback: uplink command dropped")
	return len(p), nil
}

func (f *FileDevice) Stop() error {
	return f.readFile.Close()
}
