package satlink

import (
	"context"
	"errors"
	"sync"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/satlink/pkg/output"
	"github.com/norasector/satlink/pkg/satlink/device"
	"github.com/norasector/satlink/pkg/session"
	"github.com/norasector/satlink/pkg/util"
	"github.com/norasector/satlink/pkg/web"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const inboundBuffer = 64

// Station runs one link: the device, its decoding session and the outputs
// fed by it.
type Station struct {
	device   device.Device
	session  *session.Session
	stream   *output.TelemetryStream
	server   *web.Server
	writeAPI api.WriteAPI
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

type StationOption func(s *Station) error

func WithInfluxDB(writeAPI api.WriteAPI) StationOption {
	return func(s *Station) error {
		s.writeAPI = writeAPI
		return nil
	}
}

func WithTelemetryStream(stream *output.TelemetryStream) StationOption {
	return func(s *Station) error {
		s.stream = stream
		return nil
	}
}

func WithHTTPServer(server *web.Server) StationOption {
	return func(s *Station) error {
		s.server = server
		return nil
	}
}

func WithLogger(logger zerolog.Logger) StationOption {
	return func(s *Station) error {
		s.logger = logger
		return nil
	}
}

func NewStation(dev device.Device, sess *session.Session, opts ...StationOption) (*Station, error) {
	if dev == nil || sess == nil {
		return nil, errors.New("station requires a device and a session")
	}
	s := &Station{
		device:   dev,
		session:  sess,
		writeAPI: util.NopWriteAPI{},
		logger:   log.Logger,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Station) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	in := make(chan []byte, inboundBuffer)

	eg.Go(func() error {
		defer close(in)
		return s.device.Start(ctx, in)
	})

	// Once the link is exhausted the session returns and takes the outputs down with it.
	eg.Go(func() error {
		defer cancel()
		return s.session.Start(ctx, in)
	})

	if s.stream != nil {
		eg.Go(func() error {
			return s.stream.Start(ctx)
		})
	}

	if s.server != nil {
		eg.Go(func() error {
			return s.server.Run(ctx)
		})
	}

	s.logger.Info().Msg("station starting")

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Station) Stop() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if s.server != nil {
		s.server.Stop(context.TODO())
	}
	s.writeAPI.Flush()
	return s.device.Stop()
}
