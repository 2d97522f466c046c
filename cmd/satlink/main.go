package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/satlink/pkg/output"
	"github.com/norasector/satlink/pkg/satlink"
	"github.com/norasector/satlink/pkg/satlink/config"
	"github.com/norasector/satlink/pkg/satlink/device"
	"github.com/norasector/satlink/pkg/satlink/device/file"
	"github.com/norasector/satlink/pkg/satlink/device/serial"
	"github.com/norasector/satlink/pkg/satlink/device/tcp"
	"github.com/norasector/satlink/pkg/session"
	"github.com/norasector/satlink/pkg/util"
	"github.com/norasector/satlink/pkg/web"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.String("config", "satlink.yaml", "YAML config file")
	listPorts := flag.Bool("list-ports", false, "list serial ports and exit")

	flag.Parse()

	if *listPorts {
		ports, err := serial.Ports()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to list serial ports")
		}
		for _, port := range ports {
			log.Info().Str("port", port).Msg("serial port")
		}
		return
	}

	opts, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configFile).Msg("error loading config")
	}
	if level, err := zerolog.ParseLevel(opts.LogLevel); err == nil && opts.LogLevel != "" {
		log.Logger = log.Logger.Level(level)
	}

	var dev device.Device
	switch opts.Device {
	case "tcp":
		log.Info().Str("device", "tcp").Str("addr", opts.TCP.Address).Msg("initializing device...")
		dev = tcp.NewTCPDevice(opts.TCP.Address, log.Logger,
			tcp.WithReconnectInterval(opts.TCP.ReconnectBackoff),
			tcp.WithReconnectMax(opts.TCP.ReconnectMax))
	case "file":
		log.Info().Str("device", "file").Str("file", opts.PlaybackLocation).Msg("initializing device...")
		dev, err = file.NewFileDevice(opts.PlaybackLocation, opts.Playback.ReadSize, opts.Playback.ReadDelay, log.Logger)
		if err != nil {
			log.Fatal().Str("device", "file").Err(err).Msg("failed to init file reader")
		}
	default:
		log.Info().Str("device", "serial").Str("port", opts.Serial.Port).Msg("initializing device...")
		dev = serial.NewSerialDevice(opts.Serial.Port, opts.Serial.BaudRate, log.Logger)
	}

	var writeAPI api.WriteAPI = util.NopWriteAPI{}
	if opts.InfluxDB.Host != "" {
		client := influxdb2.NewClient(opts.InfluxDB.Host, opts.InfluxDB.Token)
		defer client.Close()
		writeAPI = client.WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)
	}
	metrics := output.NewMetrics(writeAPI)

	store, err := output.NewArtifactStore(opts.OutputDir, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create artifact store")
	}
	orientation := output.NewOrientationLog(log.Logger)

	dests := make([]output.Destination, 0, len(opts.StreamOutputs))
	for _, d := range opts.StreamOutputs {
		dests = append(dests, output.Destination{Host: d.Host, Port: d.Port})
	}

	sessionOpts := []session.Option{
		session.WithLogger(log.Logger),
		session.WithSink(output.Fanout{output.NewLogSink(log.Logger), store}),
		session.WithOrientation(output.Orientations{orientation, metrics}),
		session.WithMetrics(metrics),
		session.WithObservers(metrics),
	}
	var stream *output.TelemetryStream
	if len(dests) > 0 {
		stream = output.NewTelemetryStream(dests, writeAPI, log.Logger)
		sessionOpts = append(sessionOpts, session.WithObservers(stream))
	}

	sess := session.New(dev, session.Options{
		Lookahead:        opts.Link.Lookahead,
		EchoCap:          opts.Link.EchoCap,
		MaxPollPayload:   opts.Link.MaxPollPayload,
		DefaultFilename:  opts.Link.DefaultFilename,
		RetransmitBudget: opts.Link.RetransmitBudget,
		MaxAttempts:      opts.Link.MaxAttempts,
		BatchDelay:       opts.Link.BatchDelay,
		ScanInterval:     opts.Link.ScanInterval,
		StaleAfter:       opts.Link.StaleAfter,
		IdleFlush:        opts.Link.IdleFlush,
		AutoRetransmit:   opts.Link.AutoRetransmit,
	}, sessionOpts...)

	stationOpts := []satlink.StationOption{
		satlink.WithInfluxDB(writeAPI),
		satlink.WithLogger(log.Logger),
	}
	if stream != nil {
		stationOpts = append(stationOpts, satlink.WithTelemetryStream(stream))
	}
	if opts.HTTPServer.Port > 0 {
		stationOpts = append(stationOpts, satlink.WithHTTPServer(
			web.NewServer(opts.HTTPServer.Port, sess, store,
				web.WithOrientation(orientation),
				web.WithLogger(log.Logger))))
	}

	station, err := satlink.NewStation(dev, sess, stationOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create station")
	}

	eg, ctx := errgroup.WithContext(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	eg.Go(func() error {
		select {
		case <-sigChan:
		case <-ctx.Done():
		case <-done:
		}

		return station.Stop()
	})

	eg.Go(func() error {
		defer close(done)
		return station.Start(ctx)
	})

	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("exited program")
	}
}
