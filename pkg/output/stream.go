package output

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/satlink/pkg/telemetry"
	"github.com/norasector/satlink/pkg/util"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	receiveChannels = 32
	numSenders      = 2
)

type Destination struct {
	Host string
	Port int
}

// Sample is a decoded telemetry record stamped with its arrival time.
type Sample struct {
	Time   time.Time
	Record telemetry.Record
}

// TelemetryStream forwards decoded records to UDP listeners. Each datagram is
// a little endian uint16 length followed by a protobuf Struct.
type TelemetryStream struct {
	dests    []Destination
	recvChan chan Sample
	metrics  api.WriteAPI
	logger   zerolog.Logger
}

func NewTelemetryStream(dests []Destination, metrics api.WriteAPI, logger zerolog.Logger) *TelemetryStream {
	if metrics == nil {
		metrics = util.NopWriteAPI{}
	}
	return &TelemetryStream{
		dests:    dests,
		recvChan: make(chan Sample, receiveChannels),
		metrics:  metrics,
		logger:   logger,
	}
}

func (s *TelemetryStream) Receive() chan<- Sample {
	return s.recvChan
}

// Publish queues a sample without blocking; it reports whether the sample was
// accepted.
func (s *TelemetryStream) Publish(sample Sample) bool {
	select {
	case s.recvChan <- sample:
		return true
	default:
		return false
	}
}

// Record publishes rec; samples are dropped while the senders are behind.
func (s *TelemetryStream) Record(rec telemetry.Record, ts time.Time) {
	if !s.Publish(Sample{Time: ts, Record: rec}) {
		s.logger.Debug().Str("tag", string(rec.Tag())).Msg("telemetry stream behind, sample dropped")
	}
}

// Encode renders a sample as a length prefixed datagram.
func Encode(sample Sample) ([]byte, error) {
	fields := sample.Record.Fields()
	for k, v := range fields {
		if f, ok := v.(float32); ok && (math.IsNaN(float64(f)) || math.IsInf(float64(f), 0)) {
			// JSON style numbers cannot carry NaN.
			fields[k] = nil
		}
		if list, ok := v.([]interface{}); ok {
			for i, e := range list {
				if f, ok := e.(float32); ok && (math.IsNaN(float64(f)) || math.IsInf(float64(f), 0)) {
					list[i] = nil
				}
			}
		}
	}

	msg, err := structpb.NewStruct(map[string]interface{}{
		"tag":    string(sample.Record.Tag()),
		"time":   sample.Time.UTC().Format(time.RFC3339Nano),
		"fields": fields,
	})
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}

	encoded, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf: %w", err)
	}
	if len(encoded) > math.MaxUint16 {
		return nil, fmt.Errorf("encoded sample too large: %d bytes", len(encoded))
	}

	var msgBuf bytes.Buffer
	if err := binary.Write(&msgBuf, binary.LittleEndian, uint16(len(encoded))); err != nil {
		return nil, err
	}
	msgBuf.Write(encoded)
	return msgBuf.Bytes(), nil
}

// Decode parses a datagram produced by Encode.
func Decode(datagram []byte) (*structpb.Struct, error) {
	if len(datagram) < 2 {
		return nil, fmt.Errorf("datagram too short: %d bytes", len(datagram))
	}
	n := int(binary.LittleEndian.Uint16(datagram))
	if len(datagram)-2 < n {
		return nil, fmt.Errorf("datagram truncated: want %d bytes, got %d", n, len(datagram)-2)
	}
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(datagram[2:2+n], msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *TelemetryStream) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	destAddrs := make([]*net.UDPAddr, 0, len(s.dests))
	for _, dest := range s.dests {
		ips, err := net.LookupIP(dest.Host)
		if err != nil {
			return err
		}
		if len(ips) == 0 {
			return fmt.Errorf("no IPs returned for %s", dest.Host)
		}

		destAddr := &net.UDPAddr{IP: ips[0], Port: dest.Port}
		destAddrs = append(destAddrs, destAddr)
		s.logger.Info().IPAddr("dest_ip", destAddr.IP).Int("port", dest.Port).Msg("telemetry stream starting")
	}

	for i := 0; i < numSenders; i++ {
		eg.Go(func() error {
			conn, err := net.ListenUDP("udp", nil)
			if err != nil {
				return err
			}
			defer conn.Close()

			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case sample := <-s.recvChan:
					datagram, err := Encode(sample)
					if err != nil {
						s.logger.Warn().Err(err).Str("tag", string(sample.Record.Tag())).Msg("error encoding telemetry")
						continue
					}

					sent := 0
					for _, destAddr := range destAddrs {
						if _, err := conn.WriteToUDP(datagram, destAddr); err != nil {
							s.logger.Error().Err(err).Msg("error writing")
							continue
						}
						sent++
					}

					s.metrics.WritePoint(influxdb2.NewPoint("telemetry.sent",
						map[string]string{
							"tag": string(sample.Record.Tag()),
						},
						map[string]interface{}{
							"bytes":   len(datagram),
							"sent":    sent,
							"dropped": len(destAddrs) - sent,
						}, time.Now()))
				}
			}
		})
	}

	return eg.Wait()
}
