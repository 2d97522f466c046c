package telemetry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/norasector/satlink/pkg/frame"
	"github.com/rs/zerolog"
)

const (
	PollValues    = 16
	PollBlockSize = PollValues * 4

	listingTextLength  = 230
	hostnameTextLength = 11
)

var (
	ErrShortFrame = errors.New("telemetry: frame shorter than its layout")
	ErrUnknownTag = errors.New("telemetry: unknown tag")
	ErrNotBinary  = errors.New("telemetry: not a telemetry frame")
)

// FrameSize is the byte length of a tag's frame, tag included;
// frame.VariableSize for POLL and RETX.
func FrameSize(tag frame.Tag) (int, bool) {
	return frame.Size(tag)
}

// DecodeError reports a frame that could not be decoded. The frame is gone
// from the stream by the time this is seen, so it is never retried.
type DecodeError struct {
	Tag  frame.Tag
	Want int
	Got  int
	Err  error
}

func (e *DecodeError) Error() string {
	if errors.Is(e.Err, ErrShortFrame) {
		return fmt.Sprintf("decode %s: need %d bytes, got %d: %v", e.Tag, e.Want, e.Got, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder turns telemetry frames into records. POLL payloads are accumulated
// across frames, so a Decoder belongs to exactly one stream.
type Decoder struct {
	poll   []byte
	logger zerolog.Logger
}

func NewDecoder(logger zerolog.Logger) *Decoder {
	return &Decoder{
		poll:   make([]byte, 0, PollBlockSize),
		logger: logger,
	}
}

// PollPending reports how many POLL payload bytes are waiting for a full block.
func (d *Decoder) PollPending() int {
	return len(d.poll)
}

// Decode interprets one telemetry frame. ok is false with a nil error while a
// POLL block is still accumulating.
func (d *Decoder) Decode(f frame.Frame) (rec Record, ok bool, err error) {
	if f.Kind != frame.KindTelemetry {
		return nil, false, &DecodeError{Tag: f.Tag, Err: ErrNotBinary}
	}

	size, known := frame.Size(f.Tag)
	if !known {
		return nil, false, &DecodeError{Tag: f.Tag, Err: ErrUnknownTag}
	}
	if size != frame.VariableSize && len(f.Data) < size {
		return nil, false, &DecodeError{Tag: f.Tag, Want: size, Got: len(f.Data), Err: ErrShortFrame}
	}

	b := f.Data
	switch f.Tag {
	case frame.TagGyro, frame.TagAccel, frame.TagMagnet, frame.TagGravity, frame.TagEuler:
		return Vector{Kind: f.Tag, X: f32(b, 0), Y: f32(b, 1), Z: f32(b, 2)}, true, nil

	case frame.TagEnvironment:
		return Environment{Temperature: f32(b, 0), Pressure: f32(b, 1), Humidity: f32(b, 2)}, true, nil

	case frame.TagOBCRAM, frame.TagOBCDisk, frame.TagOBCCPU:
		return OBCMetric{Kind: f.Tag, Value: f32(b, 0)}, true, nil

	case frame.TagOBCListing, frame.TagOBCProcs:
		return OBCListing{Kind: f.Tag, Text: nulTrimmed(b[frame.TagLength : frame.TagLength+listingTextLength])}, true, nil

	case frame.TagAttitude:
		return Attitude{
			Roll:       f32(b, 0),
			Pitch:      f32(b, 1),
			Yaw:        f32(b, 2),
			Quaternion: [4]float32{f32(b, 3), f32(b, 4), f32(b, 5), f32(b, 6)},
		}, true, nil

	case frame.TagPower:
		// 4 channel states, the bus voltage, then 4 reserved bytes.
		var p PowerStatus
		for i := range p.Channels {
			p.Channels[i] = i32(b, i)
		}
		p.Voltage = f32(b, len(p.Channels))
		return p, true, nil

	case frame.TagHostname:
		return Hostname{Name: nulTrimmed(b[frame.TagLength : frame.TagLength+hostnameTextLength])}, true, nil

	case frame.TagSolar:
		var s SolarArray
		for i := range s.Panels {
			s.Panels[i] = SolarPanel{Voltage: f32(b, 2*i), Current: f32(b, 2*i+1)}
		}
		return s, true, nil

	case frame.TagPoll:
		return d.decodePoll(f)

	case frame.TagRetransmit:
		return RetransmitEcho{Text: strings.TrimSpace(nulTrimmed(b[frame.TagLength:]))}, true, nil
	}

	return nil, false, &DecodeError{Tag: f.Tag, Err: ErrUnknownTag}
}

func (d *Decoder) decodePoll(f frame.Frame) (Record, bool, error) {
	if len(f.Data) < frame.PollHeaderLength {
		return nil, false, &DecodeError{Tag: f.Tag, Want: frame.PollHeaderLength, Got: len(f.Data), Err: ErrShortFrame}
	}
	n := int(binary.LittleEndian.Uint32(f.Data[frame.TagLength:frame.PollHeaderLength]))
	want := frame.PollHeaderLength + n
	if len(f.Data) < want {
		return nil, false, &DecodeError{Tag: f.Tag, Want: want, Got: len(f.Data), Err: ErrShortFrame}
	}

	d.poll = append(d.poll, f.Data[frame.PollHeaderLength:want]...)
	if len(d.poll) < PollBlockSize {
		return nil, false, nil
	}

	var sample PollSample
	for i := range sample.Values {
		sample.Values[i] = math.Float32frombits(binary.LittleEndian.Uint32(d.poll[i*4:]))
	}
	if extra := len(d.poll) - PollBlockSize; extra > 0 {
		d.logger.Debug().
			Int("dropped", extra).
			Msg("poll accumulator overran block size")
	}
	d.poll = d.poll[:0]
	return sample, true, nil
}

// f32 reads the i-th little-endian float32 after the tag.
func f32(b []byte, i int) float32 {
	off := frame.TagLength + i*4
	return math.Float32frombits(binary.LittleEndian.Uint32(b[off : off+4]))
}

func i32(b []byte, i int) int32 {
	off := frame.TagLength + i*4
	return int32(binary.LittleEndian.Uint32(b[off : off+4]))
}

func nulTrimmed(b []byte) string {
	if idx := bytes.IndexByte(b, 0x00); idx >= 0 {
		b = b[:idx]
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
