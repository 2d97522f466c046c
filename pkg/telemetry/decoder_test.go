package telemetry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/norasector/satlink/pkg/frame"
	"github.com/rs/zerolog"
)

func telemetryFrame(tag frame.Tag, parts ...interface{}) frame.Frame {
	var b bytes.Buffer
	b.WriteString(string(tag))
	for _, p := range parts {
		binary.Write(&b, binary.LittleEndian, p)
	}
	return frame.Frame{Kind: frame.KindTelemetry, Tag: tag, Data: b.Bytes()}
}

func padded(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

func pollPayload(start, count int) []byte {
	var b bytes.Buffer
	for i := start; i < start+count; i++ {
		binary.Write(&b, binary.LittleEndian, float32(i))
	}
	return b.Bytes()
}

func pollFrame(payload []byte) frame.Frame {
	return telemetryFrame(frame.TagPoll, uint32(len(payload)), payload)
}

func TestDecodeLayouts(t *testing.T) {
	tests := []struct {
		name string
		in   frame.Frame
		want Record
	}{
		{
			name: "gyro",
			in:   telemetryFrame(frame.TagGyro, float32(1), float32(-2), float32(3.5)),
			want: Vector{Kind: frame.TagGyro, X: 1, Y: -2, Z: 3.5},
		},
		{
			name: "euler",
			in:   telemetryFrame(frame.TagEuler, float32(10), float32(20), float32(30)),
			want: Vector{Kind: frame.TagEuler, X: 10, Y: 20, Z: 30},
		},
		{
			name: "environment",
			in:   telemetryFrame(frame.TagEnvironment, float32(21.5), float32(1013.25), float32(40)),
			want: Environment{Temperature: 21.5, Pressure: 1013.25, Humidity: 40},
		},
		{
			name: "cpu",
			in:   telemetryFrame(frame.TagOBCCPU, float32(12.5)),
			want: OBCMetric{Kind: frame.TagOBCCPU, Value: 12.5},
		},
		{
			name: "listing",
			in:   telemetryFrame(frame.TagOBCListing, padded("ls -la\x00garbage", 230)),
			want: OBCListing{Kind: frame.TagOBCListing, Text: "ls -la"},
		},
		{
			name: "attitude",
			in: telemetryFrame(frame.TagAttitude,
				float32(1), float32(2), float32(3), float32(0.5), float32(0.25), float32(0.125), float32(1)),
			want: Attitude{Roll: 1, Pitch: 2, Yaw: 3, Quaternion: [4]float32{0.5, 0.25, 0.125, 1}},
		},
		{
			name: "power",
			// Voltage follows the channels; the last four bytes are reserved.
			in: telemetryFrame(frame.TagPower,
				int32(1), int32(0), int32(1), int32(-1), float32(3.75), float32(-99)),
			want: PowerStatus{Channels: [4]int32{1, 0, 1, -1}, Voltage: 3.75},
		},
		{
			name: "hostname",
			in:   telemetryFrame(frame.TagHostname, padded("sat-01", 11)),
			want: Hostname{Name: "sat-01"},
		},
		{
			name: "solar",
			in: telemetryFrame(frame.TagSolar,
				float32(5), float32(0.5), float32(5.5), float32(0.25), float32(6), float32(1), float32(0), float32(0)),
			want: SolarArray{Panels: [4]SolarPanel{{5, 0.5}, {5.5, 0.25}, {6, 1}, {0, 0}}},
		},
		{
			name: "retransmit echo",
			in:   telemetryFrame(frame.TagRetransmit, []byte("ok 3,4\r\n")),
			want: RetransmitEcho{Text: "ok 3,4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(zerolog.Nop())
			got, ok, err := d.Decode(tt.in)
			if err != nil || !ok {
				t.Fatalf("Decode() = %v, %v, %v", got, ok, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if got.Tag() != tt.in.Tag {
				t.Errorf("got tag %s, want %s", got.Tag(), tt.in.Tag)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   frame.Frame
		want error
	}{
		{"short gyro", frame.Frame{Kind: frame.KindTelemetry, Tag: frame.TagGyro, Data: []byte("GYRO\x00\x00\x00\x00")}, ErrShortFrame},
		{"short poll header", frame.Frame{Kind: frame.KindTelemetry, Tag: frame.TagPoll, Data: []byte("POLL\x04")}, ErrShortFrame},
		{"unknown tag", frame.Frame{Kind: frame.KindTelemetry, Tag: "ZZZZ", Data: []byte("ZZZZ")}, ErrUnknownTag},
		{"text frame", frame.Frame{Kind: frame.KindText, Text: "hello"}, ErrNotBinary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(zerolog.Nop())
			_, ok, err := d.Decode(tt.in)
			if ok {
				t.Fatal("expected failure")
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			var de *DecodeError
			if !errors.As(err, &de) || de.Tag != tt.in.Tag {
				t.Errorf("got %#v, want a DecodeError for %s", err, tt.in.Tag)
			}
		})
	}

	t.Run("short frame sizes", func(t *testing.T) {
		d := NewDecoder(zerolog.Nop())
		_, _, err := d.Decode(frame.Frame{Kind: frame.KindTelemetry, Tag: frame.TagAttitude, Data: make([]byte, 10)})
		var de *DecodeError
		if !errors.As(err, &de) || de.Want != 32 || de.Got != 10 {
			t.Fatalf("got %#v, want Want=32 Got=10", err)
		}
	})
}

func TestDecodePollAccumulates(t *testing.T) {
	d := NewDecoder(zerolog.Nop())

	rec, ok, err := d.Decode(pollFrame(pollPayload(0, 10)))
	if rec != nil || ok || err != nil {
		t.Fatalf("first block: got %v, %v, %v, want pending", rec, ok, err)
	}
	if d.PollPending() != 40 {
		t.Fatalf("got %d pending bytes, want 40", d.PollPending())
	}

	rec, ok, err = d.Decode(pollFrame(pollPayload(10, 6)))
	if err != nil || !ok {
		t.Fatalf("second block: got %v, %v, %v", rec, ok, err)
	}
	sample := rec.(PollSample)
	for i, v := range sample.Values {
		if v != float32(i) {
			t.Errorf("value %d: got %v, want %v", i, v, float32(i))
		}
	}
	if d.PollPending() != 0 {
		t.Errorf("got %d pending bytes after a full block", d.PollPending())
	}
}

func TestDecodePollDropsExcess(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	d.Decode(pollFrame(pollPayload(0, 10)))

	rec, ok, err := d.Decode(pollFrame(pollPayload(10, 10)))
	if err != nil || !ok {
		t.Fatalf("got %v, %v, %v", rec, ok, err)
	}
	if got := rec.(PollSample).Values[PollValues-1]; got != 15 {
		t.Errorf("got last value %v, want 15", got)
	}
	if d.PollPending() != 0 {
		t.Errorf("got %d pending bytes, want the excess dropped", d.PollPending())
	}
}

func TestFrameSize(t *testing.T) {
	tests := []struct {
		tag  frame.Tag
		size int
	}{
		{frame.TagGyro, 16},
		{frame.TagEnvironment, 16},
		{frame.TagOBCRAM, 8},
		{frame.TagOBCProcs, 234},
		{frame.TagAttitude, 32},
		{frame.TagPower, 28},
		{frame.TagHostname, 15},
		{frame.TagSolar, 36},
		{frame.TagPoll, frame.VariableSize},
		{frame.TagRetransmit, frame.VariableSize},
	}
	for _, tt := range tests {
		t.Run(string(tt.tag), func(t *testing.T) {
			got, ok := FrameSize(tt.tag)
			if !ok || got != tt.size {
				t.Errorf("FrameSize(%s) = %d, %v, want %d", tt.tag, got, ok, tt.size)
			}
		})
	}
	if _, ok := FrameSize(frame.TagSendImage); ok {
		t.Error("SEND has no telemetry layout")
	}
}
