package image

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/norasector/satlink/pkg/frame"
	"github.com/norasector/satlink/pkg/output"
	"github.com/rs/zerolog"
)

type recordingSink struct {
	mu        sync.Mutex
	logs      []string
	severity  []output.Severity
	artifacts []output.Artifact
}

func (s *recordingSink) Log(message string, severity output.Severity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, message)
	s.severity = append(s.severity, severity)
}

func (s *recordingSink) Artifact(a output.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, a)
}

func (s *recordingSink) hasLog(substr string, severity output.Severity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.logs {
		if strings.Contains(l, substr) && s.severity[i] == severity {
			return true
		}
	}
	return false
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// chunkFrames splits the base64 form of payload into total chunk frames.
func chunkFrames(payload []byte, total int) []frame.Frame {
	encoded := base64.StdEncoding.EncodeToString(payload)
	size := (len(encoded) + total - 1) / total
	frames := make([]frame.Frame, 0, total)
	for i := 0; i < total; i++ {
		start, end := i*size, (i+1)*size
		if end > len(encoded) {
			end = len(encoded)
		}
		data := fmt.Sprintf("SEND%s%04d%04d", encoded[start:end], total, i)
		frames = append(frames, frame.Frame{Kind: frame.KindImageChunk, Tag: frame.TagSendImage, Data: []byte(data)})
	}
	return frames
}

func testImage() []byte {
	return bytes.Repeat([]byte("\xff\xd8\xff\xe0 fake jpeg body "), 20)
}

func TestParseChunk(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		ok    bool
		total int
		index int
		body  string
	}{
		{"valid", "SENDaGVsbG8=00050002", true, 5, 2, "aGVsbG8="},
		{"retx header", "RETXaGVsbG8=00030000", true, 3, 0, "aGVsbG8="},
		{"non alphabet bytes ignored", "SENDaGV sbG8=\r0005 0004", true, 5, 4, "aGVsbG8="},
		{"too short", "SENDab00010000", false, 0, 0, ""},
		{"letters in metadata", "SENDaGVsbG8=0005000x", false, 0, 0, ""},
		{"index out of range", "SENDaGVsbG8=00050005", false, 0, 0, ""},
		{"zero total", "SENDaGVsbG8=00000000", false, 0, 0, ""},
		{"command reply", "SEND_IMAGE ok", false, 0, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := ParseChunk([]byte(tt.data))
			if ok != tt.ok {
				t.Fatalf("ParseChunk(%q) ok = %v, want %v", tt.data, ok, tt.ok)
			}
			if !ok {
				return
			}
			if c.Total != tt.total || c.Index != tt.index || c.Payload != tt.body {
				t.Errorf("got %+v", c)
			}
		})
	}
}

func TestReassemblerCompletes(t *testing.T) {
	sink := &recordingSink{}
	r := NewReassembler(sink, zerolog.Nop())
	r.SetTarget("/home/pi/capture.jpg")

	img := testImage()
	frames := chunkFrames(gzipped(t, img), 5)

	completions := 0
	for _, idx := range []int{3, 0, 4, 1, 2} {
		res := r.Receive(frames[idx])
		if res.Outcome == OutcomeCompleted {
			completions++
			if !bytes.Equal(res.Completion.Decompressed, img) {
				t.Fatalf("decompressed image does not match")
			}
			if res.Completion.Filename != "/home/pi/capture.jpg" || res.Completion.Total != 5 {
				t.Errorf("got completion %+v", res.Completion)
			}
		}
	}

	if completions != 1 {
		t.Fatalf("got %d completions, want 1", completions)
	}
	if _, ok := r.Reception(5); ok {
		t.Error("reception should be removed after completion")
	}
	if len(sink.artifacts) != 1 {
		t.Fatalf("got %d artifacts, want 1", len(sink.artifacts))
	}
	a := sink.artifacts[0]
	if !strings.HasSuffix(a.Name, "_capture.jpg") || a.Source != "/home/pi/capture.jpg" {
		t.Errorf("got artifact %q from %q", a.Name, a.Source)
	}
	if !bytes.Equal(a.Decompressed, img) || !IsGzip(a.Compressed) {
		t.Error("artifact buffers do not match the image")
	}
}

func TestReassemblerDuplicateIsNoop(t *testing.T) {
	sink := &recordingSink{}
	r := NewReassembler(sink, zerolog.Nop())
	frames := chunkFrames(gzipped(t, testImage()), 3)

	r.Receive(frames[0])
	rec, _ := r.Reception(3)
	before := rec.LastActivity

	res := r.Receive(frames[0])
	if res.Outcome != OutcomeDuplicate {
		t.Fatalf("got outcome %s, want duplicate", res.Outcome)
	}
	if len(rec.Received) != 1 || !rec.LastActivity.Equal(before) {
		t.Errorf("duplicate changed the reception: %+v", rec.Status())
	}
	if len(sink.logs) != 0 {
		t.Errorf("duplicate should be silent, got %q", sink.logs)
	}
}

func TestReassemblerResponse(t *testing.T) {
	sink := &recordingSink{}
	r := NewReassembler(sink, zerolog.Nop())

	res := r.Receive(frame.Frame{Kind: frame.KindImageChunk, Tag: frame.TagSendImage, Data: []byte("SEND_IMAGE started")})
	if res.Outcome != OutcomeResponse || res.Text != "SEND_IMAGE started" {
		t.Fatalf("got %+v", res)
	}
	if !sink.hasLog("SEND_IMAGE started", output.SeverityInfo) {
		t.Errorf("response not logged: %q", sink.logs)
	}
	if len(r.Receptions()) != 0 {
		t.Error("response must not start a reception")
	}
}

func TestReassemblerNeedsRetransmit(t *testing.T) {
	r := NewReassembler(nil, zerolog.Nop())
	frames := chunkFrames(gzipped(t, testImage()), 4)

	if res := r.Receive(frames[0]); res.NeedsRetransmit {
		t.Fatal("no gap is known before the last index")
	}
	res := r.Receive(frames[3])
	if !res.NeedsRetransmit {
		t.Fatal("last index with gaps should ask for a retransmit")
	}
	if got := res.Reception.Missing(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("got missing %v, want [1 2]", got)
	}
}

func TestReassemblerNotGzip(t *testing.T) {
	sink := &recordingSink{}
	r := NewReassembler(sink, zerolog.Nop())

	raw := []byte("plain bytes that were never compressed")
	var res Result
	for _, f := range chunkFrames(raw, 2) {
		res = r.Receive(f)
	}

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("got outcome %s, want completed", res.Outcome)
	}
	if res.Completion.Decompressed != nil || !bytes.Equal(res.Completion.Compressed, raw) {
		t.Errorf("got completion %+v", res.Completion)
	}
	if !sink.hasLog("not gzip", output.SeverityWarning) || !sink.hasLog("decompression failed", output.SeverityWarning) {
		t.Errorf("missing warnings: %q", sink.logs)
	}
	if len(sink.artifacts) != 1 || sink.artifacts[0].Decompressed != nil {
		t.Errorf("compressed bytes should still be saved")
	}
	if _, ok := r.Reception(2); ok {
		t.Error("reception should be removed")
	}
}

func TestReassemblerInvalidBase64(t *testing.T) {
	sink := &recordingSink{}
	r := NewReassembler(sink, zerolog.Nop())

	// A single leftover symbol cannot be decoded.
	r.Receive(frame.Frame{Kind: frame.KindImageChunk, Data: []byte("SENDQUJDREVG00020000")})
	res := r.Receive(frame.Frame{Kind: frame.KindImageChunk, Data: []byte("SENDQUJDR00020001")})

	if res.Outcome != OutcomeFailed || !errors.Is(res.Err, ErrInvalidBase64) {
		t.Fatalf("got %+v, want invalid base64 failure", res)
	}
	rec, ok := r.Reception(2)
	if !ok || !rec.Failed {
		t.Fatal("failed reception should be kept and marked")
	}
	if len(sink.artifacts) != 0 {
		t.Error("no artifact for a failed reconstruction")
	}
	if !sink.hasLog("could not be reconstructed", output.SeverityError) {
		t.Errorf("failure not reported: %q", sink.logs)
	}

}

func TestReassemblerReplacesFailedReception(t *testing.T) {
	sink := &recordingSink{}
	r := NewReassembler(sink, zerolog.Nop())

	r.Receive(frame.Frame{Kind: frame.KindImageChunk, Data: []byte("SENDAB=CDEFG00020000")})
	if res := r.Receive(frame.Frame{Kind: frame.KindImageChunk, Data: []byte("SENDHIJK00020001")}); res.Outcome != OutcomeFailed {
		t.Fatalf("got outcome %s, want failed", res.Outcome)
	}
	failed, _ := r.Reception(2)

	img := testImage()
	var outcomes []Outcome
	for _, f := range chunkFrames(gzipped(t, img), 2) {
		outcomes = append(outcomes, r.Receive(f).Outcome)
	}
	if want := []Outcome{OutcomeStored, OutcomeCompleted}; !reflect.DeepEqual(outcomes, want) {
		t.Fatalf("got outcomes %v, want %v", outcomes, want)
	}
	if len(sink.artifacts) != 1 || !bytes.Equal(sink.artifacts[0].Decompressed, img) {
		t.Fatal("next image with the same chunk count was not rebuilt")
	}
	if strings.HasPrefix(sink.artifacts[0].Name, failed.ID.String()[:8]) {
		t.Error("new image reused the failed reception")
	}
	if _, ok := r.Reception(2); ok {
		t.Error("completed reception should be removed")
	}
}

func TestReassemblerStale(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewReassembler(nil, zerolog.Nop(), WithClock(func() time.Time { return now }))
	frames := chunkFrames(gzipped(t, testImage()), 3)
	r.Receive(frames[0])

	if got := r.Stale(now.Add(29*time.Second), 30*time.Second); len(got) != 0 {
		t.Fatalf("got %d stale receptions before the threshold", len(got))
	}
	if got := r.Stale(now.Add(31*time.Second), 30*time.Second); len(got) != 1 {
		t.Fatalf("got %d stale receptions, want 1", len(got))
	}

	rec, _ := r.Reception(3)
	rec.Failed = true
	if got := r.Stale(now.Add(31*time.Second), 30*time.Second); len(got) != 1 {
		t.Error("failed receptions should still be reported")
	}
	if !r.Discard(3) || r.Discard(3) {
		t.Error("Discard should remove the reception exactly once")
	}
}

func TestAssembleStripsInnerPadding(t *testing.T) {
	rec := newReception(3, DefaultFilename, time.Now())
	rec.store(Chunk{Total: 3, Index: 0, Payload: "QUJD=="}, time.Now())
	rec.store(Chunk{Total: 3, Index: 1, Payload: "REVG="}, time.Now())
	rec.store(Chunk{Total: 3, Index: 2, Payload: "R0g="}, time.Now())

	payload, err := Assemble(rec)
	if err != nil {
		t.Fatal(err)
	}
	if payload != "QUJDREVGR0g=" {
		t.Errorf("got %q", payload)
	}
	raw, err := DecodePayload(payload)
	if err != nil || string(raw) != "ABCDEFGH" {
		t.Errorf("DecodePayload() = %q, %v", raw, err)
	}

	delete(rec.Chunks, 1)
	if _, err := Assemble(rec); !errors.Is(err, ErrMissingChunk) {
		t.Errorf("got %v, want ErrMissingChunk", err)
	}
}
