package image

import (
	"fmt"
	"path"
	"time"

	"github.com/norasector/satlink/pkg/frame"
	"github.com/norasector/satlink/pkg/output"
	"github.com/rs/zerolog"
)

const DefaultFilename = "image.jpg"

type Outcome int

const (
	// OutcomeResponse means the frame carried no chunk metadata and was passed
	// on as a command response.
	OutcomeResponse Outcome = iota
	OutcomeStored
	OutcomeDuplicate
	OutcomeCompleted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResponse:
		return "response"
	case OutcomeStored:
		return "stored"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Completion describes a reconstructed image.
type Completion struct {
	ReceptionID  string
	Filename     string
	Total        int
	Payload      string
	Compressed   []byte
	Decompressed []byte
}

type Result struct {
	Outcome    Outcome
	Chunk      Chunk
	Text       string
	Reception  *Reception
	Completion *Completion
	Err        error
	// NeedsRetransmit is set when the final index arrived while gaps remain.
	NeedsRetransmit bool
}

// Reassembler collects image chunks into receptions and rebuilds the image
// when every chunk is present. It is not safe for concurrent use.
type Reassembler struct {
	receptions map[int]*Reception
	target     string
	sink       output.Sink
	logger     zerolog.Logger
	now        func() time.Time
}

type Option func(r *Reassembler)

func WithClock(now func() time.Time) Option {
	return func(r *Reassembler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTarget sets the filename used for receptions until SetTarget is called.
func WithTarget(filename string) Option {
	return func(r *Reassembler) {
		if filename != "" {
			r.target = filename
		}
	}
}

func NewReassembler(sink output.Sink, logger zerolog.Logger, opts ...Option) *Reassembler {
	if sink == nil {
		sink = output.NopSink{}
	}
	r := &Reassembler{
		receptions: make(map[int]*Reception),
		target:     DefaultFilename,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTarget registers the remote filename that new receptions belong to.
func (r *Reassembler) SetTarget(filename string) {
	if filename != "" {
		r.target = filename
	}
}

func (r *Reassembler) Target() string {
	return r.target
}

func (r *Reassembler) Reception(total int) (*Reception, bool) {
	rec, ok := r.receptions[total]
	return rec, ok
}

// Receptions returns every open reception ordered by chunk count.
func (r *Reassembler) Receptions() []*Reception {
	out := make([]*Reception, 0, len(r.receptions))
	for _, rec := range r.receptions {
		out = append(out, rec)
	}
	sortedByTotal(out)
	return out
}

func (r *Reassembler) Receive(f frame.Frame) Result {
	chunk, ok := ParseChunk(f.Data)
	if !ok {
		text := responseText(f.Data)
		if text != "" {
			r.sink.Log(text, output.SeverityInfo)
		}
		return Result{Outcome: OutcomeResponse, Text: text}
	}

	now := r.now()
	rec, ok := r.receptions[chunk.Total]
	if ok && rec.Failed {
		// A failed reception never completes, so the next chunk under its key
		// starts a new image.
		r.logger.Info().
			Str("reception_id", rec.ID.String()).
			Int("total", rec.Total).
			Msg("replacing failed image reception")
		ok = false
	}
	if !ok {
		rec = newReception(chunk.Total, r.target, now)
		r.receptions[chunk.Total] = rec
		r.logger.Info().
			Str("reception_id", rec.ID.String()).
			Int("total", rec.Total).
			Str("filename", rec.Filename).
			Msg("image reception started")
	}

	if rec.Has(chunk.Index) {
		return Result{Outcome: OutcomeDuplicate, Chunk: chunk, Reception: rec}
	}

	rec.store(chunk, now)
	r.logger.Debug().
		Str("reception_id", rec.ID.String()).
		Int("index", chunk.Index).
		Int("received", len(rec.Received)).
		Int("total", rec.Total).
		Msg("image chunk stored")

	if !rec.Complete() {
		return Result{
			Outcome:         OutcomeStored,
			Chunk:           chunk,
			Reception:       rec,
			NeedsRetransmit: chunk.Index == rec.Total-1,
		}
	}

	completion, err := r.complete(rec)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Chunk: chunk, Reception: rec, Err: err}
	}
	return Result{Outcome: OutcomeCompleted, Chunk: chunk, Reception: rec, Completion: completion}
}

// complete rebuilds the image. On a reconstruction failure the reception is
// kept and marked failed; otherwise it is removed.
func (r *Reassembler) complete(rec *Reception) (*Completion, error) {
	payload, err := Assemble(rec)
	if err == nil {
		var compressed []byte
		compressed, err = DecodePayload(payload)
		if err == nil {
			return r.finish(rec, payload, compressed), nil
		}
	}

	rec.Failed = true
	r.sink.Log(fmt.Sprintf("image %s (%d chunks) could not be reconstructed: %v", rec.Filename, rec.Total, err), output.SeverityError)
	r.logger.Error().
		Err(err).
		Str("reception_id", rec.ID.String()).
		Int("total", rec.Total).
		Msg("image reconstruction failed")
	return nil, err
}

func (r *Reassembler) finish(rec *Reception, payload string, compressed []byte) *Completion {
	if !IsGzip(compressed) {
		r.sink.Log(fmt.Sprintf("image %s: %v, magic % x", rec.Filename, ErrNotGzip, firstBytes(compressed, 2)), output.SeverityWarning)
	}

	decompressed, err := Gunzip(compressed)
	if err != nil {
		decompressed = nil
		r.sink.Log(fmt.Sprintf("image %s: decompression failed, keeping compressed bytes: %v", rec.Filename, err), output.SeverityWarning)
	}

	c := &Completion{
		ReceptionID:  rec.ID.String(),
		Filename:     rec.Filename,
		Total:        rec.Total,
		Payload:      payload,
		Compressed:   compressed,
		Decompressed: decompressed,
	}

	r.sink.Artifact(output.Artifact{
		Name:         artifactName(rec),
		Source:       rec.Filename,
		Compressed:   compressed,
		Decompressed: decompressed,
	})
	r.sink.Log(fmt.Sprintf("image %s received: %d chunks, %d bytes compressed, %d bytes decompressed",
		rec.Filename, rec.Total, len(compressed), len(decompressed)), output.SeverityInfo)

	delete(r.receptions, rec.Total)
	return c
}

// Stale returns receptions idle for longer than threshold, failed ones included.
func (r *Reassembler) Stale(now time.Time, threshold time.Duration) []*Reception {
	var out []*Reception
	for _, rec := range r.receptions {
		if now.Sub(rec.LastActivity) > threshold {
			out = append(out, rec)
		}
	}
	sortedByTotal(out)
	return out
}

// Discard drops a reception without reconstructing it.
func (r *Reassembler) Discard(total int) bool {
	if _, ok := r.receptions[total]; !ok {
		return false
	}
	delete(r.receptions, total)
	return true
}

func artifactName(rec *Reception) string {
	name := path.Base(rec.Filename)
	if name == "." || name == "/" || name == "" {
		name = DefaultFilename
	}
	return rec.ID.String()[:8] + "_" + name
}

func firstBytes(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}
