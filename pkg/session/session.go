package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/norasector/satlink/pkg/command"
	"github.com/norasector/satlink/pkg/frame"
	"github.com/norasector/satlink/pkg/image"
	"github.com/norasector/satlink/pkg/output"
	"github.com/norasector/satlink/pkg/retransmit"
	"github.com/norasector/satlink/pkg/telemetry"
	"github.com/norasector/satlink/pkg/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const outboxSize = 16

var (
	ErrUnknownReception = errors.New("session: no reception with that chunk count")
	ErrNothingMissing   = errors.New("session: reception has no missing chunks")
	ErrOutboxFull       = errors.New("session: command queue full")
)

// RecordObserver receives every decoded telemetry record.
type RecordObserver interface {
	Record(rec telemetry.Record, ts time.Time)
}

type Options struct {
	Lookahead        int
	EchoCap          int
	MaxPollPayload   int
	DefaultFilename  string
	RetransmitBudget int
	MaxAttempts      int
	BatchDelay       time.Duration
	ScanInterval     time.Duration
	StaleAfter       time.Duration
	// IdleFlush is how long the input must be quiet before buffered bytes are
	// flushed through the classifier. Zero disables idle flushing.
	IdleFlush      time.Duration
	AutoRetransmit bool
}

func DefaultOptions() Options {
	return Options{
		Lookahead:        frame.DefaultLookahead,
		EchoCap:          frame.EchoCap,
		MaxPollPayload:   frame.DefaultMaxPollPayload,
		DefaultFilename:  image.DefaultFilename,
		RetransmitBudget: retransmit.DefaultBudget,
		MaxAttempts:      retransmit.DefaultMaxAttempts,
		BatchDelay:       retransmit.DefaultBatchDelay,
		ScanInterval:     retransmit.DefaultScanInterval,
		StaleAfter:       retransmit.DefaultStaleAfter,
		IdleFlush:        2 * time.Second,
		AutoRetransmit:   true,
	}
}

// Session is the decoding state for one link connection. All component state
// is owned by the goroutine running Start; other goroutines reach it through
// SendCommand, RequestRetransmit and Receptions.
type Session struct {
	dev  *lockedWriter
	opts Options

	classifier  *frame.Classifier
	decoder     *telemetry.Decoder
	reassembler *image.Reassembler
	coordinator *retransmit.Coordinator

	sink        output.Sink
	orientation output.OrientationSink
	observers   []RecordObserver
	metrics     *output.Metrics
	logger      zerolog.Logger
	now         func() time.Time

	requests chan request
	outbox   chan []string
}

type request struct {
	fn   func()
	done chan struct{}
}

type Option func(s *Session)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

func WithSink(sink output.Sink) Option {
	return func(s *Session) {
		if sink != nil {
			s.sink = sink
		}
	}
}

func WithOrientation(o output.OrientationSink) Option {
	return func(s *Session) {
		if o != nil {
			s.orientation = o
		}
	}
}

func WithObservers(obs ...RecordObserver) Option {
	return func(s *Session) {
		s.observers = append(s.observers, obs...)
	}
}

func WithMetrics(m *output.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a session writing outbound commands to dev.
func New(dev io.Writer, opts Options, options ...Option) *Session {
	s := &Session{
		dev:         &lockedWriter{w: dev},
		opts:        opts,
		sink:        output.NopSink{},
		orientation: output.NopOrientation{},
		metrics:     output.NewMetrics(nil),
		logger:      log.Logger,
		now:         time.Now,
		requests:    make(chan request),
		outbox:      make(chan []string, outboxSize),
	}
	for _, opt := range options {
		opt(s)
	}

	s.classifier = frame.NewClassifier(s.logger.With().Str("component", "classifier").Logger(),
		frame.WithLookahead(opts.Lookahead),
		frame.WithEchoCap(opts.EchoCap),
		frame.WithMaxPollPayload(opts.MaxPollPayload),
	)
	s.decoder = telemetry.NewDecoder(s.logger.With().Str("component", "telemetry").Logger())
	s.reassembler = image.NewReassembler(s.sink, s.logger.With().Str("component", "image").Logger(),
		image.WithClock(s.now),
		image.WithTarget(opts.DefaultFilename),
	)
	s.coordinator = retransmit.NewCoordinator(s.dev, s.sink, s.logger.With().Str("component", "retransmit").Logger(),
		retransmit.WithBudget(opts.RetransmitBudget),
		retransmit.WithMaxAttempts(opts.MaxAttempts),
		retransmit.WithBatchDelay(opts.BatchDelay),
		retransmit.WithStaleAfter(opts.StaleAfter),
	)
	return s
}

// Start runs the session until ctx is cancelled or in is closed. Queued
// retransmission batches are sent on a separate goroutine so the batch delay
// never stalls decoding. Batches still queued when in closes are sent before
// Start returns.
func (s *Session) Start(ctx context.Context, in <-chan []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	closed := make(chan struct{})
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.sendOutbox(ctx, closed)
	})
	eg.Go(func() error {
		err := s.run(ctx, in)
		if err != nil {
			cancel()
			return err
		}
		close(closed)
		return nil
	})
	return eg.Wait()
}

func (s *Session) run(ctx context.Context, in <-chan []byte) error {
	scanInterval := s.opts.ScanInterval
	if scanInterval <= 0 {
		scanInterval = retransmit.DefaultScanInterval
	}
	scan := time.NewTicker(scanInterval)
	defer scan.Stop()

	var (
		idle  *time.Timer
		idleC <-chan time.Time
	)
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case data, ok := <-in:
			if !ok {
				s.Flush()
				s.logger.Info().Msg("link input closed")
				return nil
			}
			s.Process(data)

			if s.opts.IdleFlush > 0 {
				if idle != nil {
					idle.Stop()
				}
				idle = time.NewTimer(s.opts.IdleFlush)
				idleC = idle.C
			}

		case <-idleC:
			idleC = nil
			if s.classifier.Buffered() > 0 {
				s.FlushIdle()
			}

		case <-scan.C:
			s.Scan()

		case req := <-s.requests:
			req.fn()
			close(req.done)
		}
	}
}

// sendOutbox writes queued batches until ctx ends or closed fires. Once closed
// fires nothing else is queued, so whatever is left is sent and it returns.
func (s *Session) sendOutbox(ctx context.Context, closed <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			s.dropOutbox()
			return nil
		case cmds := <-s.outbox:
			s.send(ctx, cmds)
		case <-closed:
			for {
				select {
				case cmds := <-s.outbox:
					s.send(ctx, cmds)
				default:
					return nil
				}
			}
		}
	}
}

func (s *Session) send(ctx context.Context, cmds []string) {
	if err := s.coordinator.Send(ctx, cmds); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("error sending retransmit request")
	}
}

// dropOutbox empties the queue after shutdown and reports what was lost.
func (s *Session) dropOutbox() int {
	batches, commands := 0, 0
drain:
	for {
		select {
		case cmds := <-s.outbox:
			batches++
			commands += len(cmds)
		default:
			break drain
		}
	}
	if batches > 0 {
		s.logger.Warn().
			Int("batches", batches).
			Int("commands", commands).
			Msg("dropping queued retransmit requests on shutdown")
		s.sink.Log(fmt.Sprintf("shutdown dropped %d queued retransmit request(s)", commands), output.SeverityWarning)
	}
	return batches
}

// do runs fn on the session goroutine and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.requests <- req:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-req.done:
		return nil
	}
}

// Process feeds one chunk of link bytes through the pipeline. It must only be
// called from the goroutine that owns the session: Start's loop, or a caller
// that never runs Start.
func (s *Session) Process(data []byte) {
	var frames []frame.Frame
	elapsed := util.TimeOperation(func() {
		frames = s.classifier.Receive(data)
	})
	s.dispatch(frames)
	s.metrics.Classifier(s.classifier.Stats(), s.classifier.Buffered(), elapsed.Microseconds())
}

// Flush pushes whatever the classifier is still holding through the pipeline.
// It is meant for end of input: partial frames are dropped or emitted as text.
func (s *Session) Flush() {
	s.dispatch(s.classifier.Flush())
}

// FlushIdle hands short image replies on once the link goes quiet and leaves
// everything else buffered.
func (s *Session) FlushIdle() {
	s.dispatch(s.classifier.FlushIdle())
}

// Scan reports stalled receptions. Start runs it on every scan interval.
func (s *Session) Scan() []retransmit.Report {
	now := s.now()
	stale := s.reassembler.Stale(now, s.coordinator.StaleAfter())
	if len(stale) == 0 {
		return nil
	}
	return s.coordinator.Scan(now, stale)
}

func (s *Session) dispatch(frames []frame.Frame) {
	for _, f := range frames {
		s.metrics.Frame(f)
		switch f.Kind {
		case frame.KindText:
			s.sink.Log(f.Text, output.SeverityInfo)
		case frame.KindTelemetry:
			s.handleTelemetry(f)
		case frame.KindImageChunk:
			s.handleChunk(f)
		}
	}
}

func (s *Session) handleTelemetry(f frame.Frame) {
	rec, ok, err := s.decoder.Decode(f)
	if err != nil {
		s.metrics.DecodeFailure(f.Tag, len(f.Data))
		s.sink.Log(fmt.Sprintf("telemetry %s dropped: %v", f.Tag, err), output.SeverityWarning)
		return
	}
	if !ok {
		return
	}

	ts := s.now()
	switch r := rec.(type) {
	case telemetry.Attitude:
		s.orientation.Orientation(r.Roll, r.Pitch, r.Yaw)
	case telemetry.RetransmitEcho:
		s.sink.Log("retransmit acknowledged: "+r.Text, output.SeverityInfo)
	}

	s.logger.Debug().Str("tag", string(rec.Tag())).Fields(rec.Fields()).Msg("telemetry")
	for _, obs := range s.observers {
		obs.Record(rec, ts)
	}
}

func (s *Session) handleChunk(f frame.Frame) {
	res := s.reassembler.Receive(f)
	if res.Outcome == image.OutcomeResponse {
		return
	}

	received := 0
	if res.Reception != nil {
		received = len(res.Reception.Received)
	}
	s.metrics.Image(res.Outcome.String(), res.Chunk.Total, received)

	if res.NeedsRetransmit && s.opts.AutoRetransmit {
		if _, err := s.retransmit(res.Reception); err != nil && !errors.Is(err, retransmit.ErrAbandoned) {
			s.logger.Warn().Err(err).Int("total", res.Chunk.Total).Msg("automatic retransmit not queued")
		}
	}
}

func (s *Session) retransmit(rec *image.Reception) ([]string, error) {
	cmds, err := s.coordinator.Request(rec)
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, ErrNothingMissing
	}
	s.metrics.Retransmit(rec.Total, len(rec.Missing()), len(cmds), rec.Attempts)

	select {
	case s.outbox <- cmds:
		return cmds, nil
	default:
		s.sink.Log(fmt.Sprintf("retransmit queue full, dropping request for %s", rec.Filename), output.SeverityWarning)
		return nil, ErrOutboxFull
	}
}

// SendCommand writes an operator command to the link. A SEND_IMAGE command
// registers its path as the filename for the next reception.
func (s *Session) SendCommand(ctx context.Context, cmd string) error {
	cmd = command.Terminate(strings.TrimSpace(cmd))
	if target, ok := command.ImageTarget(cmd); ok {
		if err := s.do(ctx, func() { s.reassembler.SetTarget(target) }); err != nil {
			return err
		}
	}
	if _, err := s.dev.Write([]byte(cmd)); err != nil {
		s.sink.Log(fmt.Sprintf("failed to send %q: %v", strings.TrimSpace(cmd), err), output.SeverityError)
		return err
	}
	s.sink.Log("sent: "+strings.TrimSpace(cmd), output.SeverityDebug)
	return nil
}

// RequestRetransmit asks for the missing chunks of the reception with the
// given chunk count. The request counts against its attempt ceiling.
func (s *Session) RequestRetransmit(ctx context.Context, total int) ([]string, error) {
	var (
		cmds []string
		rerr error
	)
	err := s.do(ctx, func() {
		rec, ok := s.reassembler.Reception(total)
		if !ok {
			rerr = ErrUnknownReception
			return
		}
		cmds, rerr = s.retransmit(rec)
	})
	if err != nil {
		return nil, err
	}
	return cmds, rerr
}

// DiscardReception drops the reception with the given chunk count without
// rebuilding it, freeing its key for the next image.
func (s *Session) DiscardReception(ctx context.Context, total int) error {
	var rerr error
	err := s.do(ctx, func() {
		if !s.reassembler.Discard(total) {
			rerr = ErrUnknownReception
			return
		}
		s.sink.Log(fmt.Sprintf("discarded image reception with %d chunks", total), output.SeverityInfo)
	})
	if err != nil {
		return err
	}
	return rerr
}

// Receptions snapshots the open receptions.
func (s *Session) Receptions(ctx context.Context) ([]image.Status, error) {
	var out []image.Status
	err := s.do(ctx, func() {
		out = s.statuses()
	})
	return out, err
}

func (s *Session) statuses() []image.Status {
	recs := s.reassembler.Receptions()
	out := make([]image.Status, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Status())
	}
	return out
}

// lockedWriter serialises writes from the outbox and operator commands so
// lines never interleave on the link.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
