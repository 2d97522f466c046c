package retransmit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/norasector/satlink/pkg/image"
	"github.com/norasector/satlink/pkg/output"
	"github.com/rs/zerolog"
)

const (
	DefaultBudget       = 60
	DefaultMaxAttempts  = 3
	DefaultBatchDelay   = 2 * time.Second
	DefaultScanInterval = 10 * time.Second
	DefaultStaleAfter   = 30 * time.Second
)

var ErrAbandoned = errors.New("retransmit: attempt ceiling reached")

// Report is what the timeout scan found for one stalled reception.
type Report struct {
	Status   image.Status
	Commands []string
}

// Coordinator plans and sends retransmission requests for missing chunks.
// Request and Scan mutate receptions and must run on the goroutine that owns
// the reassembler; Send only touches the writer.
type Coordinator struct {
	w           io.Writer
	sink        output.Sink
	logger      zerolog.Logger
	budget      int
	maxAttempts int
	batchDelay  time.Duration
	staleAfter  time.Duration
}

type Option func(c *Coordinator)

func WithBudget(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.budget = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBatchDelay sets the pause between consecutive commands. Zero disables it.
func WithBatchDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.batchDelay = d
		}
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

func NewCoordinator(w io.Writer, sink output.Sink, logger zerolog.Logger, opts ...Option) *Coordinator {
	if sink == nil {
		sink = output.NopSink{}
	}
	c := &Coordinator{
		w:           w,
		sink:        sink,
		logger:      logger,
		budget:      DefaultBudget,
		maxAttempts: DefaultMaxAttempts,
		batchDelay:  DefaultBatchDelay,
		staleAfter:  DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) StaleAfter() time.Duration {
	return c.staleAfter
}

// Request counts an attempt against rec and returns the commands that ask for
// its missing chunks. Nothing is returned when nothing is missing.
func (c *Coordinator) Request(rec *image.Reception) ([]string, error) {
	missing := rec.Missing()
	if len(missing) == 0 {
		return nil, nil
	}

	rec.Attempts++
	if rec.Attempts > c.maxAttempts {
		if rec.Attempts == c.maxAttempts+1 {
			c.sink.Log(fmt.Sprintf("giving up on image %s after %d retransmission attempts, %d of %d chunks missing (%s)",
				rec.Filename, c.maxAttempts, len(missing), rec.Total, Summarize(missing)), output.SeverityWarning)
		}
		return nil, ErrAbandoned
	}

	cmds := BuildCommands(rec.Filename, missing, c.budget)
	for _, cmd := range cmds {
		if len(cmd) > c.budget {
			c.logger.Warn().
				Int("length", len(cmd)).
				Int("budget", c.budget).
				Str("filename", rec.Filename).
				Msg("retransmit command exceeds budget")
		}
	}

	c.sink.Log(fmt.Sprintf("requesting %d missing chunks of %s (attempt %d/%d): %s",
		len(missing), rec.Filename, rec.Attempts, c.maxAttempts, Summarize(missing)), output.SeverityInfo)
	c.logger.Info().
		Str("reception_id", rec.ID.String()).
		Int("missing", len(missing)).
		Int("commands", len(cmds)).
		Int("attempt", rec.Attempts).
		Msg("retransmission requested")
	return cmds, nil
}

// Send writes cmds in order, pausing between batches so the half-duplex link
// is not flooded. It returns early when ctx is cancelled.
func (c *Coordinator) Send(ctx context.Context, cmds []string) error {
	for i, cmd := range cmds {
		if i > 0 && c.batchDelay > 0 {
			timer := time.NewTimer(c.batchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if _, err := c.w.Write([]byte(cmd)); err != nil {
			c.sink.Log(fmt.Sprintf("failed to send %q: %v", strings.TrimSpace(cmd), err), output.SeverityError)
			return err
		}
	}
	return nil
}

// Scan reports receptions that have been idle beyond the stale threshold. It
// never retries on its own: it only refreshes the activity timestamp so the
// same stall is not reported on every scan.
func (c *Coordinator) Scan(now time.Time, stale []*image.Reception) []Report {
	reports := make([]Report, 0, len(stale))
	for _, rec := range stale {
		if rec.Failed {
			c.sink.Log(fmt.Sprintf("image %s (%d chunks) failed reconstruction and has been idle %s; discard it or resend the image",
				rec.Filename, rec.Total, now.Sub(rec.LastActivity).Round(time.Second)), output.SeverityWarning)
			rec.LastActivity = now
			reports = append(reports, Report{Status: rec.Status()})
			continue
		}
		missing := rec.Missing()
		cmds := BuildCommands(rec.Filename, missing, c.budget)

		c.sink.Log(fmt.Sprintf("image %s stalled: %d/%d chunks after %s idle, missing %s; to request them send: %s",
			rec.Filename, len(rec.Received), rec.Total, now.Sub(rec.LastActivity).Round(time.Second),
			Summarize(missing), strings.Join(trimAll(cmds), " / ")), output.SeverityWarning)

		rec.LastActivity = now
		reports = append(reports, Report{Status: rec.Status(), Commands: cmds})
	}
	return reports
}

func trimAll(cmds []string) []string {
	out := make([]string, len(cmds))
	for i, cmd := range cmds {
		out[i] = strings.TrimSpace(cmd)
	}
	return out
}
