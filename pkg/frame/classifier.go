package frame

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/rs/zerolog"
)

const (
	DefaultLookahead       = 1024
	DefaultMaxPollPayload  = 1024 - PollHeaderLength
	MinChunkPayload        = 5
	minImageChunkBufferLen = TagLength + 1
)

// Stats counts what the classifier has produced and thrown away.
type Stats struct {
	Text           int
	Telemetry      int
	ImageChunks    int
	Overflows      int
	DiscardedBytes int
	SkippedBytes   int
}

type result int

const (
	resultDecline result = iota
	resultWait
	resultEmit
)

// Classifier demultiplexes the link byte stream into text lines, telemetry
// frames and image chunks. It is not safe for concurrent use.
type Classifier struct {
	buf       []byte
	skipping  bool
	lookahead int
	echoCap   int
	maxPoll   int
	stats     Stats
	logger    zerolog.Logger
}

type Option func(c *Classifier)

// WithLookahead sets both the image chunk scan window and the overflow threshold.
func WithLookahead(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.lookahead = n
		}
	}
}

func WithEchoCap(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.echoCap = n
		}
	}
}

func WithMaxPollPayload(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.maxPoll = n
		}
	}
}

func NewClassifier(logger zerolog.Logger, opts ...Option) *Classifier {
	c := &Classifier{
		lookahead: DefaultLookahead,
		echoCap:   EchoCap,
		maxPoll:   DefaultMaxPollPayload,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Classifier) Receive(buf []byte) []Frame {
	c.buf = append(c.buf, buf...)
	return c.drain(false)
}

func (c *Classifier) Flush() []Frame {
	return c.drain(true)
}

// FlushIdle is called when the link goes quiet mid-stream. Only a short reply
// behind an image header is taken whole; partial telemetry and unterminated
// text stay buffered until more bytes arrive.
func (c *Classifier) FlushIdle() []Frame {
	if c.skipping || len(c.buf) < minImageChunkBufferLen || !IsImageHeader(Tag(c.buf[:TagLength])) {
		return nil
	}
	if _, found := c.scanChunkEnd(); found || len(c.buf) > c.lookahead {
		return nil
	}
	if len(c.buf)-TagLength < MinChunkPayload {
		return nil
	}
	f, n, _ := c.emitChunk(len(c.buf))
	c.stats.ImageChunks++
	c.consume(n)
	return []Frame{*f}
}

func (c *Classifier) Buffered() int {
	return len(c.buf)
}

func (c *Classifier) Stats() Stats {
	return c.stats
}

func (c *Classifier) drain(flush bool) []Frame {
	var frames []Frame
	for len(c.buf) > 0 {
		f, n := c.next(flush)
		if f != nil {
			frames = append(frames, *f)
			switch f.Kind {
			case KindText:
				c.stats.Text++
			case KindTelemetry:
				c.stats.Telemetry++
			case KindImageChunk:
				c.stats.ImageChunks++
			}
		}
		if n == 0 {
			break
		}
		c.consume(n)
	}
	return frames
}

// next evaluates the framing rules in priority order against the front of the
// buffer and reports the extracted frame, if any, and how many bytes to consume.
func (c *Classifier) next(flush bool) (*Frame, int) {
	if c.skipping {
		n, done := c.skipTrailing(flush)
		if !done {
			c.stats.SkippedBytes += n
			return nil, n
		}
		c.skipping = false
		if n > 0 {
			c.stats.SkippedBytes += n
			return nil, n
		}
	}

	if f, n, res := c.imageChunk(flush); res != resultDecline {
		return f, n
	}
	if f, n, res := c.telemetry(flush); res != resultDecline {
		return f, n
	}
	return c.textLine(flush)
}

func (c *Classifier) imageChunk(flush bool) (*Frame, int, result) {
	if len(c.buf) < TagLength || !IsImageHeader(Tag(c.buf[:TagLength])) {
		return nil, 0, resultDecline
	}
	if len(c.buf) < minImageChunkBufferLen {
		if flush {
			return nil, 0, resultDecline
		}
		return nil, 0, resultWait
	}

	end, found := c.scanChunkEnd()
	switch {
	case found && end-TagLength < MinChunkPayload:
		return nil, 0, resultDecline
	case found:
		return c.emitChunk(end)
	case len(c.buf) <= c.lookahead:
		if !flush {
			return nil, 0, resultWait
		}
		// Short replies that never see a terminator are taken whole once the stream goes idle.
		if len(c.buf)-TagLength >= MinChunkPayload {
			return c.emitChunk(len(c.buf))
		}
		return nil, 0, resultDecline
	}

	if idx := indexNewline(c.buf); idx >= minImageChunkBufferLen {
		return c.emitChunk(idx)
	}
	return nil, c.overflow(), resultEmit
}

// scanChunkEnd finds the first byte after the header that is outside the base64
// alphabet or that starts another known identifier.
func (c *Classifier) scanChunkEnd() (int, bool) {
	limit := len(c.buf)
	if limit > c.lookahead {
		limit = c.lookahead
	}
	for i := TagLength; i < limit; i++ {
		if !IsBase64(c.buf[i]) || IsKnown(c.buf[i:]) {
			return i, true
		}
	}
	return 0, false
}

func (c *Classifier) emitChunk(end int) (*Frame, int, result) {
	f := &Frame{
		Kind: KindImageChunk,
		Tag:  Tag(c.buf[:TagLength]),
		Data: append([]byte(nil), c.buf[:end]...),
	}
	c.skipping = true
	return f, end, resultEmit
}

// skipTrailing drops the rest of the line after an image chunk. It stops at a
// newline run or at the start of another frame.
func (c *Classifier) skipTrailing(flush bool) (int, bool) {
	for i := 0; i < len(c.buf); i++ {
		if isNewline(c.buf[i]) {
			j := i
			for j < len(c.buf) && isNewline(c.buf[j]) {
				j++
			}
			return j, true
		}
		if IsKnown(c.buf[i:]) {
			return i, true
		}
		if !flush && len(c.buf)-i < TagLength && isTagPrefix(c.buf[i:]) {
			return i, false
		}
	}
	return len(c.buf), flush
}

func (c *Classifier) telemetry(flush bool) (*Frame, int, result) {
	if len(c.buf) < TagLength {
		return nil, 0, resultDecline
	}
	tag := Tag(c.buf[:TagLength])
	size, ok := Size(tag)
	if !ok {
		return nil, 0, resultDecline
	}

	switch tag {
	case TagPoll:
		if len(c.buf) < PollHeaderLength {
			return c.partialTelemetry(tag, flush)
		}
		n := int(binary.LittleEndian.Uint32(c.buf[TagLength:PollHeaderLength]))
		if n > c.maxPoll {
			c.logger.Warn().
				Str("tag", string(tag)).
				Int("declared_length", n).
				Int("max_length", c.maxPoll).
				Msg("poll frame length out of range")
			return nil, 0, resultDecline
		}
		size = PollHeaderLength + n
	case TagRetransmit:
		size = len(c.buf)
		if size > c.echoCap {
			size = c.echoCap
		}
	}

	if len(c.buf) < size {
		return c.partialTelemetry(tag, flush)
	}

	return &Frame{
		Kind: KindTelemetry,
		Tag:  tag,
		Data: append([]byte(nil), c.buf[:size]...),
	}, size, resultEmit
}

func (c *Classifier) partialTelemetry(tag Tag, flush bool) (*Frame, int, result) {
	if !flush {
		return nil, 0, resultWait
	}
	n := len(c.buf)
	c.stats.DiscardedBytes += n
	c.logger.Warn().
		Str("tag", string(tag)).
		Int("buffered", n).
		Msg("dropping truncated telemetry frame at end of stream")
	return nil, n, resultEmit
}

func (c *Classifier) textLine(flush bool) (*Frame, int) {
	idx := indexNewline(c.buf)
	if idx < 0 {
		if len(c.buf) > c.lookahead {
			return nil, c.overflow()
		}
		if !flush {
			return nil, 0
		}
		return textFrame(c.buf), len(c.buf)
	}

	end := idx
	for end < len(c.buf) && isNewline(c.buf[end]) {
		end++
	}
	return textFrame(c.buf[:idx]), end
}

func (c *Classifier) overflow() int {
	n := len(c.buf)
	c.stats.Overflows++
	c.stats.DiscardedBytes += n
	c.logger.Warn().
		Int("discarded", n).
		Int("threshold", c.lookahead).
		Msg("no frame boundary found, discarding buffer")
	return n
}

func (c *Classifier) consume(n int) {
	rest := copy(c.buf, c.buf[n:])
	c.buf = c.buf[:rest]
}

func textFrame(b []byte) *Frame {
	line := strings.TrimSpace(strings.ToValidUTF8(string(b), "\uFFFD"))
	if line == "" {
		return nil
	}
	return &Frame{Kind: KindText, Text: line}
}

func indexNewline(b []byte) int {
	return bytes.IndexAny(b, "\r\n")
}

func isNewline(c byte) bool {
	return c == '\n' || c == '\r'
}

func isTagPrefix(b []byte) bool {
	for _, tag := range Tags() {
		if strings.HasPrefix(string(tag), string(b)) {
			return true
		}
	}
	return false
}
