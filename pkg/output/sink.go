package output

import (
	"github.com/rs/zerolog"
)

// Severity classifies a user-visible event.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Level maps the severity onto the zerolog level used for console output.
func (s Severity) Level() zerolog.Level {
	switch s {
	case SeverityDebug:
		return zerolog.DebugLevel
	case SeverityWarning:
		return zerolog.WarnLevel
	case SeverityError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Artifact is a completed image. Decompressed is nil when the gzip stream
// could not be inflated.
type Artifact struct {
	Name         string
	Source       string
	Compressed   []byte
	Decompressed []byte
}

// Sink receives everything the decoder wants a human to see.
type Sink interface {
	Log(message string, severity Severity)
	Artifact(a Artifact)
}

// OrientationSink is notified with each attitude solution, in degrees.
type OrientationSink interface {
	Orientation(roll, pitch, yaw float32)
}

type NopSink struct{}

func (NopSink) Log(string, Severity) {}
func (NopSink) Artifact(Artifact)    {}

type NopOrientation struct{}

func (NopOrientation) Orientation(float32, float32, float32) {}

// Fanout delivers every event to each sink in order.
type Fanout []Sink

func (f Fanout) Log(message string, severity Severity) {
	for _, s := range f {
		s.Log(message, severity)
	}
}

func (f Fanout) Artifact(a Artifact) {
	for _, s := range f {
		s.Artifact(a)
	}
}

// LogSink writes sink events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Log(message string, severity Severity) {
	l.logger.WithLevel(severity.Level()).Str("source", "link").Msg(message)
}

func (l *LogSink) Artifact(a Artifact) {
	l.logger.Info().
		Str("name", a.Name).
		Str("source", a.Source).
		Int("compressed_bytes", len(a.Compressed)).
		Int("decompressed_bytes", len(a.Decompressed)).
		Bool("decompressed", a.Decompressed != nil).
		Msg("image received")
}
