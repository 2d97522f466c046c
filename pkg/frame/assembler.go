package frame

// Kind identifies which downstream consumer a frame belongs to.
type Kind int

const (
	KindText Kind = iota
	KindTelemetry
	KindImageChunk
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindTelemetry:
		return "telemetry"
	case KindImageChunk:
		return "image_chunk"
	default:
		return "unknown"
	}
}

// Frame is one self-delimited unit extracted from the link byte stream.
// Text frames carry Text; telemetry and image chunk frames carry the raw bytes,
// tag included, in Data.
type Frame struct {
	Kind Kind
	Tag  Tag
	Text string
	Data []byte
}

// Assembler takes raw bytes received over the air and assembles them into frames.
type Assembler interface {
	// Receive appends buf to the pending stream and returns every frame that
	// can be extracted from it. Bytes that do not yet form a frame stay buffered.
	Receive(buf []byte) []Frame
	// Flush extracts whatever is left once no further bytes are expected.
	Flush() []Frame
}
