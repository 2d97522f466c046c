package image

import (
	"strconv"
	"strings"

	"github.com/norasector/satlink/pkg/frame"
)

const (
	metadataLength = 8
	// minChunkBody is the shortest body that can hold a payload plus metadata.
	minChunkBody = frame.MinChunkPayload + metadataLength
)

// Chunk is one base64 slice of a gzip-compressed image.
type Chunk struct {
	Header  frame.Tag
	Total   int
	Index   int
	Payload string
}

// ParseChunk reads the TTTTCCCC metadata suffix (total chunk count, then this
// chunk's index) from the last eight base64-alphabet characters after the
// header tag. ok is false when the frame is not a data chunk.
func ParseChunk(data []byte) (Chunk, bool) {
	if len(data) < frame.TagLength {
		return Chunk{}, false
	}

	body := make([]byte, 0, len(data)-frame.TagLength)
	for _, c := range data[frame.TagLength:] {
		if frame.IsBase64(c) {
			body = append(body, c)
		}
	}
	if len(body) < minChunkBody {
		return Chunk{}, false
	}

	meta := body[len(body)-metadataLength:]
	for _, c := range meta {
		if c < '0' || c > '9' {
			return Chunk{}, false
		}
	}
	total, _ := strconv.Atoi(string(meta[:4]))
	current, _ := strconv.Atoi(string(meta[4:]))
	if total <= 0 || current < 0 || current >= total {
		return Chunk{}, false
	}

	return Chunk{
		Header:  frame.Tag(data[:frame.TagLength]),
		Total:   total,
		Index:   current,
		Payload: string(body[:len(body)-metadataLength]),
	}, true
}

// responseText renders a non-chunk frame as the reply line it most likely is.
func responseText(data []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(data), "\uFFFD"))
}
