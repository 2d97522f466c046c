package image

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/norasector/satlink/pkg/frame"
)

// maxDecompressed bounds how far a single image may inflate.
const maxDecompressed = 64 << 20

var (
	ErrMissingChunk  = errors.New("image: missing chunk")
	ErrInvalidBase64 = errors.New("image: invalid base64 payload")
	ErrNotGzip       = errors.New("image: payload is not gzip")
)

// Assemble joins the stored chunks strictly in index order. Padding is only
// valid at the very end of a base64 stream, so trailing '=' is removed from
// every chunk except the last.
func Assemble(r *Reception) (string, error) {
	var sb strings.Builder
	for i := 0; i < r.Total; i++ {
		chunk, ok := r.Chunks[i]
		if !ok {
			return "", fmt.Errorf("%w: index %d of %d", ErrMissingChunk, i, r.Total)
		}
		if i < r.Total-1 {
			chunk = strings.TrimRight(chunk, "=")
		}
		sb.WriteString(chunk)
	}

	payload := sb.String()
	for i := 0; i < len(payload); i++ {
		if !frame.IsBase64(payload[i]) {
			return "", fmt.Errorf("%w: byte 0x%02x at offset %d", ErrInvalidBase64, payload[i], i)
		}
	}
	return payload, nil
}

// DecodePayload turns the assembled base64 text back into the compressed bytes.
func DecodePayload(payload string) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	return raw, nil
}

func IsGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

func Gunzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxDecompressed+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecompressed {
		return nil, fmt.Errorf("image: decompressed size exceeds %d bytes", maxDecompressed)
	}
	return out, nil
}
