package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// StoredArtifact indexes a completed image written to disk.
type StoredArtifact struct {
	Name             string    `json:"name"`
	Source           string    `json:"source"`
	CompressedPath   string    `json:"compressed_path"`
	DecompressedPath string    `json:"decompressed_path,omitempty"`
	CompressedSize   int       `json:"compressed_size"`
	DecompressedSize int       `json:"decompressed_size"`
	ReceivedAt       time.Time `json:"received_at"`
}

// ArtifactStore persists completed images under a directory: the compressed
// stream as <name>.gz and, when it inflated, the image itself as <name>.
type ArtifactStore struct {
	dir     string
	mu      sync.RWMutex
	entries map[string]StoredArtifact
	logger  zerolog.Logger
}

func NewArtifactStore(dir string, logger zerolog.Logger) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir %s: %w", dir, err)
	}
	return &ArtifactStore{
		dir:     dir,
		entries: make(map[string]StoredArtifact),
		logger:  logger,
	}, nil
}

func (s *ArtifactStore) Log(string, Severity) {}

func (s *ArtifactStore) Artifact(a Artifact) {
	name := filepath.Base(a.Name)
	entry := StoredArtifact{
		Name:             name,
		Source:           a.Source,
		CompressedPath:   filepath.Join(s.dir, name+".gz"),
		CompressedSize:   len(a.Compressed),
		DecompressedSize: len(a.Decompressed),
		ReceivedAt:       time.Now().UTC(),
	}

	if err := os.WriteFile(entry.CompressedPath, a.Compressed, 0o644); err != nil {
		s.logger.Error().Err(err).Str("path", entry.CompressedPath).Msg("error writing compressed image")
		return
	}
	if a.Decompressed != nil {
		entry.DecompressedPath = filepath.Join(s.dir, name)
		if err := os.WriteFile(entry.DecompressedPath, a.Decompressed, 0o644); err != nil {
			s.logger.Error().Err(err).Str("path", entry.DecompressedPath).Msg("error writing image")
			entry.DecompressedPath = ""
		}
	}

	s.mu.Lock()
	s.entries[name] = entry
	s.mu.Unlock()

	s.logger.Info().
		Str("name", name).
		Str("path", entry.CompressedPath).
		Bool("decompressed", entry.DecompressedPath != "").
		Msg("image saved")
}

// List returns the stored artifacts, newest first.
func (s *ArtifactStore) List() []StoredArtifact {
	s.mu.RLock()
	out := make([]StoredArtifact, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out
}

// Path returns the file backing an artifact. The compressed file is returned
// when asked for, or when the image never inflated.
func (s *ArtifactStore) Path(name string, compressed bool) (string, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return "", ErrArtifactNotFound
	}
	if compressed || e.DecompressedPath == "" {
		return e.CompressedPath, nil
	}
	return e.DecompressedPath, nil
}
