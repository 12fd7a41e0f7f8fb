package export

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrArtifactNotFound is returned by Open when nothing was delivered under a name.
var ErrArtifactNotFound = errors.New("export artifact not found")

// Artifact is a finished document ready for delivery.
type Artifact struct {
	Filename string
	MimeType string
	Data     []byte
}

// Location tells the caller where an artifact ended up.
type Location struct {
	Kind string `json:"kind"`
	URI  string `json:"uri"`
}

// Sink delivers finished artifacts.
type Sink interface {
	Deliver(ctx context.Context, a Artifact) (Location, error)
}

// ArtifactStore is a Sink that can hand delivered artifacts back.
type ArtifactStore interface {
	Sink
	Open(ctx context.Context, filename string) (io.ReadCloser, error)
}

// DataURI encodes an artifact for inline preview.
func DataURI(a Artifact) string {
	mime := a.MimeType
	if mime == "" {
		mime = MimeTypePDF
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// DirSink writes artifacts into a directory.
type DirSink struct {
	dir string
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

// Deliver writes the artifact atomically via a temporary file.
func (s *DirSink) Deliver(ctx context.Context, a Artifact) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	name, err := cleanFilename(a.Filename)
	if err != nil {
		return Location{}, err
	}
	tmp, err := os.CreateTemp(s.dir, ".partial-*")
	if err != nil {
		return Location{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(a.Data); err != nil {
		tmp.Close()
		return Location{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Location{}, fmt.Errorf("close artifact: %w", err)
	}
	target := filepath.Join(s.dir, name)
	if err := os.Rename(tmp.Name(), target); err != nil {
		return Location{}, fmt.Errorf("move artifact: %w", err)
	}
	return Location{Kind: "file", URI: target}, nil
}

// Open returns a delivered artifact.
func (s *DirSink) Open(ctx context.Context, filename string) (io.ReadCloser, error) {
	name, err := cleanFilename(filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrArtifactNotFound
	}
	return f, err
}

func cleanFilename(name string) (string, error) {
	base := filepath.Base(name)
	if name == "" || base != name || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("invalid artifact filename %q", name)
	}
	return base, nil
}

// MemorySink keeps delivered artifacts in memory, keyed by filename.
type MemorySink struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{artifacts: make(map[string]Artifact)}
}

// Deliver stores a copy of the artifact.
func (s *MemorySink) Deliver(ctx context.Context, a Artifact) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	a.Data = bytes.Clone(a.Data)
	s.mu.Lock()
	s.artifacts[a.Filename] = a
	s.mu.Unlock()
	return Location{Kind: "memory", URI: a.Filename}, nil
}

// Open returns a stored artifact.
func (s *MemorySink) Open(ctx context.Context, filename string) (io.ReadCloser, error) {
	s.mu.RLock()
	a, ok := s.artifacts[filename]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return io.NopCloser(bytes.NewReader(a.Data)), nil
}

// sanitizeFilename creates a safe filename from a title
func sanitizeFilename(title string) string {
	var result strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result.WriteRune(r)
		case r == ' ':
			result.WriteRune('-')
		case r == '-', r == '_':
			result.WriteRune(r)
		}
	}

	out := result.String()
	if len(out) > 50 {
		out = out[:50]
	}
	return out
}

// Filename derives the download name from the report's identifying fields.
// The same name, id and timestamp always produce the same filename.
func Filename(name, id string, at time.Time) string {
	parts := []string{"traffic-report"}
	if n := strings.Trim(sanitizeFilename(name), "-"); n != "" {
		parts = append(parts, n)
	}
	if i := strings.Trim(sanitizeFilename(id), "-"); i != "" {
		parts = append(parts, i)
	}
	parts = append(parts, at.UTC().Format("20060102-150405"))
	return strings.Join(parts, "-") + ".pdf"
}
