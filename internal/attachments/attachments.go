// Package attachments implements the file-attachment sink (spec.md §1,
// "opaque path-returning sink"): a thread-scoped local-disk store with
// extension and size validation.
package attachments

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/taskexec/internal/domain"
)

// Sink stores and removes per-thread attachment files.
type Sink interface {
	Store(threadID, filename string, r io.Reader) (path string, size int64, err error)
	DeleteThread(threadID string) (deleted int, err error)
	SweepOlderThan(maxAge time.Duration) (deleted int, err error)
}

// DiskSink writes attachments under <baseDir>/<thread_id>/<filename>.
type DiskSink struct {
	baseDir           string
	maxSizeBytes      int64
	allowedExtensions map[string]struct{}
}

// New creates a disk-backed sink. allowedExtensions are matched
// case-insensitively and without a leading dot (e.g. "png", "pdf"); an
// empty list allows any extension.
func New(baseDir string, maxSizeBytes int64, allowedExtensions []string) *DiskSink {
	allowed := make(map[string]struct{}, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	return &DiskSink{baseDir: baseDir, maxSizeBytes: maxSizeBytes, allowedExtensions: allowed}
}

// Store validates filename's extension and streams r to disk under
// threadID's directory, rejecting anything over the configured size
// limit. threadID and filename are sanitized to a safe path-component
// allow-list, matching the event store's sanitizer (spec.md §4.1).
func (s *DiskSink) Store(threadID, filename string, r io.Reader) (string, int64, error) {
	if len(s.allowedExtensions) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
		if _, ok := s.allowedExtensions[ext]; !ok {
			return "", 0, domain.NewError(domain.ErrBadRequest, fmt.Sprintf("attachment extension %q not allowed", ext))
		}
	}

	dir := filepath.Join(s.baseDir, sanitize(threadID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create attachment directory: %w", err)
	}

	path := filepath.Join(dir, sanitize(filename))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create attachment file: %w", err)
	}
	defer f.Close()

	limit := s.maxSizeBytes
	if limit <= 0 {
		limit = 1 << 62
	}
	limited := io.LimitReader(r, limit+1)
	n, err := io.Copy(f, limited)
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("write attachment: %w", err)
	}
	if n > limit {
		os.Remove(path)
		return "", 0, domain.NewError(domain.ErrBadRequest, fmt.Sprintf("attachment exceeds maximum size of %d bytes", limit))
	}
	return path, n, nil
}

// DeleteThread removes threadID's attachment directory entirely,
// returning the number of files deleted.
func (s *DiskSink) DeleteThread(threadID string) (int, error) {
	dir := filepath.Join(s.baseDir, sanitize(threadID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read attachment directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("remove attachment directory: %w", err)
	}
	return len(entries), nil
}

// SweepOlderThan removes every thread directory under the base directory
// whose modification time (last touched by a Store call) is older than
// maxAge, returning the number of thread directories deleted. Invoked
// from the periodic cleanup job alongside `cleanup_old` (SPEC_FULL.md
// §10: attachment retention is tied to the same max_age as task
// retention, since the original system ties attachment lifetime to
// session lifetime).
func (s *DiskSink) SweepOlderThan(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read attachments base directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var deleted int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(s.baseDir, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			return deleted, fmt.Errorf("remove aged attachment directory %s: %w", dir, err)
		}
		deleted++
	}
	return deleted, nil
}

// sanitize mirrors the event store's path-component allow-list
// ([A-Za-z0-9._-], empty → "_").
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
