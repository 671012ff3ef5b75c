// Package staging implements scoped on-disk temp-file acquisition for
// multipart upload parts: every entry acquired is guaranteed released on
// every exit path (spec.md §3 Upload Staging Entry, §5 "scoped
// acquisition"), plus a periodic sweep that removes orphans a crashed
// request left behind.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gomind-oss/llmgateway/core"
)

// Entry is one staged upload part.
type Entry struct {
	FieldName         string
	DeclaredFilename  string
	DeclaredMIME      string
	Path              string
	ByteSize          int64
	CreatedAt         time.Time
}

// Area manages a directory of staged files.
type Area struct {
	dir    string
	maxAge time.Duration
	logger core.Logger

	mu      sync.Mutex
	entries map[string]Entry // path -> Entry, tracked only while held by a Scope
}

// New ensures dir exists and returns an Area rooted there.
func New(dir string, maxAge time.Duration, logger core.ComponentAwareLogger) (*Area, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("staging: create directory %s: %w", dir, err)
	}
	var log core.Logger = logger
	if logger != nil {
		log = logger.WithComponent("gateway/staging")
	}
	return &Area{dir: dir, maxAge: maxAge, logger: log, entries: make(map[string]Entry)}, nil
}

// Scope is one request's set of staged files. Release deletes every file
// acquired through this scope, regardless of how the request ended.
type Scope struct {
	area    *Area
	entries []Entry
}

// NewScope opens a scope for one pipeline invocation.
func (a *Area) NewScope() *Scope {
	return &Scope{area: a}
}

// Stage copies src (a multipart part reader) to a fresh on-disk file and
// tracks it for release. The caller must not use the returned path after
// calling Release.
func (s *Scope) Stage(fieldName, declaredFilename, declaredMIME string, src io.Reader) (Entry, error) {
	name := uuid.NewString()
	path := filepath.Join(s.area.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Entry{}, fmt.Errorf("staging: create %s: %w", path, err)
	}

	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(path)
		if copyErr != nil {
			return Entry{}, fmt.Errorf("staging: write %s: %w", path, copyErr)
		}
		return Entry{}, fmt.Errorf("staging: close %s: %w", path, closeErr)
	}

	entry := Entry{
		FieldName:        fieldName,
		DeclaredFilename: declaredFilename,
		DeclaredMIME:     declaredMIME,
		Path:             path,
		ByteSize:         n,
		CreatedAt:        time.Now(),
	}

	s.area.mu.Lock()
	s.area.entries[path] = entry
	s.area.mu.Unlock()

	s.entries = append(s.entries, entry)
	return entry, nil
}

// Release deletes every file staged through this scope. Safe to call more
// than once; safe to call on a scope that staged nothing.
func (s *Scope) Release() {
	for _, e := range s.entries {
		s.area.remove(e.Path)
	}
	s.entries = nil
}

func (a *Area) remove(path string) {
	a.mu.Lock()
	delete(a.entries, path)
	a.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) && a.logger != nil {
		a.logger.Warn("staging file removal failed", map[string]interface{}{"path": path, "error": err.Error()})
	}
}

// Sweep deletes any on-disk file in the staging directory older than
// maxAge, whether or not it is still tracked by a live Scope — this
// catches orphans left by a crashed pipeline invocation (spec.md §4.6).
func (a *Area) Sweep() {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("staging sweep readdir failed", map[string]interface{}{"dir": a.dir, "error": err.Error()})
		}
		return
	}

	cutoff := time.Now().Add(-a.maxAge)
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(a.dir, de.Name())
			a.remove(path)
			if a.logger != nil {
				a.logger.Info("swept orphaned staging file", map[string]interface{}{"path": path})
			}
		}
	}
}
