// Package keystore maintains the opaque-api-key → Principal mapping, loaded
// from a JSON array file and kept fresh by watching that file for mtime
// changes — grounded on the teacher's fsnotify-based HotReloadSystem
// (99souls-ariadne packages/engine/config/runtime.go), adapted from a
// business-config watcher to a key-file watcher.
package keystore

import (
	"encoding/json"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/gomind-oss/llmgateway/core"
)

// Principal is an authenticated identity bound to an opaque key.
type Principal struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Store is a refreshable key → Principal mapping. Lookup never blocks;
// Reload atomically replaces the mapping so in-flight lookups observe
// either the old or the new mapping for the duration of a single call —
// never a mix (SPEC_FULL.md Open Questions: atomic-pointer-swap,
// most-recent-wins under racing reloads).
type Store struct {
	path    string
	logger  core.Logger
	mapping atomic.Pointer[map[string]Principal]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New loads path once and starts watching it for changes. The returned
// Store is immediately usable; the watcher goroutine runs until Close.
func New(path string, logger core.ComponentAwareLogger) (*Store, error) {
	var log core.Logger = logger
	if logger != nil {
		log = logger.WithComponent("gateway/keystore")
	}

	s := &Store{path: path, logger: log, done: make(chan struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s.watcher = watcher
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go s.watch()
	return s, nil
}

// Lookup returns the Principal bound to key, or false if unknown. Never
// blocks: it reads an atomic snapshot of the current mapping.
func (s *Store) Lookup(key string) (Principal, bool) {
	m := s.mapping.Load()
	if m == nil {
		return Principal{}, false
	}
	p, ok := (*m)[key]
	return p, ok
}

func (s *Store) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reload(); err != nil && s.logger != nil {
				s.logger.Error("key file reload failed, keeping prior mapping", map[string]interface{}{
					"path":  s.path,
					"error": err.Error(),
				})
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if s.logger != nil {
				s.logger.Warn("key file watcher error", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// reload re-reads the backing file and atomically swaps the mapping.
// A malformed file is logged and leaves the prior mapping intact, per
// spec.md §4.1.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("key file read failed", map[string]interface{}{"path": s.path, "error": err.Error()})
		}
		return err
	}

	var principals []Principal
	if err := json.Unmarshal(data, &principals); err != nil {
		if s.logger != nil {
			s.logger.Error("key file parse failed, keeping prior mapping", map[string]interface{}{
				"path": s.path, "error": err.Error(),
			})
		}
		return err
	}

	next := make(map[string]Principal, len(principals))
	for _, p := range principals {
		next[p.Key] = p
	}
	s.mapping.Store(&next)

	if s.logger != nil {
		s.logger.Info("key store reloaded", map[string]interface{}{"principals": len(next)})
	}
	return nil
}

// Close stops the file watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
