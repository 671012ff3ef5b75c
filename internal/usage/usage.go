// Package usage implements the append-only usage-record sink: one tabular
// line per billable request, written fire-and-forget so a slow or failing
// disk never blocks the request path (spec.md §3 Usage Record, §7
// "Sink write failures are logged but never fail the request").
package usage

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gomind-oss/llmgateway/core"
)

// Record is one usage tuple, written only when Model is non-empty/non-
// "unknown" and at least one token count is non-zero (spec.md §3).
type Record struct {
	PrincipalKey     string
	Date             string // YYYY-MM-DD UTC
	Model            string
	Endpoint         string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Sink appends tab-separated Records to a single file. Writes are
// serialized by a mutex (the file handle itself is not safe for concurrent
// writers) but never block the caller's response: Write is called from a
// goroutine by the pipeline, and any error is logged, never returned to the
// request path.
type Sink struct {
	mu     sync.Mutex
	file   *os.File
	logger core.Logger
}

// New opens (creating if necessary) the usage log at path for appending.
func New(path string, logger core.ComponentAwareLogger) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("usage: open %s: %w", path, err)
	}
	var log core.Logger = logger
	if logger != nil {
		log = logger.WithComponent("gateway/usage")
	}
	return &Sink{file: f, logger: log}, nil
}

// ShouldRecord reports whether a completed request qualifies for a usage
// record, per spec.md §3: model must be set and not "unknown", and at
// least one token count must be non-zero.
func ShouldRecord(model string, promptTokens, completionTokens int) bool {
	if model == "" || model == "unknown" {
		return false
	}
	return promptTokens > 0 || completionTokens > 0
}

// Write appends rec. Errors are logged, not returned: usage accounting
// never fails a request.
func (s *Sink) Write(rec Record) {
	if rec.Date == "" {
		rec.Date = time.Now().UTC().Format("2006-01-02")
	}
	rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens

	line := fmt.Sprintf("%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
		rec.PrincipalKey, rec.Date, rec.Model, rec.Endpoint,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens)

	s.mu.Lock()
	_, err := s.file.WriteString(line)
	s.mu.Unlock()

	if err != nil && s.logger != nil {
		s.logger.Error("usage record write failed", map[string]interface{}{"error": err.Error()})
	}
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
