// Package lifecycle owns process-wide startup and shutdown: it starts the
// HTTP listener, runs the periodic temp sweeper and log rotation, and
// drains the scheduler on a shutdown signal before exit (spec.md §4.6).
package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gomind-oss/llmgateway/core"
	"github.com/gomind-oss/llmgateway/internal/pipeline"
	"github.com/gomind-oss/llmgateway/internal/scheduler"
	"github.com/gomind-oss/llmgateway/internal/staging"
)

// Config controls the periodic maintenance tasks.
type Config struct {
	Addr              string
	SweepInterval     time.Duration // default 5m
	RotateInterval    time.Duration // default 5m
	RotateMaxBytes    int64         // default 100 MiB
	RotateBackupCount int           // default 5
	DrainTimeout      time.Duration // default 30s
}

// Manager wires the HTTP server to the background maintenance loops and
// coordinates graceful shutdown.
type Manager struct {
	cfg       Config
	server    *http.Server
	staging   *staging.Area
	scheduler *scheduler.Scheduler
	accessLog *pipeline.AccessLog
	logger    core.Logger

	stop chan struct{}
}

// New builds a Manager serving handler on cfg.Addr.
func New(cfg Config, handler http.Handler, stagingArea *staging.Area, sched *scheduler.Scheduler, accessLog *pipeline.AccessLog, logger core.ComponentAwareLogger) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.RotateInterval <= 0 {
		cfg.RotateInterval = 5 * time.Minute
	}
	if cfg.RotateMaxBytes <= 0 {
		cfg.RotateMaxBytes = 100 << 20
	}
	if cfg.RotateBackupCount <= 0 {
		cfg.RotateBackupCount = 5
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	var log core.Logger = logger
	if logger != nil {
		log = logger.WithComponent("gateway/lifecycle")
	}

	return &Manager{
		cfg:       cfg,
		server:    &http.Server{Addr: cfg.Addr, Handler: handler},
		staging:   stagingArea,
		scheduler: sched,
		accessLog: accessLog,
		logger:    log,
		stop:      make(chan struct{}),
	}
}

// Run starts the HTTP listener and background maintenance loops, blocking
// until ctx is canceled, then drains the scheduler and shuts the server
// down gracefully.
func (m *Manager) Run(ctx context.Context) error {
	go m.sweepLoop()
	go m.rotateLoop()

	serveErr := make(chan error, 1)
	go func() {
		if m.logger != nil {
			m.logger.Info("gateway listening", map[string]interface{}{"addr": m.cfg.Addr})
		}
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	return m.shutdown()
}

func (m *Manager) shutdown() error {
	close(m.stop)

	if m.logger != nil {
		m.logger.Info("shutdown signal received, draining scheduler", nil)
	}
	if err := m.scheduler.Drain(m.cfg.DrainTimeout); err != nil && m.logger != nil {
		m.logger.Warn("scheduler drain did not complete before timeout", map[string]interface{}{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("lifecycle: http shutdown: %w", err)
	}

	if m.staging != nil {
		m.staging.Sweep()
	}
	return nil
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if m.staging != nil {
				m.staging.Sweep()
			}
		}
	}
}

func (m *Manager) rotateLoop() {
	ticker := time.NewTicker(m.cfg.RotateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.rotateAccessLogIfNeeded()
		}
	}
}

// rotateAccessLogIfNeeded renames the access log with a timestamp suffix
// once it exceeds RotateMaxBytes, then prunes all but the most recent
// RotateBackupCount backups (spec.md §4.6).
func (m *Manager) rotateAccessLogIfNeeded() {
	if m.accessLog == nil {
		return
	}
	size, err := m.accessLog.Size()
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("access log stat failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	if size < m.cfg.RotateMaxBytes {
		return
	}

	path := m.accessLog.Path()
	backupPath := fmt.Sprintf("%s.%s", path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, backupPath); err != nil {
		if m.logger != nil {
			m.logger.Warn("access log rotation rename failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	if err := m.accessLog.Reopen(); err != nil && m.logger != nil {
		m.logger.Warn("access log reopen after rotation failed", map[string]interface{}{"error": err.Error()})
	}

	m.pruneBackups(path)
}

func (m *Manager) pruneBackups(basePath string) {
	dir := filepath.Dir(basePath)
	prefix := filepath.Base(basePath) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, e.Name())
		}
	}
	sort.Strings(backups) // timestamp suffix sorts lexicographically by recency
	if len(backups) <= m.cfg.RotateBackupCount {
		return
	}
	for _, old := range backups[:len(backups)-m.cfg.RotateBackupCount] {
		if err := os.Remove(filepath.Join(dir, old)); err != nil && m.logger != nil {
			m.logger.Warn("access log backup pruning failed", map[string]interface{}{"file": old, "error": err.Error()})
		}
	}
}
