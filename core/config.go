package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// HTTPConfig holds the proxy's own listener settings: timeouts, limits,
// and the CORS policy applied to every response.
type HTTPConfig struct {
	ReadTimeout       time.Duration `json:"read_timeout" env:"GATEWAY_HTTP_READ_TIMEOUT" default:"30s"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"GATEWAY_HTTP_READ_HEADER_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"GATEWAY_HTTP_WRITE_TIMEOUT" default:"0"`
	IdleTimeout       time.Duration `json:"idle_timeout" env:"GATEWAY_HTTP_IDLE_TIMEOUT" default:"120s"`
	MaxHeaderBytes    int           `json:"max_header_bytes" env:"GATEWAY_HTTP_MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" env:"GATEWAY_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	CORS              CORSConfig    `json:"cors"`
}

// CORSConfig mirrors the subset of CORS knobs the proxy actually needs.
// ApplyCORS sets it on OPTIONS and proxied requests only: an allowed Origin
// (with the default "*" entry, any Origin) is echoed back in
// Access-Control-Allow-Origin together with the method and header lists.
// It never sends a literal "*"; a request without an Origin header, and
// every /health and /metrics response, gets no CORS headers.
type CORSConfig struct {
	Enabled          bool     `json:"enabled" env:"GATEWAY_CORS_ENABLED" default:"true"`
	AllowedOrigins   []string `json:"allowed_origins" env:"GATEWAY_CORS_ORIGINS"`
	AllowedMethods   []string `json:"allowed_methods" env:"GATEWAY_CORS_METHODS"`
	AllowedHeaders   []string `json:"allowed_headers" env:"GATEWAY_CORS_HEADERS"`
	ExposedHeaders   []string `json:"exposed_headers" env:"GATEWAY_CORS_EXPOSED_HEADERS"`
	AllowCredentials bool     `json:"allow_credentials" env:"GATEWAY_CORS_CREDENTIALS" default:"false"`
	MaxAge           int      `json:"max_age" env:"GATEWAY_CORS_MAX_AGE" default:"86400"`
}

// DefaultCORSConfig is the proxy's fixed CORS policy: a wildcard origin
// entry (applied by echoing the request's Origin, see CORSConfig),
// POST/OPTIONS only, a fixed header allowlist, no credentials.
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Api-Key", "User-Agent"},
		MaxAge:         86400,
	}
}

// LoggingConfig selects the operational logger's output shape.
type LoggingConfig struct {
	Level      string `json:"level" env:"GATEWAY_LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"GATEWAY_LOG_FORMAT" default:"json"`
	Output     string `json:"output" env:"GATEWAY_LOG_OUTPUT" default:"stdout"`
	TimeFormat string `json:"time_format" env:"GATEWAY_LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.000Z07:00"`
}

// DevelopmentConfig enables developer-friendly defaults: pretty logs and
// debug-level verbosity. Never set in production.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" env:"GATEWAY_DEV_MODE" default:"false"`
	DebugLogging bool `json:"debug_logging" env:"GATEWAY_DEBUG" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" env:"GATEWAY_PRETTY_LOGS" default:"false"`
}

// ============================================================================
// ProductionLogger — the ambient Logger/ComponentAwareLogger implementation
// ============================================================================

// ProductionLogger is the default Logger/ComponentAwareLogger implementation:
// JSON or human-readable lines to stdout/stderr, with per-component
// attribution via WithComponent.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
}

var _ ComponentAwareLogger = (*ProductionLogger)(nil)

// NewProductionLogger builds a Logger from LoggingConfig/DevelopmentConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) *ProductionLogger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	format := logging.Format
	if dev.PrettyLogs {
		format = "text"
	}

	return &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       dev.DebugLogging || strings.ToLower(logging.Level) == "debug",
		serviceName: serviceName,
		format:      format,
		output:      output,
	}
}

// WithComponent returns a logger that tags every entry with component,
// e.g. "gateway/scheduler", so aggregated logs can be filtered per package.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{})  { p.logEvent("INFO", msg, fields, nil) }
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) { p.logEvent("ERROR", msg, fields, nil) }
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{})  { p.logEvent("WARN", msg, fields, nil) }

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

// requestIDFromContext reads the trace-correlation id the pipeline stamps
// on every request context, if any. Returns "" when absent so callers can
// skip the field entirely.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return v
	}
	return ""
}

// requestIDContextKey is the unexported key the pipeline uses to stash the
// per-request correlation id; defined here so the logger and the pipeline
// agree on it without the logger importing the pipeline package.
type requestIDContextKey struct{}

// ContextWithRequestID returns a context carrying requestID for log correlation.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)
	component := p.component
	if component == "" {
		component = "gateway"
	}

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": component,
			"message":   msg,
		}
		if reqID := requestIDFromContext(ctx); reqID != "" {
			logEntry["request_id"] = reqID
		}
		for k, v := range fields {
			logEntry[k] = v
		}
		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	traceInfo := ""
	if reqID := requestIDFromContext(ctx); reqID != "" {
		traceInfo = fmt.Sprintf("[req=%s] ", reqID)
	}

	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s%s\n",
		timestamp, level, p.serviceName, component, traceInfo, msg, fieldStr.String())
}

// Helper functions shared with proxyconfig's env-var loading.

// ParseStringList splits a comma-separated string into a trimmed slice.
func ParseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// ParseBool accepts "true", "1", "yes", "on" (case-insensitive) as true.
func ParseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
