package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// redactedFieldNames are the JSON field names the redaction rule applies
// to, per spec.md §4.5.
var redactedFieldNames = map[string]struct{}{
	"image":      {},
	"data":       {},
	"content":    {},
	"image_data": {},
}

var (
	dataURLPrefix = regexp.MustCompile(`^data:[a-zA-Z0-9/+.-]+;base64,`)
	base64Run     = regexp.MustCompile(`^[A-Za-z0-9+/]{100,}={0,2}$`)
)

const redactionThreshold = 100

// redactBody returns a JSON rendering of body with long base64 image
// payloads collapsed to a fixed placeholder, per spec.md §4.5's access-log
// redaction rule. Non-JSON or unparseable bodies are returned unchanged.
func redactBody(body []byte) string {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return string(body)
	}
	redacted := redactValue(doc)
	out, err := json.Marshal(redacted)
	if err != nil {
		return string(body)
	}
	return string(out)
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, fv := range val {
			if s, ok := fv.(string); ok {
				if _, redactField := redactedFieldNames[k]; redactField && shouldRedact(s) {
					out[k] = redactedPlaceholder(s)
					continue
				}
			}
			out[k] = redactValue(fv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	default:
		return val
	}
}

func shouldRedact(s string) bool {
	if len(s) <= redactionThreshold {
		return false
	}
	return dataURLPrefix.MatchString(s) || base64Run.MatchString(s)
}

func redactedPlaceholder(s string) string {
	n := 32
	if len(s) < n {
		n = len(s)
	}
	return fmt.Sprintf("[BASE64_IMAGE_REDACTED: prefix=%s...]", s[:n])
}

// AccessLog appends one redacted line per request. Writes are serialized
// by a mutex; rotation is handled externally by the lifecycle manager,
// which renames the file out from under this writer between requests.
type AccessLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewAccessLog opens (creating if necessary) the access log at path.
func NewAccessLog(path string) (*AccessLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &AccessLog{path: path, file: f}, nil
}

// Write appends one access-log line.
func (a *AccessLog) Write(principalName, principalEmail, ip, method, path string, body []byte) {
	line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s\n",
		time.Now().UTC().Format(time.RFC3339), principalName, principalEmail, ip,
		strings.ToUpper(method)+" "+path, redactBody(body))

	a.mu.Lock()
	defer a.mu.Unlock()
	a.file.WriteString(line)
}

// Reopen closes and reopens the file at its configured path — used after
// the lifecycle manager renames the current file during rotation.
func (a *AccessLog) Reopen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.file.Close()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	a.file = f
	return nil
}

// Size returns the current file size in bytes, used by log rotation to
// decide whether to rotate.
func (a *AccessLog) Size() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, err := a.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Path returns the configured log path.
func (a *AccessLog) Path() string { return a.path }

// Close closes the underlying file.
func (a *AccessLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
