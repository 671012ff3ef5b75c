// Package pipeline implements the request admission and dispatch pipeline:
// the HTTP handler composing authentication → endpoint check → scheduler
// admission → body-shape dispatch → upstream call → response adaptation →
// usage/metrics recording → resource cleanup, per spec.md §4.5's state
// machine.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gomind-oss/llmgateway/core"
	"github.com/gomind-oss/llmgateway/internal/allowlist"
	"github.com/gomind-oss/llmgateway/internal/keystore"
	"github.com/gomind-oss/llmgateway/internal/metrics"
	"github.com/gomind-oss/llmgateway/internal/scheduler"
	"github.com/gomind-oss/llmgateway/internal/staging"
	"github.com/gomind-oss/llmgateway/internal/transport"
	"github.com/gomind-oss/llmgateway/internal/usage"
)

const (
	maxBodyBytes  = 50 << 20 // 50 MiB, spec.md §6
	maxPartBytes  = 50 << 20
	maxPartCount  = 5
)

// Dependencies bundles everything the pipeline needs to serve a request.
// Constructed once at startup in cmd/llmgateway/main.go.
type Dependencies struct {
	Keys      *keystore.Store
	Policy    *allowlist.Policy
	Scheduler *scheduler.Scheduler
	Transport *transport.Transport
	Staging   *staging.Area
	Metrics   *metrics.Sink
	Usage     *usage.Sink
	AccessLog *AccessLog
	CORS      *core.CORSConfig
	Logger    core.Logger
	Telemetry core.Telemetry

	MaxUploadSlotsPerUser int
	AllowlistEnabled      bool
}

// Pipeline is the HTTP handler for /health, /metrics, and proxied requests.
type Pipeline struct {
	deps  Dependencies
	slots *uploadSlots
}

// New builds a Pipeline from its wired dependencies.
func New(deps Dependencies) *Pipeline {
	if deps.Telemetry == nil {
		deps.Telemetry = &core.NoOpTelemetry{}
	}
	return &Pipeline{deps: deps, slots: newUploadSlots(deps.MaxUploadSlotsPerUser)}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		core.ApplyCORS(w, r, p.deps.CORS)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch r.URL.Path {
	case "/health":
		p.handleHealth(w, r)
		return
	case "/metrics":
		if p.deps.Metrics == nil {
			http.NotFound(w, r)
			return
		}
		p.deps.Metrics.Handler().ServeHTTP(w, r)
		return
	}

	core.ApplyCORS(w, r, p.deps.CORS)
	p.handleProxy(w, r)
}

func (p *Pipeline) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := p.deps.Scheduler.Health()
	body := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"queue": map[string]interface{}{
			"running":    health.Running,
			"queued":     health.Queued,
			"reservoir":  health.Reservoir,
			"totalUsers": health.TotalUsers,
		},
		"allowlist": map[string]interface{}{"enabled": p.deps.AllowlistEnabled},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// outcome summarizes one completed request for metrics/usage/access-log
// recording, which happens uniformly regardless of which path ran.
type outcome struct {
	status           int
	model            string
	promptTokens     int
	completionTokens int
}

func (p *Pipeline) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := uuid.NewString()
	ctx = core.ContextWithRequestID(ctx, requestID)

	// Received: extract API key.
	key := extractAPIKey(r)
	if key == "" {
		p.fail(w, r, nil, "", http.StatusForbidden, core.CategoryAuth, "missing API key", start, r.URL.Path)
		return
	}

	// Authenticating.
	principal, ok := p.deps.Keys.Lookup(key)
	if !ok {
		p.fail(w, r, nil, "", http.StatusForbidden, core.CategoryAuth, "invalid API key", start, r.URL.Path)
		return
	}

	// EndpointCheck.
	if !p.deps.Policy.EndpointAllowed(r.URL.Path) {
		p.fail(w, r, &principal, key, http.StatusForbidden, core.CategoryPolicy, "endpoint not allowed", start, r.URL.Path)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	ctx, span := p.deps.Telemetry.StartSpan(ctx, "gateway.proxy_request")
	span.SetAttribute("http.path", r.URL.Path)
	span.SetAttribute("principal", principal.Name)
	defer span.End()

	// Admitting, chained through Dispatching inside the scheduled work. The
	// admission wait itself is still canceled by client disconnect (via the
	// ctx passed to scheduler.Do), but once admitted the upstream call runs
	// detached from the inbound request's cancellation: per spec.md §5, a
	// client disconnect discards the response without aborting the
	// in-flight upstream call.
	result, err := scheduler.Do(ctx, p.deps.Scheduler, key, func(admittedCtx context.Context) (outcome, error) {
		return p.dispatch(context.WithoutCancel(admittedCtx), w, r, principal, key)
	})

	if err != nil {
		span.RecordError(err)
		if categoryIs(err, core.CategoryQueueOverflow) {
			w.Header().Set("Retry-After", "30")
			p.fail(w, r, &principal, key, http.StatusServiceUnavailable, core.CategoryQueueOverflow, "queue overflow", start, r.URL.Path)
			return
		}
		if categoryIs(err, core.CategoryShutdown) {
			p.fail(w, r, &principal, key, http.StatusServiceUnavailable, core.CategoryShutdown, "shutdown in progress", start, r.URL.Path)
			return
		}
		// Context canceled (client disconnect during admission wait): the
		// connection is already gone, nothing to write.
		return
	}

	p.record(r, &principal, result, start)
}

func categoryIs(err error, category core.Category) bool {
	ge, ok := err.(*core.GatewayError)
	return ok && ge.Category == category
}

// dispatch runs Dispatching through Terminated: body classification,
// model/endpoint normalization, the upstream call, and response writing.
// It executes inside the scheduler's admitted slot.
func (p *Pipeline) dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, principal keystore.Principal, key string) (outcome, error) {
	contentType := r.Header.Get("Content-Type")
	shape := classifyBodyShape(r.Method, contentType, r.URL.Path)

	if shape == "multipart" {
		return p.dispatchMultipart(ctx, w, r, principal, key, contentType)
	}
	return p.dispatchJSON(ctx, w, r, principal, key)
}

func (p *Pipeline) dispatchJSON(ctx context.Context, w http.ResponseWriter, r *http.Request, principal keystore.Principal, key string) (outcome, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return p.writeError(w, http.StatusBadRequest, core.CategoryMalformed, "request body too large or unreadable"), nil
	}

	endpoint, body, model, normErr := p.deps.Policy.Normalize(r.URL.Path, raw)
	if normErr != nil {
		return p.writeError(w, statusForNormalizeErr(normErr), categoryOf(normErr), normErr.Error()), nil
	}

	var probe struct {
		Stream bool `json:"stream"`
	}
	json.Unmarshal(body, &probe)

	headers := http.Header{}
	if probe.Stream {
		return p.dispatchStreaming(ctx, w, endpoint, body, model, headers, principal, r)
	}

	resp, callErr := p.deps.Transport.JSON(ctx, transport.Request{
		Method: http.MethodPost, Path: endpoint, Headers: headers, Body: body,
	})
	if callErr != nil {
		return p.writeTransportError(w, callErr, true), nil
	}

	out := p.writeBufferedResponse(w, resp)
	p.logAccess(r, &principal, body)
	return out, nil
}

func (p *Pipeline) dispatchStreaming(ctx context.Context, w http.ResponseWriter, endpoint string, body []byte, model string, headers http.Header, principal keystore.Principal, r *http.Request) (outcome, error) {
	stream, err := p.deps.Transport.Streaming(ctx, transport.Request{
		Method: http.MethodPost, Path: endpoint, Headers: headers, Body: body,
	})
	if err != nil {
		return p.writeTransportError(w, err, false), nil
	}
	defer stream.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(stream.Status)

	flusher, _ := w.(http.Flusher)
	reader := bufio.NewReader(stream.Body)
	var lastModel string
	var lastPrompt, lastCompletion int

	for {
		chunk, readErr := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
			if m, pt, ct, ok := parseSSEUsage(chunk); ok {
				lastModel, lastPrompt, lastCompletion = m, pt, ct
			}
		}
		if readErr != nil {
			break
		}
	}

	if lastModel == "" {
		lastModel = model
	}
	p.logAccess(r, &principal, body)
	return outcome{status: stream.Status, model: lastModel, promptTokens: lastPrompt, completionTokens: lastCompletion}, nil
}

// parseSSEUsage scans one SSE line for a "data: {...}" frame and extracts
// usage/model if present.
func parseSSEUsage(line []byte) (model string, prompt, completion int, ok bool) {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return "", 0, 0, false
	}
	payload := bytes.TrimSpace(trimmed[len("data:"):])
	if bytes.Equal(payload, []byte("[DONE]")) {
		return "", 0, 0, false
	}
	var doc struct {
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", 0, 0, false
	}
	if doc.Model == "" && doc.Usage.PromptTokens == 0 && doc.Usage.CompletionTokens == 0 {
		return "", 0, 0, false
	}
	return doc.Model, doc.Usage.PromptTokens, doc.Usage.CompletionTokens, true
}

func (p *Pipeline) dispatchMultipart(ctx context.Context, w http.ResponseWriter, r *http.Request, principal keystore.Principal, key string, contentType string) (outcome, error) {
	if !p.slots.acquire(key) {
		return p.writeError(w, http.StatusTooManyRequests, core.CategoryUploadQuota, "too many concurrent uploads"), nil
	}
	defer p.slots.release(key)

	if p.deps.Metrics != nil {
		p.deps.Metrics.UploadStarted()
		defer p.deps.Metrics.UploadFinished()
	}

	scope := p.deps.Staging.NewScope()
	defer scope.Release()

	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return p.writeError(w, http.StatusBadRequest, core.CategoryMalformed, "invalid multipart content type"), nil
	}
	reader := multipart.NewReader(r.Body, params["boundary"])

	model := p.deps.Policy.DefaultModel()
	type stagedFile struct {
		fieldName, filename, mimeType, path string
	}
	var files []stagedFile
	partCount := 0

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return p.writeError(w, http.StatusBadRequest, core.CategoryMalformed, "malformed multipart body"), nil
		}
		partCount++
		if partCount > maxPartCount {
			return p.writeError(w, http.StatusBadRequest, core.CategoryMalformed, "too many multipart parts"), nil
		}

		if part.FormName() == "model" {
			data, _ := io.ReadAll(io.LimitReader(part, 256))
			if m := strings.TrimSpace(string(data)); m != "" {
				model = m
			}
			continue
		}

		entry, stageErr := scope.Stage(part.FormName(), part.FileName(), part.Header.Get("Content-Type"), io.LimitReader(part, maxPartBytes))
		if stageErr != nil {
			return p.writeError(w, http.StatusBadRequest, core.CategoryMalformed, "failed to stage upload part"), nil
		}
		files = append(files, stagedFile{part.FormName(), part.FileName(), entry.DeclaredMIME, entry.Path})
	}

	if !p.deps.Policy.ModelAllowed(model) {
		return p.writeError(w, http.StatusForbidden, core.CategoryPolicy, "model not allowed"), nil
	}

	// Reassemble with a fresh boundary.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("model", model)
	for _, f := range files {
		fw, werr := mw.CreatePart(multipartFileHeader(f.fieldName, f.filename, f.mimeType))
		if werr != nil {
			return p.writeError(w, http.StatusInternalServerError, core.CategoryUpstreamTransp, "failed to rebuild upload"), nil
		}
		fh, openErr := openStaged(f.path)
		if openErr != nil {
			return p.writeError(w, http.StatusInternalServerError, core.CategoryUpstreamTransp, "failed to read staged upload"), nil
		}
		io.Copy(fw, fh)
		fh.Close()
	}
	mw.Close()

	resp, callErr := p.deps.Transport.Multipart(ctx, transport.Request{
		Method:         http.MethodPost,
		Path:           r.URL.Path,
		MultipartBody:  buf.Bytes(),
		MultipartCType: mw.FormDataContentType(),
	})
	if callErr != nil {
		return p.writeTransportError(w, callErr, true), nil
	}

	out := p.writeBufferedResponse(w, resp)
	p.logAccess(r, &principal, []byte(fmt.Sprintf(`{"model":%q,"parts":%d}`, model, len(files))))
	return out, nil
}

func (p *Pipeline) writeBufferedResponse(w http.ResponseWriter, resp *transport.Response) outcome {
	ct := resp.Headers.Get("Content-Type")
	if ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)

	if strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/") {
		var doc struct {
			Model string `json:"model"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if json.Unmarshal(resp.Body, &doc) == nil {
			return outcome{status: resp.Status, model: doc.Model, promptTokens: doc.Usage.PromptTokens, completionTokens: doc.Usage.CompletionTokens}
		}
	}
	return outcome{status: resp.Status}
}

// writeTransportError writes a transport-layer failure (as opposed to a
// non-2xx upstream status, which passes through verbatim). bufferedPath
// distinguishes the JSON/multipart path, where a timed-out upstream call
// surfaces as 504, from the streaming path, where it stays 502 since
// headers may already be mid-flight.
func (p *Pipeline) writeTransportError(w http.ResponseWriter, err error, bufferedPath bool) outcome {
	var statusErr *transport.UpstreamStatusError
	if se, ok := err.(*transport.UpstreamStatusError); ok {
		statusErr = se
		ct := statusErr.Headers.Get("Content-Type")
		if ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(statusErr.Status)
		w.Write(statusErr.Body)
		return outcome{status: statusErr.Status}
	}

	status := http.StatusBadGateway
	if bufferedPath && isUpstreamTimeout(err) {
		status = http.StatusGatewayTimeout
	}

	body, _ := json.Marshal(core.NewErrorBody(core.CategoryUpstreamTransp, "upstream request failed"))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordError(string(core.CategoryUpstreamTransp))
	}
	return outcome{status: status}
}

// isUpstreamTimeout reports whether err (or anything it wraps) represents
// an upstream call that timed out rather than failed outright.
func isUpstreamTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (p *Pipeline) writeError(w http.ResponseWriter, status int, category core.Category, message string) outcome {
	body, _ := json.Marshal(core.NewErrorBody(category, message))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordError(string(category))
	}
	return outcome{status: status}
}

func (p *Pipeline) fail(w http.ResponseWriter, r *http.Request, principal *keystore.Principal, key string, status int, category core.Category, message string, start time.Time, endpoint string) {
	body, _ := json.Marshal(core.NewErrorBody(category, message))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)

	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordError(string(category))
		p.deps.Metrics.RecordRequest(endpoint, status, time.Since(start).Seconds())
	}
	if principal != nil {
		p.logAccess(r, principal, nil)
	}
}

func (p *Pipeline) record(r *http.Request, principal *keystore.Principal, out outcome, start time.Time) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordRequest(r.URL.Path, out.status, time.Since(start).Seconds())
		if out.model != "" {
			p.deps.Metrics.RecordTokens(out.model, out.promptTokens, out.completionTokens)
		}
	}
	if p.deps.Usage != nil && usage.ShouldRecord(out.model, out.promptTokens, out.completionTokens) {
		go p.deps.Usage.Write(usage.Record{
			PrincipalKey:     principal.Key,
			Model:            out.model,
			Endpoint:         r.URL.Path,
			PromptTokens:     out.promptTokens,
			CompletionTokens: out.completionTokens,
		})
	}
}

func (p *Pipeline) logAccess(r *http.Request, principal *keystore.Principal, body []byte) {
	if p.deps.AccessLog == nil {
		return
	}
	p.deps.AccessLog.Write(principal.Name, principal.Email, clientIP(r), r.Method, r.URL.Path, body)
}

// extractAPIKey checks a fixed list of header names under the case variants
// spec.md §4.5 names, returning the first non-empty value verbatim after
// trimming. Authorization is never stripped of a "Bearer " prefix.
func extractAPIKey(r *http.Request) string {
	for _, name := range []string{"Api-Key", "X-Api-Key", "ApiKey", "Authorization"} {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// classifyBodyShape implements spec.md §4.5's body classification rules.
func classifyBodyShape(method, contentType, path string) string {
	ct := strings.ToLower(contentType)
	if strings.HasPrefix(ct, "multipart/form-data") && strings.Contains(path, "/audio/") {
		return "multipart"
	}
	return "json"
}

func categoryOf(err error) core.Category {
	if ge, ok := err.(*core.GatewayError); ok {
		return ge.Category
	}
	return core.CategoryMalformed
}

func statusForNormalizeErr(err error) int {
	if ge, ok := err.(*core.GatewayError); ok {
		return ge.HTTPStatus()
	}
	return http.StatusBadRequest
}

func multipartFileHeader(fieldName, filename, contentType string) textproto.MIMEHeader {
	h := textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name=%q; filename=%q`, fieldName, filename)},
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return h
}

func openStaged(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
