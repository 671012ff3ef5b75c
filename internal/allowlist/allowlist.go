// Package allowlist enforces which endpoints and models a request may
// reach, and normalizes requests the way spec.md §4.2 requires: strip the
// query string, default a missing model to the configured default, and
// prepend "/v1/" to endpoint paths that lack it.
package allowlist

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gomind-oss/llmgateway/core"
	"github.com/gomind-oss/llmgateway/internal/proxyconfig"
)

// Policy answers endpoint/model allowlist questions against a fixed,
// config-loaded set. It holds no mutable state — reloading the allowlist
// means constructing a new Policy and swapping it in, same as the rest of
// proxyconfig's config document.
type Policy struct {
	enabled      bool
	endpoints    map[string]struct{}
	models       map[string]struct{}
	defaultModel string
	logger       core.Logger
}

// New builds a Policy from the ALLOWLIST config section.
func New(cfg proxyconfig.Allowlist, logger core.ComponentAwareLogger) *Policy {
	var log core.Logger = logger
	if logger != nil {
		log = logger.WithComponent("gateway/allowlist")
	}

	endpoints := make(map[string]struct{}, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		endpoints[normalizeEndpoint(e)] = struct{}{}
	}
	models := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m] = struct{}{}
	}

	return &Policy{
		enabled:      cfg.Enabled,
		endpoints:    endpoints,
		models:       models,
		defaultModel: cfg.DefaultModel,
		logger:       log,
	}
}

// EndpointAllowed reports whether path (after query-string stripping and
// "/v1/" normalization) is in the endpoint allowlist.
func (p *Policy) EndpointAllowed(path string) bool {
	if !p.enabled {
		return true
	}
	_, ok := p.endpoints[normalizeEndpoint(stripQuery(path))]
	return ok
}

// ModelAllowed reports whether model is in the model allowlist. An empty
// model is never itself checked here — callers substitute the default via
// Normalize before this matters.
func (p *Policy) ModelAllowed(model string) bool {
	if !p.enabled {
		return true
	}
	_, ok := p.models[model]
	return ok
}

// DefaultModel returns the model substituted when a request body omits one.
func (p *Policy) DefaultModel() string {
	return p.defaultModel
}

// Normalize strips the query string from endpoint, and — for JSON bodies
// carrying a "model" field — substitutes the configured default model when
// the field is absent or empty, logging the substitution. It returns the
// normalized endpoint, the (possibly substituted) body, the resolved model
// name, and any error classifying the request against the allowlist.
func (p *Policy) Normalize(endpoint string, body []byte) (string, []byte, string, error) {
	endpoint = normalizeEndpoint(stripQuery(endpoint))

	if !p.EndpointAllowed(endpoint) {
		return endpoint, body, "", core.NewGatewayError("allowlist.normalize", core.CategoryPolicy, core.ErrEndpointNotAllowed)
	}

	if len(body) == 0 {
		return endpoint, body, p.defaultModel, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		// Non-JSON bodies (e.g. multipart) carry no "model" field to
		// normalize; let the caller's own body-shape logic decide the model.
		return endpoint, body, "", nil
	}

	model := extractModel(doc)
	if model == "" {
		if p.defaultModel == "" {
			return endpoint, body, "", core.NewGatewayError("allowlist.normalize", core.CategoryMalformed, core.ErrMalformedRequest)
		}
		if p.logger != nil {
			p.logger.Info("substituting default model", map[string]interface{}{
				"endpoint": endpoint,
				"model":    p.defaultModel,
			})
		}
		doc["model"] = mustMarshal(p.defaultModel)
		model = p.defaultModel
		if patched, err := json.Marshal(doc); err == nil {
			body = patched
		}
	}

	if !p.ModelAllowed(model) {
		return endpoint, body, model, core.NewGatewayError("allowlist.normalize", core.CategoryPolicy, core.ErrModelNotAllowed)
	}

	return endpoint, body, model, nil
}

func extractModel(doc map[string]json.RawMessage) string {
	raw, ok := doc["model"]
	if !ok {
		return ""
	}
	var model string
	if err := json.Unmarshal(raw, &model); err != nil {
		return ""
	}
	return model
}

func mustMarshal(s string) json.RawMessage {
	data, err := json.Marshal(s)
	if err != nil {
		// s is always a plain config-sourced string; marshaling it cannot fail.
		panic(fmt.Sprintf("allowlist: marshal default model: %v", err))
	}
	return data
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func normalizeEndpoint(path string) string {
	if path == "" || strings.HasPrefix(path, "/v1/") {
		return path
	}
	trimmed := strings.TrimPrefix(path, "/")
	return "/v1/" + trimmed
}
