package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ============================================================================
// JSON-REST TRANSPORT
// Method names resolve to HTTP routes through a caller-supplied mapping
// table. Methods absent from the table fall back to POST /{method}.
// ============================================================================

// ParamMapping selects where request params are serialized.
type ParamMapping string

const (
	ParamsInBody  ParamMapping = "body"
	ParamsInQuery ParamMapping = "query"
	ParamsInPath  ParamMapping = "path"
)

// EndpointMapping resolves one method name to an HTTP route.
type EndpointMapping struct {
	Path         string       `json:"path" yaml:"path"`
	Method       string       `json:"method" yaml:"method"`
	ParamMapping ParamMapping `json:"paramMapping,omitempty" yaml:"param_mapping,omitempty"`
}

// REST is the JSON-over-REST transport.
type REST struct {
	*base
}

// NewREST creates a REST transport for the configured endpoint.
func NewREST(cfg Config, logger *slog.Logger) (*REST, error) {
	b, err := newBase(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &REST{base: b}, nil
}

var _ Transport = (*REST)(nil)

// Request resolves the method through the endpoint mapping and performs the
// HTTP call. Wire failures land in the Response.
func (t *REST) Request(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Method == "" {
		return nil, fmt.Errorf("rest: request method is required")
	}

	cfg := t.Config()
	ctx, cancel := context.WithTimeout(ctx, cfg.timeoutFor(req))
	defer cancel()

	ctx, span := startSpan(ctx, KindREST, req.Method, cfg.Endpoint)
	resp := t.do(ctx, req)
	endSpan(span, resp)
	return resp, nil
}

// Batch executes requests sequentially; REST has no native batch call.
// Per-item failures are isolated in their own Response entry.
func (t *REST) Batch(ctx context.Context, reqs []*Request) ([]*Response, error) {
	out := make([]*Response, len(reqs))
	for i, req := range reqs {
		resp, err := t.Request(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("rest: batch entry %d: %w", i, err)
		}
		out[i] = resp
	}
	return out, nil
}

// Stream is not supported over plain REST.
func (t *REST) Stream(ctx context.Context, req *Request) (*Stream, error) {
	return nil, fmt.Errorf("rest: %w", ErrStreamingUnsupported)
}

func (t *REST) do(ctx context.Context, req *Request) *Response {
	cfg := t.Config()

	mapping, ok := cfg.EndpointMapping[req.Method]
	if !ok {
		// Fallback route for unmapped methods.
		mapping = EndpointMapping{
			Path:         "/" + req.Method,
			Method:       http.MethodPost,
			ParamMapping: ParamsInBody,
		}
	}
	if mapping.Method == "" {
		mapping.Method = http.MethodPost
	}
	if mapping.ParamMapping == "" {
		mapping.ParamMapping = ParamsInBody
	}

	target := strings.TrimRight(cfg.Endpoint, "/") + mapping.Path
	var body io.Reader

	switch mapping.ParamMapping {
	case ParamsInQuery:
		values, err := paramsToValues(req.Params)
		if err != nil {
			return &Response{OK: false, Err: &Error{
				Code:    CodeTransportError,
				Message: fmt.Sprintf("rest: serialize query params: %v", err),
			}}
		}
		if encoded := values.Encode(); encoded != "" {
			target += "?" + encoded
		}

	case ParamsInPath:
		resolved, err := fillPathParams(target, req.Params)
		if err != nil {
			return &Response{OK: false, Err: &Error{
				Code:    CodeTransportError,
				Message: fmt.Sprintf("rest: resolve path params: %v", err),
			}}
		}
		target = resolved

	default: // body
		if req.Params != nil {
			payload, err := json.Marshal(req.Params)
			if err != nil {
				return &Response{OK: false, Err: &Error{
					Code:    CodeTransportError,
					Message: fmt.Sprintf("rest: marshal request body: %v", err),
				}}
			}
			body = bytes.NewReader(payload)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, mapping.Method, target, body)
	if err != nil {
		return &Response{OK: false, Err: &Error{
			Code:    CodeTransportError,
			Message: fmt.Sprintf("rest: build request: %v", err),
		}}
	}
	t.applyHeaders(httpReq, req)

	resp, err := t.doer.Do(httpReq)
	if err != nil {
		// Non-2xx statuses come back as errors with the response attached.
		if resp != nil {
			defer resp.Body.Close()
			raw, _ := io.ReadAll(resp.Body)
			return &Response{OK: false, Err: &Error{
				Code:    CodeHTTPError,
				Message: fmt.Sprintf("rest: HTTP %d: %s", resp.StatusCode, truncate(raw, 256)),
				Detail:  resp.StatusCode,
			}}
		}
		return failedResponse(ctx, "rest request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return failedResponse(ctx, "rest read response", err)
	}

	return &Response{OK: true, Data: raw}
}

// paramsToValues flattens params into URL query values. Params must
// serialize to a JSON object; nested values are encoded as JSON strings.
func paramsToValues(params any) (url.Values, error) {
	values := url.Values{}
	if params == nil {
		return values, nil
	}

	fields, err := paramsToMap(params)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		switch typed := v.(type) {
		case string:
			values.Set(k, typed)
		case float64, bool, int, int64:
			values.Set(k, fmt.Sprintf("%v", typed))
		case nil:
			// skip
		default:
			nested, err := json.Marshal(typed)
			if err != nil {
				return nil, fmt.Errorf("encode field %q: %w", k, err)
			}
			values.Set(k, string(nested))
		}
	}
	return values, nil
}

// fillPathParams substitutes {name} placeholders in the target URL with
// matching param fields.
func fillPathParams(target string, params any) (string, error) {
	fields, err := paramsToMap(params)
	if err != nil {
		return "", err
	}
	for k, v := range fields {
		placeholder := "{" + k + "}"
		if strings.Contains(target, placeholder) {
			target = strings.ReplaceAll(target, placeholder, url.PathEscape(fmt.Sprintf("%v", v)))
		}
	}
	if i := strings.IndexByte(target, '{'); i >= 0 {
		return "", fmt.Errorf("unresolved path placeholder in %q", target)
	}
	return target, nil
}

func paramsToMap(params any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	if m, ok := params.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("params must serialize to an object: %w", err)
	}
	return m, nil
}
