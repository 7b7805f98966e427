package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// ============================================================================
// JSON-RPC 2.0 TRANSPORT
// Requests are wrapped in the standard envelope with monotonically
// increasing ids; batch calls send an array body and map responses back by
// id, falling back to position when the server omits ids.
// ============================================================================

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSONRPC is the JSON-RPC 2.0 transport.
type JSONRPC struct {
	*base
	nextID atomic.Int64
}

// NewJSONRPC creates a JSON-RPC transport for the configured endpoint.
func NewJSONRPC(cfg Config, logger *slog.Logger) (*JSONRPC, error) {
	b, err := newBase(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &JSONRPC{base: b}, nil
}

var _ Transport = (*JSONRPC)(nil)

// Request sends a single JSON-RPC call. Wire and remote failures land in the
// Response; the error return is reserved for invalid input.
func (t *JSONRPC) Request(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Method == "" {
		return nil, fmt.Errorf("jsonrpc: request method is required")
	}

	cfg := t.Config()
	ctx, cancel := context.WithTimeout(ctx, cfg.timeoutFor(req))
	defer cancel()

	ctx, span := startSpan(ctx, KindJSONRPC, req.Method, cfg.Endpoint)
	envelope := rpcRequest{
		JSONRPC: "2.0",
		Method:  req.Method,
		Params:  req.Params,
		ID:      t.nextID.Add(1),
	}

	raw, resp := t.post(ctx, req, envelope)
	if resp != nil {
		endSpan(span, resp)
		return resp, nil
	}

	out := decodeRPCResponse(raw)
	endSpan(span, out)
	return out, nil
}

// Batch sends all requests as one JSON-RPC batch array. The returned slice
// is positionally aligned with reqs; entries the server did not answer are
// failed responses.
func (t *JSONRPC) Batch(ctx context.Context, reqs []*Request) ([]*Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	cfg := t.Config()
	ctx, cancel := context.WithTimeout(ctx, cfg.timeoutFor(reqs[0]))
	defer cancel()

	ctx, span := startSpan(ctx, KindJSONRPC, "batch", cfg.Endpoint)
	defer span.End()

	envelopes := make([]rpcRequest, len(reqs))
	ids := make([]int64, len(reqs))
	for i, req := range reqs {
		if req == nil || req.Method == "" {
			return nil, fmt.Errorf("jsonrpc: batch entry %d: request method is required", i)
		}
		id := t.nextID.Add(1)
		ids[i] = id
		envelopes[i] = rpcRequest{JSONRPC: "2.0", Method: req.Method, Params: req.Params, ID: id}
	}

	raw, failed := t.post(ctx, reqs[0], envelopes)
	if failed != nil {
		// The whole batch failed; every entry gets the same failure.
		out := make([]*Response, len(reqs))
		for i := range out {
			out[i] = failed
		}
		return out, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		failed := &Response{OK: false, Err: &Error{
			Code:    CodeProtocolError,
			Message: fmt.Sprintf("jsonrpc: batch response is not an array: %v", err),
		}}
		out := make([]*Response, len(reqs))
		for i := range out {
			out[i] = failed
		}
		return out, nil
	}

	// Map responses by id, then fill remaining slots positionally.
	byID := make(map[int64]*Response, len(entries))
	var unmatched []*Response
	for _, entry := range entries {
		var rr rpcResponse
		if err := json.Unmarshal(entry, &rr); err != nil {
			unmatched = append(unmatched, &Response{OK: false, Err: &Error{
				Code:    CodeProtocolError,
				Message: fmt.Sprintf("jsonrpc: malformed batch entry: %v", err),
			}})
			continue
		}
		resp := rpcToResponse(&rr)
		if rr.ID != nil {
			byID[*rr.ID] = resp
		} else {
			unmatched = append(unmatched, resp)
		}
	}

	out := make([]*Response, len(reqs))
	next := 0
	for i, id := range ids {
		if resp, ok := byID[id]; ok {
			out[i] = resp
			continue
		}
		if next < len(unmatched) {
			out[i] = unmatched[next]
			next++
			continue
		}
		out[i] = &Response{OK: false, Err: &Error{
			Code:    CodeProtocolError,
			Message: fmt.Sprintf("jsonrpc: no response for batch entry %d", i),
		}}
	}
	return out, nil
}

// Stream is not supported over plain JSON-RPC.
func (t *JSONRPC) Stream(ctx context.Context, req *Request) (*Stream, error) {
	return nil, fmt.Errorf("jsonrpc: %w", ErrStreamingUnsupported)
}

// post executes one HTTP POST with the given JSON body. On failure it
// returns a non-nil failed Response and nil raw body.
func (t *JSONRPC) post(ctx context.Context, req *Request, body any) (json.RawMessage, *Response) {
	cfg := t.Config()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Response{OK: false, Err: &Error{
			Code:    CodeTransportError,
			Message: fmt.Sprintf("jsonrpc: marshal request: %v", err),
		}}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Response{OK: false, Err: &Error{
			Code:    CodeTransportError,
			Message: fmt.Sprintf("jsonrpc: build request: %v", err),
		}}
	}
	t.applyHeaders(httpReq, req)

	resp, err := t.doer.Do(httpReq)
	if err != nil {
		// The client surfaces non-2xx statuses as errors alongside the
		// response; map those to an HTTP failure with the status attached.
		if resp != nil {
			defer resp.Body.Close()
			raw, _ := io.ReadAll(resp.Body)
			return nil, &Response{OK: false, Err: &Error{
				Code:    CodeHTTPError,
				Message: fmt.Sprintf("jsonrpc: HTTP %d: %s", resp.StatusCode, truncate(raw, 256)),
				Detail:  resp.StatusCode,
			}}
		}
		return nil, failedResponse(ctx, "jsonrpc request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failedResponse(ctx, "jsonrpc read response", err)
	}

	return raw, nil
}

func decodeRPCResponse(raw json.RawMessage) *Response {
	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return &Response{OK: false, Err: &Error{
			Code:    CodeProtocolError,
			Message: fmt.Sprintf("jsonrpc: malformed response: %v", err),
		}}
	}
	return rpcToResponse(&rr)
}

func rpcToResponse(rr *rpcResponse) *Response {
	if rr.Error != nil {
		return &Response{OK: false, Err: &Error{
			Code:    CodeRPCError,
			Message: rr.Error.Message,
			Detail:  map[string]any{"code": rr.Error.Code, "data": rr.Error.Data},
		}}
	}
	return &Response{OK: true, Data: rr.Result}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
