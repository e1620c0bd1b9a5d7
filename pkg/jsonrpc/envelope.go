// Package jsonrpc implements the JSON-RPC 2.0 envelope Only1MCP speaks with
// both clients and backends (spec §3 McpRequest/McpResponse). It
// deliberately does not interpret method-specific params/result bodies —
// those remain opaque json.RawMessage, per spec §1's non-goals.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doublegate/Only1MCP-sub003/pkg/ocode"
)

// Version is the only JSON-RPC version Only1MCP speaks.
const Version = "2.0"

// ID is a JSON-RPC id: a string, a number, or null. A nil ID marks a
// notification per spec §3.
type ID struct {
	value any // nil, string, or json.Number
}

// NewID wraps a string or numeric id.
func NewID(v any) ID {
	switch v.(type) {
	case nil, string, json.Number, float64, int, int64:
		return ID{value: v}
	default:
		return ID{value: fmt.Sprintf("%v", v)}
	}
}

// IsNil reports whether this ID represents a notification (absent id).
func (id ID) IsNil() bool { return id.value == nil }

// Value returns the underlying id value.
func (id ID) Value() any { return id.value }

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "null" {
		id.value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		id.value = s
		return nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		id.value = n
		return nil
	}
	return fmt.Errorf("jsonrpc: invalid id %q", trimmed)
}

// Request is an inbound or outbound JSON-RPC 2.0 request/notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether this request carries no id and therefore
// expects no response (spec §3).
func (r *Request) IsNotification() bool { return r.ID.IsNil() }

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error from a JSON-RPC code, defaulting the message to
// the canonical text for well-known codes.
func NewError(code int, msg string) *Error {
	if msg == "" {
		msg = ocode.Message(code)
	}
	return &Error{Code: code, Message: msg}
}

// Response is an outbound JSON-RPC 2.0 response. Exactly one of
// Result/Error is set (spec invariant 1).
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResultResponse builds a success envelope echoing id.
func NewResultResponse(id ID, result json.RawMessage) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error envelope echoing id.
func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// Document is either a single Request or a batch (array) of Requests, as
// accepted on the wire by /mcp and friends (spec §6).
type Document struct {
	Batch    bool
	Single   *Request
	Requests []*Request
}

// ParseDocument decodes a raw client body into a Document. Malformed JSON
// maps to ocode.ErrParse; a well-formed-but-empty batch or a request
// missing "method" maps to ocode.ErrValidation.
func ParseDocument(body []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ocode.ErrParse)
	}

	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ocode.ErrParse, err)
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("%w: empty batch", ocode.ErrValidation)
		}
		reqs := make([]*Request, 0, len(raw))
		for _, r := range raw {
			req, err := parseRequest(r)
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, req)
		}
		return &Document{Batch: true, Requests: reqs}, nil
	}

	req, err := parseRequest(trimmed)
	if err != nil {
		return nil, err
	}
	return &Document{Single: req, Requests: []*Request{req}}, nil
}

func parseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ocode.ErrParse, err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ocode.ErrValidation)
	}
	if req.JSONRPC == "" {
		req.JSONRPC = Version
	} else if req.JSONRPC != Version {
		return nil, fmt.Errorf("%w: unsupported jsonrpc version %q", ocode.ErrValidation, req.JSONRPC)
	}
	return &req, nil
}

// EncodeResponses serializes either a single Response or a batch, mirroring
// the shape of the inbound Document (spec §6: single in, single out; array
// in, array out). Notifications produce no entry.
func EncodeResponses(batch bool, responses []*Response) ([]byte, error) {
	if !batch {
		if len(responses) == 0 {
			return nil, nil
		}
		return json.Marshal(responses[0])
	}
	if len(responses) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(responses)
}

// ErrEmptyResponse is returned by callers that expected at least one
// response to serialize for a non-batch, non-notification request.
var ErrEmptyResponse = errors.New("jsonrpc: no response to encode")
