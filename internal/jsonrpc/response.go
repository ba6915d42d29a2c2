package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ErrEmptyMessage is returned when there is nothing to decode
var ErrEmptyMessage = errors.New("empty JSON-RPC message")

// Response represents a JSON-RPC response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      ID              `json:"id"`
}

// HasError returns true if the response contains an error
func (r *Response) HasError() bool {
	return r.Error != nil
}

// HasResult returns true if the response carries a result member, even a null one
func (r *Response) HasResult() bool {
	return r.Result != nil
}

// ResultIsNull returns true if the response result is JSON null
func (r *Response) ResultIsNull() bool {
	if r == nil {
		return true
	}
	if len(r.Result) == 0 {
		return true
	}
	return bytes.Equal(r.Result, []byte("null"))
}

// NewResponse creates a successful response
func NewResponse(id ID, result interface{}) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Result:  resultBytes,
	}, nil
}

// ParseResponse parses a JSON-RPC response from bytes
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ParseBatchResponse parses a batch of JSON-RPC responses.
// The bool result reports whether the data was an array.
func ParseBatchResponse(data []byte) ([]*Response, bool, error) {
	data = trimWhitespace(data)
	if len(data) == 0 {
		return nil, false, ErrEmptyMessage
	}

	if data[0] == '[' {
		var responses []*Response
		if err := json.Unmarshal(data, &responses); err != nil {
			return nil, true, err
		}
		return responses, true, nil
	}

	resp, err := ParseResponse(data)
	if err != nil {
		return nil, false, err
	}
	return []*Response{resp}, false, nil
}

// IsRetryableError checks if the error is worth another attempt.
// Malformed requests, unknown methods and execution failures are not.
func (r *Response) IsRetryableError() bool {
	if r.Error == nil {
		return false
	}

	switch r.Error.Code {
	case CodeParseError, CodeInvalidRequest, CodeMethodNotFound, CodeInvalidParams:
		return false
	}

	msg := strings.ToLower(r.Error.Message)
	for _, s := range nonRetryableMessages {
		if strings.Contains(msg, s) {
			return false
		}
	}

	return true
}

// nonRetryableMessages are logical errors in the request, not node issues
var nonRetryableMessages = []string{
	"execution reverted",
	"insufficient funds",
	"nonce too low",
	"nonce too high",
	"already known",
	"replacement transaction underpriced",
}
