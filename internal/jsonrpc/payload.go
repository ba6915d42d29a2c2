package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Payload is what travels down the middleware chain: either a single
// request or an ordered batch of requests.
type Payload struct {
	Requests []*Request
	Batch    bool
}

// NewSinglePayload wraps one request
func NewSinglePayload(req *Request) *Payload {
	return &Payload{Requests: []*Request{req}}
}

// NewBatchPayload wraps an ordered batch of requests. An empty batch is
// legal on the wire and encodes as [].
func NewBatchPayload(reqs []*Request) *Payload {
	if reqs == nil {
		reqs = []*Request{}
	}
	return &Payload{Requests: reqs, Batch: true}
}

// Single returns the only request of a non-batch payload
func (p *Payload) Single() *Request {
	if p.Batch || len(p.Requests) != 1 {
		return nil
	}
	return p.Requests[0]
}

// Methods returns the method names in payload order
func (p *Payload) Methods() []string {
	methods := make([]string, len(p.Requests))
	for i, r := range p.Requests {
		methods[i] = r.Method
	}
	return methods
}

// MarshalJSON encodes a single payload as an object and a batch as an array
func (p *Payload) MarshalJSON() ([]byte, error) {
	if p.Batch {
		return json.Marshal(p.Requests)
	}
	if len(p.Requests) != 1 {
		return nil, fmt.Errorf("single payload must hold exactly one request, got %d", len(p.Requests))
	}
	return json.Marshal(p.Requests[0])
}

// Reply is the decoded answer to a Payload. Batch reports whether the
// wire form was an array; a batch rejected outright by the node comes back
// as a non-batch reply holding one error response.
type Reply struct {
	Responses []*Response
	Batch     bool
}

// Single returns the only response of a non-batch reply
func (r *Reply) Single() *Response {
	if r.Batch || len(r.Responses) != 1 {
		return nil
	}
	return r.Responses[0]
}

// ParseReply decodes raw provider bytes into a Reply
func ParseReply(data []byte) (*Reply, error) {
	responses, isBatch, err := ParseBatchResponse(data)
	if err != nil {
		return nil, err
	}
	return &Reply{Responses: responses, Batch: isBatch}, nil
}

// PayloadIDs extracts the correlation keys from an encoded payload without
// decoding params. Null ids (notifications) are skipped.
func PayloadIDs(data []byte) ([]string, bool, error) {
	data = trimWhitespace(data)
	if len(data) == 0 {
		return nil, false, ErrEmptyMessage
	}

	type idOnly struct {
		ID ID `json:"id"`
	}

	if data[0] == '[' {
		var items []idOnly
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, true, fmt.Errorf("failed to parse batch ids: %w", err)
		}
		ids := make([]string, 0, len(items))
		for _, it := range items {
			if !it.ID.IsNull() {
				ids = append(ids, it.ID.Key())
			}
		}
		return ids, true, nil
	}

	var item idOnly
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, false, fmt.Errorf("failed to parse id: %w", err)
	}
	if item.ID.IsNull() {
		return nil, false, nil
	}
	return []string{item.ID.Key()}, false, nil
}
