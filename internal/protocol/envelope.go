package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Status is the outcome carried by a Reply.
type Status string

const (
	StatusDone     Status = "done"
	StatusAccepted Status = "accepted"
	StatusError    Status = "error"
)

// Valid reports whether s is one of the three reply statuses.
func (s Status) Valid() bool {
	return s == StatusDone || s == StatusAccepted || s == StatusError
}

// Request is one client call.
type Request struct {
	Action    string         `json:"action"`
	RequestID string         `json:"request_id"`
	Params    map[string]any `json:"params"`
}

// Reply is the answer to one Request.
type Reply struct {
	Status    Status         `json:"status"`
	Msg       string         `json:"msg"`
	Data      map[string]any `json:"data"`
	RequestID string         `json:"request_id,omitempty"`
}

// Done builds a successful reply.
func Done(msg string, data map[string]any) Reply {
	return Reply{Status: StatusDone, Msg: msg, Data: data}
}

// Accepted builds a reply for work that continues asynchronously.
func Accepted(msg string, data map[string]any) Reply {
	return Reply{Status: StatusAccepted, Msg: msg, Data: data}
}

// Fail builds an error reply.
func Fail(msg string, data map[string]any) Reply {
	return Reply{Status: StatusError, Msg: msg, Data: data}
}

// DecodeRequest parses a JSON request. Numbers in params are kept as
// json.Number so integers survive exactly.
func DecodeRequest(data []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if dec.More() {
		return Request{}, fmt.Errorf("decode request: trailing data")
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	return req, nil
}

// DecodeReply parses a JSON reply.
func DecodeReply(data []byte) (Reply, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var rep Reply
	if err := dec.Decode(&rep); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	if !rep.Status.Valid() {
		return Reply{}, fmt.Errorf("decode reply: invalid status %q", rep.Status)
	}
	return rep, nil
}
