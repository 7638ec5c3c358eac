package wire

import (
	"encoding/json"
	"fmt"
)

// Request is one framed call: {"method": ..., "params": ...}
type Request struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// Reply is the tagged response envelope. Success replies carry the method's
// return value under "result"; error replies carry "error".
type Reply struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// OK builds a success reply
func OK(result map[string]any) Reply {
	return Reply{Success: true, Result: result}
}

// Fail builds an error reply
func Fail(format string, args ...any) Reply {
	return Reply{Success: false, Error: fmt.Sprintf(format, args...)}
}

// DecodeRequest parses a single UTF-8 request frame
func DecodeRequest(frame []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrProtocol)
	}
	return &req, nil
}

// DecodeReply parses a single UTF-8 reply frame
func DecodeReply(frame []byte) (*Reply, error) {
	var reply Reply
	if err := json.Unmarshal(frame, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &reply, nil
}
