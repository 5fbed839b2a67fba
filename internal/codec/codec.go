// Package codec serializes the resumable execution context attached to a
// suspended stack run: an opaque continuation blob plus the structured
// payload that injects a resolved child outcome back into it.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrEmptyContinuation = errors.New("codec: empty continuation")

// Continuation is the persisted state of a suspended slice. Blob is whatever
// the executor adapter needs to pick up at the exact suspension point; the
// engine never looks inside it. CallID names the call site the slice was
// suspended at, so an adapter can detect a mismatched injection.
type Continuation struct {
	Blob   []byte `json:"b"`
	CallID string `json:"c,omitempty"`
}

// ResumePayload is the structured outcome of a resolved child, injected into
// a decoded continuation on resume. Exactly one of Result or Error is set.
type ResumePayload struct {
	CallID string          `json:"call_id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Encode packs a continuation into the opaque byte form stored on a stack
// run. The blob survives byte-for-byte.
func Encode(c Continuation) []byte {
	data, _ := json.Marshal(c)
	out := make([]byte, base64.RawURLEncoding.EncodedLen(len(data)))
	base64.RawURLEncoding.Encode(out, data)
	return out
}

// Decode unpacks a stored continuation.
func Decode(raw []byte) (Continuation, error) {
	if len(raw) == 0 {
		return Continuation{}, ErrEmptyContinuation
	}
	data := make([]byte, base64.RawURLEncoding.DecodedLen(len(raw)))
	n, err := base64.RawURLEncoding.Decode(data, raw)
	if err != nil {
		return Continuation{}, fmt.Errorf("codec: decode continuation: %w", err)
	}
	var c Continuation
	if err := json.Unmarshal(data[:n], &c); err != nil {
		return Continuation{}, fmt.Errorf("codec: unmarshal continuation: %w", err)
	}
	return c, nil
}

// EncodePayload marshals a resume payload for storage on a stack run.
func EncodePayload(p ResumePayload) json.RawMessage {
	data, _ := json.Marshal(p)
	return data
}

// DecodePayload unmarshals a stored resume payload.
func DecodePayload(raw json.RawMessage) (ResumePayload, error) {
	var p ResumePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ResumePayload{}, fmt.Errorf("codec: unmarshal resume payload: %w", err)
	}
	return p, nil
}
