package jsonrpc

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Tap is the result of opportunistically inspecting one frame without a
// full unmarshal. Parsed is false when the line was not well-formed JSON;
// per spec.md §4.4 the Forwarder must still pass the raw bytes through
// unchanged in that case.
type Tap struct {
	Parsed  bool
	ID      gjson.Result
	Method  string
	HasResult bool
	HasError  bool
}

// Inspect classifies a raw frame using gjson, which only walks as much of
// the document as needed to answer each Get, cheaper than a full
// encoding/json Unmarshal for the common case of "just tell me the id and
// method", and it never re-serializes the document.
func Inspect(frame []byte) Tap {
	if !gjson.ValidBytes(frame) {
		return Tap{}
	}
	parsed := gjson.ParseBytes(frame)
	return Tap{
		Parsed:    true,
		ID:        parsed.Get("id"),
		Method:    parsed.Get("method").String(),
		HasResult: parsed.Get("result").Exists(),
		HasError:  parsed.Get("error").Exists(),
	}
}

// WithID returns a copy of frame with its top-level "id" field replaced
// by id, leaving every other byte (key order, spacing, unrelated
// fields) untouched. The forwarding path does not call it: client ids
// pass through unchanged, and internal requests are built with their
// internal id from the start.
func WithID(frame []byte, id interface{}) ([]byte, error) {
	out, err := sjson.SetBytes(frame, "id", id)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RawID returns the frame's "id" field as raw JSON, preserving its type
// (number vs string) exactly, or nil if the frame has no id.
func RawID(frame []byte) []byte {
	r := gjson.GetBytes(frame, "id")
	if !r.Exists() {
		return nil
	}
	return []byte(r.Raw)
}

// RawField returns a top-level field's raw JSON bytes, or nil if absent.
// Used to pull "params" out of a request or "result"/"error" out of a
// response without a full unmarshal.
func RawField(frame []byte, field string) []byte {
	r := gjson.GetBytes(frame, field)
	if !r.Exists() {
		return nil
	}
	return []byte(r.Raw)
}
