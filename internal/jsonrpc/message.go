// Package jsonrpc defines the wire types and framing mcpmon uses to move
// MCP's JSON-RPC 2.0 dialect between the client, mcpmon itself, and the
// supervised server's stdio. Frames are treated as opaque bytes wherever
// possible (spec: "mcpmon is a proxy, not a validator"), the Message
// type below exists for the places mcpmon genuinely needs a decoded
// view (classifying a frame, capturing initialize params, swapping an
// id), not as an intermediate every frame must round-trip through.
package jsonrpc

import "encoding/json"

// Message mirrors the JSON-RPC 2.0 envelope mcpmon needs to inspect.
// Result/Error/Params are kept as json.RawMessage so re-encoding (rare,
// only for internally synthesized requests) never reformats data mcpmon
// didn't originate.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Kind classifies a frame for the Supervisor/Forwarder's routing decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

// IsRequest reports whether m carries a method and an id (a call expecting a reply).
func (m Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// IsNotification reports whether m carries a method and no id.
func (m Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// IsResponse reports whether m carries an id and either a result or an error, no method.
func (m Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0 && (len(m.Result) > 0 || m.Error != nil)
}

func (m Message) Kind() Kind {
	switch {
	case m.IsRequest():
		return KindRequest
	case m.IsNotification():
		return KindNotification
	case m.IsResponse():
		return KindResponse
	default:
		return KindUnknown
	}
}

// ToolsListChangedNotification is the exact frame spec.md §6 requires mcpmon
// to emit to the client after every completed restart.
var ToolsListChangedNotification = []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

// responseEnvelope is used only to build frames mcpmon answers itself
// (virtual tool results, synthesized errors), id is kept as raw JSON so
// a string id round-trips without mcpmon ever deciding its type.
type responseEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// BuildResult encodes a locally-answered result under the given raw id.
func BuildResult(rawID []byte, result interface{}) ([]byte, error) {
	return json.Marshal(responseEnvelope{JSONRPC: "2.0", ID: rawID, Result: result})
}

// BuildError encodes a locally-answered error under the given raw id.
func BuildError(rawID []byte, code int, message string) ([]byte, error) {
	return json.Marshal(responseEnvelope{JSONRPC: "2.0", ID: rawID, Error: &Error{Code: code, Message: message}})
}
