package hooks

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/standardbeagle/mcpmon/internal/jsonrpc"
)

// MergeToolsList appends the Overlay's virtual tools to a server's
// tools/list response frame, surgically (via sjson) so the server's own
// tools and any fields mcpmon doesn't understand are left untouched.
func (o *Overlay) MergeToolsList(frame []byte) ([]byte, error) {
	if len(o.tools) == 0 {
		return frame, nil
	}

	existing := jsonrpc.RawField(frame, "result.tools")
	var serverTools []json.RawMessage
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &serverTools); err != nil {
			return frame, fmt.Errorf("hooks: parse existing tools list: %w", err)
		}
	}

	for _, vt := range o.Tools() {
		encoded, err := json.Marshal(vt)
		if err != nil {
			return frame, fmt.Errorf("hooks: encode virtual tool %q: %w", vt.Name, err)
		}
		serverTools = append(serverTools, encoded)
	}

	out, err := sjson.SetBytes(frame, "result.tools", serverTools)
	if err != nil {
		return frame, fmt.Errorf("hooks: merge virtual tools: %w", err)
	}
	return out, nil
}

// InterceptedToolName reports the tool name a tools/call request frame
// targets, and whether this Overlay has a virtual tool registered for
// it. The server should never see the request when ok is true.
func (o *Overlay) InterceptedToolName(frame []byte) (name string, ok bool) {
	insp := jsonrpc.Inspect(frame)
	if !insp.Parsed || insp.Method != "tools/call" {
		return "", false
	}

	name = string(jsonrpc.RawField(frame, "params.name"))
	name = trimQuotes(name)
	return name, o.Has(name)
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
