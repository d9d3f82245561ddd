// Package hooks implements mcpmon's optional frame-hook and virtual-tool
// overlay. Empty by default, it exists so mcpmon can be embedded with
// local behavior injected into the proxied stream without forking the
// Forwarder, per SPEC_FULL.md §11.
//
// Follows internal/mcp/hub_tools.go's mark3labs/mcp-go tool-schema-
// building idiom (mcplib.NewTool + WithDescription/WithString/Required),
// repurposed here from "a tool that calls out to another brummer
// instance over its hub" to "a tool mcpmon answers locally, without
// ever reaching the supervised server".
package hooks

import (
	"context"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/standardbeagle/mcpmon/internal/forwarder"
)

// hookTimeout bounds how long a single hook may take before it is
// skipped, per SPEC_FULL.md §11's "per-hook 200ms timeout".
const hookTimeout = 200 * time.Millisecond

// Hook inspects or rewrites a frame travelling in direction dir. A nil
// return with a nil error suppresses the frame (it is not forwarded); a
// non-nil return replaces it; returning the input frame unchanged is the
// identity case. An error is reported through the Registry's OnError
// callback and treated as identity (frame passes through unchanged), a misbehaving hook must
// never stall or corrupt the proxied stream.
type Hook func(dir forwarder.Direction, frame []byte) ([]byte, error)

// Registry runs an ordered chain of Hooks over every frame.
type Registry struct {
	hooks []Hook

	// onError, if set, is called whenever a hook errors or times out,
	// the frame still passes through unchanged either way, this is only
	// for observability (the Supervisor wires it to events.HookError).
	onError func(err error)
}

// New creates an empty Registry.
func New() *Registry { return &Registry{} }

// Register appends a hook to the end of the chain.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
}

// OnError registers a callback invoked whenever a hook errors or times
// out. The offending hook's output is still discarded and the frame
// passes through unchanged regardless of whether a callback is set.
func (r *Registry) OnError(fn func(err error)) { r.onError = fn }

// Len reports how many hooks are registered.
func (r *Registry) Len() int { return len(r.hooks) }

// Run passes frame through every registered hook in order, feeding each
// hook's output to the next. Returning forward=false means a hook
// suppressed the frame and nothing further should happen with it.
func (r *Registry) Run(ctx context.Context, dir forwarder.Direction, frame []byte) (out []byte, forward bool) {
	out = frame
	for _, h := range r.hooks {
		next, ok := r.runOne(ctx, h, dir, out)
		if !ok {
			continue
		}
		if next == nil {
			return nil, false
		}
		out = next
	}
	return out, true
}

func (r *Registry) runOne(ctx context.Context, h Hook, dir forwarder.Direction, frame []byte) ([]byte, bool) {
	type result struct {
		frame []byte
		err   error
	}
	done := make(chan result, 1)

	go func() {
		f, err := h(dir, frame)
		done <- result{frame: f, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			r.reportError(res.err)
			return frame, false
		}
		return res.frame, true
	case <-time.After(hookTimeout):
		r.reportError(fmt.Errorf("hooks: hook exceeded %s timeout", hookTimeout))
		return frame, false
	case <-ctx.Done():
		r.reportError(ctx.Err())
		return frame, false
	}
}

func (r *Registry) reportError(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}

// ToolHandler answers a virtual tool call locally, without involving the
// supervised server.
type ToolHandler func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error)

// VirtualTool is a tool mcpmon advertises and answers itself, merged
// into the server's tools/list response and intercepted out of
// tools/call before it would otherwise reach the server.
type VirtualTool struct {
	Tool    mcplib.Tool
	Handler ToolHandler
}

// Overlay holds the virtual tools mcpmon answers locally. Empty by
// default, per SPEC_FULL.md §11; mcpmon ships no built-in virtual
// tools, only the mechanism for a caller to register one.
type Overlay struct {
	tools map[string]VirtualTool
}

// NewOverlay creates an empty Overlay.
func NewOverlay() *Overlay {
	return &Overlay{tools: make(map[string]VirtualTool)}
}

// Register adds a virtual tool, replacing any existing one of the same
// name.
func (o *Overlay) Register(vt VirtualTool) {
	o.tools[vt.Tool.Name] = vt
}

// Has reports whether name is a registered virtual tool.
func (o *Overlay) Has(name string) bool {
	_, ok := o.tools[name]
	return ok
}

// Call invokes the named virtual tool's handler.
func (o *Overlay) Call(ctx context.Context, name string, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	vt, ok := o.tools[name]
	if !ok {
		return nil, fmt.Errorf("hooks: no virtual tool named %q", name)
	}
	return vt.Handler(ctx, request)
}

// Tools returns the schema for every registered virtual tool, in
// registration order is not guaranteed (map iteration), callers that
// care about stable ordering should sort by name.
func (o *Overlay) Tools() []mcplib.Tool {
	out := make([]mcplib.Tool, 0, len(o.tools))
	for _, vt := range o.tools {
		out = append(out, vt.Tool)
	}
	return out
}
