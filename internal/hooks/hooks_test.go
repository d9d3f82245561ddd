package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mcpmon/internal/forwarder"
)

func TestRegistryRunsHooksInOrder(t *testing.T) {
	r := New()
	r.Register(func(dir forwarder.Direction, frame []byte) ([]byte, error) {
		return append(frame, 'A'), nil
	})
	r.Register(func(dir forwarder.Direction, frame []byte) ([]byte, error) {
		return append(frame, 'B'), nil
	})

	out, forward := r.Run(context.Background(), forwarder.ClientToServer, []byte("x"))
	require.True(t, forward)
	assert.Equal(t, "xAB", string(out))
}

func TestRegistrySuppressesOnNilReturn(t *testing.T) {
	r := New()
	r.Register(func(dir forwarder.Direction, frame []byte) ([]byte, error) {
		return nil, nil
	})

	_, forward := r.Run(context.Background(), forwarder.ClientToServer, []byte("x"))
	assert.False(t, forward)
}

func TestRegistryTreatsErrorAsIdentity(t *testing.T) {
	r := New()
	r.Register(func(dir forwarder.Direction, frame []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})

	out, forward := r.Run(context.Background(), forwarder.ClientToServer, []byte("x"))
	assert.True(t, forward)
	assert.Equal(t, "x", string(out))
}

func TestRegistrySkipsSlowHookAfterTimeout(t *testing.T) {
	r := New()
	r.Register(func(dir forwarder.Direction, frame []byte) ([]byte, error) {
		time.Sleep(time.Second)
		return append(frame, 'Z'), nil
	})

	start := time.Now()
	out, forward := r.Run(context.Background(), forwarder.ClientToServer, []byte("x"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, forward)
	assert.Equal(t, "x", string(out))
}

func TestRegistryReportsErrorsViaOnError(t *testing.T) {
	r := New()
	var reported error
	r.OnError(func(err error) { reported = err })
	r.Register(func(dir forwarder.Direction, frame []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})

	r.Run(context.Background(), forwarder.ClientToServer, []byte("x"))
	require.Error(t, reported)
	assert.Contains(t, reported.Error(), "boom")
}

func TestOverlayRegisterAndCall(t *testing.T) {
	o := NewOverlay()
	o.Register(VirtualTool{
		Tool: mcplib.NewTool("mcpmon_status", mcplib.WithDescription("report supervisor state")),
		Handler: func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			return mcplib.NewToolResultText("ready"), nil
		},
	})

	assert.True(t, o.Has("mcpmon_status"))
	assert.False(t, o.Has("nonexistent"))

	result, err := o.Call(context.Background(), "mcpmon_status", mcplib.CallToolRequest{})
	require.NoError(t, err)
	require.NotNil(t, result)
}

func TestMergeToolsListAppendsVirtualTools(t *testing.T) {
	o := NewOverlay()
	o.Register(VirtualTool{Tool: mcplib.NewTool("mcpmon_status")})

	frame := []byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[{"name":"echo"}]}}`)
	out, err := o.MergeToolsList(frame)
	require.NoError(t, err)
	assert.Contains(t, string(out), "echo")
	assert.Contains(t, string(out), "mcpmon_status")
}

func TestMergeToolsListIsNoOpWithNoVirtualTools(t *testing.T) {
	o := NewOverlay()
	frame := []byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[{"name":"echo"}]}}`)
	out, err := o.MergeToolsList(frame)
	require.NoError(t, err)
	assert.Equal(t, frame, out)
}

func TestInterceptedToolNameDetectsRegisteredVirtualTool(t *testing.T) {
	o := NewOverlay()
	o.Register(VirtualTool{Tool: mcplib.NewTool("mcpmon_status")})

	frame := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"mcpmon_status"}}`)
	name, ok := o.InterceptedToolName(frame)
	assert.True(t, ok)
	assert.Equal(t, "mcpmon_status", name)
}

func TestInterceptedToolNameIgnoresUnregisteredTool(t *testing.T) {
	o := NewOverlay()
	frame := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo"}}`)
	_, ok := o.InterceptedToolName(frame)
	assert.False(t, ok)
}

func TestInterceptedToolNameIgnoresOtherMethods(t *testing.T) {
	o := NewOverlay()
	o.Register(VirtualTool{Tool: mcplib.NewTool("mcpmon_status")})

	frame := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	_, ok := o.InterceptedToolName(frame)
	assert.False(t, ok)
}
