package supervisor

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/standardbeagle/mcpmon/internal/config"
	"github.com/standardbeagle/mcpmon/internal/forwarder"
	"github.com/standardbeagle/mcpmon/internal/hooks"
	"github.com/standardbeagle/mcpmon/pkg/events"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestStateTransitionsFollowSpecMachine(t *testing.T) {
	assert.NoError(t, checkTransition(Idle, Starting))
	assert.NoError(t, checkTransition(Starting, Ready))
	assert.NoError(t, checkTransition(Ready, Restarting))
	assert.NoError(t, checkTransition(Restarting, Starting))
	assert.NoError(t, checkTransition(Ready, Stopping))
	assert.NoError(t, checkTransition(Stopping, Stopped))
	assert.NoError(t, checkTransition(Starting, Failed))

	assert.Error(t, checkTransition(Idle, Ready))
	assert.Error(t, checkTransition(Ready, Idle))
	assert.Error(t, checkTransition(Stopped, Starting))
	assert.Error(t, checkTransition(Failed, Starting))
}

func TestStateStringsAreStable(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "restarting", Restarting.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", State(99).String())
}

func newTestSupervisor(t *testing.T, clientIn io.Reader, clientOut *bytes.Buffer) *Supervisor {
	t.Helper()
	cfg := config.Proxy{
		Command:       "cat",
		DisableWatch:  true,
		GracePeriod:   200 * time.Millisecond,
		Warmup:        10 * time.Millisecond,
		DebounceDelay: 20 * time.Millisecond,
		RetryBudget:   3,
	}
	bus := events.NewEventBus()
	return New(cfg, clientIn, clientOut, discardLogger(), bus)
}

func TestStartReachesReadyWithNoPriorInitialize(t *testing.T) {
	// An open pipe, not an empty buffer: EOF on client stdin is a stop.
	clientIn, _ := io.Pipe()
	var clientOut bytes.Buffer
	s := newTestSupervisor(t, clientIn, &clientOut)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, Ready, s.State())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, Stopped, s.State())
}

func TestStartFailsCleanlyOnUnknownCommand(t *testing.T) {
	// An open pipe, not an empty buffer: EOF on client stdin is a stop.
	clientIn, _ := io.Pipe()
	var clientOut bytes.Buffer
	cfg := config.Proxy{
		Command:      "mcpmon-definitely-not-a-real-binary",
		DisableWatch: true,
		RetryBudget:  2,
		GracePeriod:  50 * time.Millisecond,
	}
	bus := events.NewEventBus()
	s := New(cfg, clientIn, &clientOut, discardLogger(), bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Start(ctx)
	assert.ErrorIs(t, err, ErrRetryBudgetExhausted)
	assert.Equal(t, Failed, s.State())
}

func TestDoubleStartIsRejected(t *testing.T) {
	var clientIn, clientOut bytes.Buffer
	s := newTestSupervisor(t, &clientIn, &clientOut)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(context.Background())

	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyRunning)
}

func TestStopWithoutStartIsRejected(t *testing.T) {
	var clientIn, clientOut bytes.Buffer
	s := newTestSupervisor(t, &clientIn, &clientOut)
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotRunning)
}

func TestTapCapturesInitializeExactlyOnce(t *testing.T) {
	var clientIn, clientOut bytes.Buffer
	s := newTestSupervisor(t, &clientIn, &clientOut)

	frame1 := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"first"}}}`)
	frame2 := []byte(`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"clientInfo":{"name":"second"}}}`)

	out, forward := s.tap(forwarder.ClientToServer, frame1)
	assert.True(t, forward)
	assert.Equal(t, frame1, out)
	assert.True(t, s.rec.HasInitializeParams())

	s.tap(forwarder.ClientToServer, frame2)
	assert.Contains(t, string(s.rec.InitializeParams()), "first")
}

func TestTapAbsorbsInternalResponses(t *testing.T) {
	var clientIn, clientOut bytes.Buffer
	s := newTestSupervisor(t, &clientIn, &clientOut)

	id := s.ids.Next()
	ch := make(chan []byte, 1)
	s.waitersMu.Lock()
	s.waiters[id] = ch
	s.waitersMu.Unlock()

	frame := []byte(`{"jsonrpc":"2.0","id":` + strconv.FormatInt(id, 10) + `,"result":{}}`)
	out, forward := s.tap(forwarder.ServerToClient, frame)
	assert.False(t, forward)
	assert.Equal(t, frame, out)

	select {
	case got := <-ch:
		assert.Equal(t, frame, got)
	case <-time.After(time.Second):
		t.Fatal("waiter never received absorbed response")
	}
}

func TestTapForwardsClientOriginatedResponses(t *testing.T) {
	var clientIn, clientOut bytes.Buffer
	s := newTestSupervisor(t, &clientIn, &clientOut)

	req := []byte(`{"jsonrpc":"2.0","id":5,"method":"initialize","params":{}}`)
	s.tap(forwarder.ClientToServer, req)

	resp := []byte(`{"jsonrpc":"2.0","id":5,"result":{"capabilities":{}}}`)
	out, forward := s.tap(forwarder.ServerToClient, resp)
	assert.True(t, forward)
	assert.Equal(t, resp, out)
	assert.Contains(t, string(s.rec.Capabilities()), "capabilities")
}

func TestTapRecordsToolListAndMergesOverlay(t *testing.T) {
	var clientIn, clientOut bytes.Buffer
	s := newTestSupervisor(t, &clientIn, &clientOut)

	overlay := hooks.NewOverlay()
	overlay.Register(hooks.VirtualTool{Tool: mcplib.NewTool("mcpmon_status")})
	s.UseOverlay(overlay)

	req := []byte(`{"jsonrpc":"2.0","id":9,"method":"tools/list"}`)
	s.tap(forwarder.ClientToServer, req)

	resp := []byte(`{"jsonrpc":"2.0","id":9,"result":{"tools":[{"name":"echo"}]}}`)
	out, forward := s.tap(forwarder.ServerToClient, resp)
	assert.True(t, forward)
	assert.Contains(t, string(out), "echo")
	assert.Contains(t, string(out), "mcpmon_status")
	assert.Contains(t, string(s.rec.ToolList()), "mcpmon_status")
}

func TestTapInterceptsVirtualToolCall(t *testing.T) {
	var clientIn, clientOut bytes.Buffer
	s := newTestSupervisor(t, &clientIn, &clientOut)

	overlay := hooks.NewOverlay()
	overlay.Register(hooks.VirtualTool{
		Tool: mcplib.NewTool("mcpmon_status"),
		Handler: func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			return mcplib.NewToolResultText("ready"), nil
		},
	})
	s.UseOverlay(overlay)

	call := []byte(`{"jsonrpc":"2.0","id":11,"method":"tools/call","params":{"name":"mcpmon_status"}}`)
	_, forward := s.tap(forwarder.ClientToServer, call)
	assert.False(t, forward, "a virtual tool call must never reach the supervised server")
	assert.Contains(t, clientOut.String(), `"id":11`)
	assert.Contains(t, clientOut.String(), "ready")
}

func TestTapRunsInstalledHookChain(t *testing.T) {
	var clientIn, clientOut bytes.Buffer
	s := newTestSupervisor(t, &clientIn, &clientOut)

	reg := hooks.New()
	var seen []forwarder.Direction
	reg.Register(func(dir forwarder.Direction, frame []byte) ([]byte, error) {
		seen = append(seen, dir)
		return frame, nil
	})
	s.UseHooks(reg)

	frame := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	out, forward := s.tap(forwarder.ClientToServer, frame)
	assert.True(t, forward)
	assert.Equal(t, frame, out)
	assert.Equal(t, []forwarder.Direction{forwarder.ClientToServer}, seen)
}
