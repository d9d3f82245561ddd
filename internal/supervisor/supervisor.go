package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/standardbeagle/mcpmon/internal/buffer"
	"github.com/standardbeagle/mcpmon/internal/config"
	"github.com/standardbeagle/mcpmon/internal/forwarder"
	"github.com/standardbeagle/mcpmon/internal/hooks"
	"github.com/standardbeagle/mcpmon/internal/jsonrpc"
	"github.com/standardbeagle/mcpmon/internal/procctl"
	"github.com/standardbeagle/mcpmon/internal/session"
	"github.com/standardbeagle/mcpmon/internal/watch"
	"github.com/standardbeagle/mcpmon/pkg/events"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// crashRetryBackoff is the fixed delay between crash-triggered restart
// attempts before Ready is first reached, per spec.md §4.1's "a fixed
// ~1-second delay between crash-triggered retries is acceptable".
const crashRetryBackoff = 1 * time.Second

// initializeReplayTimeout bounds how long the Supervisor waits for a
// restarted server to answer the synthesized initialize, per spec.md
// §4.5 ("a timeout on the order of 5 seconds").
const initializeReplayTimeout = 5 * time.Second

type spawnFunc func(ctx context.Context, command string, args []string, opts procctl.Options) (*procctl.Process, error)
type watchFactory func(paths []string) (watch.Source, error)

// Supervisor sequences mcpmon's entire server lifecycle (spec.md §4.1):
// initial spawn, file-change-triggered restart, crash-triggered restart,
// and graceful shutdown. Its state is guarded by several mutexes, not
// one: mu covers the state, process handle, generation and change
// source; waitersMu, pendingMu and debounceMu each cover only their own
// field, so updates across those groups are not made under one lock.
type Supervisor struct {
	cfg    config.Proxy
	logger *log.Logger
	bus    *events.EventBus

	fwd *forwarder.Forwarder
	buf *buffer.Buffer
	rec *session.Recorder
	ids *jsonrpc.IDAllocator

	// hooksReg and overlay are optional, nil by default: mcpmon ships no
	// built-in frame hooks or virtual tools, only the mechanism for an
	// embedder to register them (spec.md §11).
	hooksReg *hooks.Registry
	overlay  *hooks.Overlay

	spawn    spawnFunc
	newWatch watchFactory

	mu           sync.Mutex
	state        State
	proc         *procctl.Process
	generation   uint64
	changeSource watch.Source
	firstStartup bool

	// restarting single-flights triggerRestart: a crash-triggered call
	// and a debounce-triggered call can race each other past the Ready
	// state check before either has moved the state machine, and
	// checkTransition's from==to no-op lets a second setState(Restarting)
	// through silently. This guard makes only the first of the two
	// actually run a restart cycle.
	restarting atomic.Bool

	waitersMu sync.Mutex
	waiters   map[int64]chan []byte

	// pending tracks in-flight client-originated requests (raw id string
	// -> method name) so a matching response can be recognized without
	// re-parsing the request, per spec.md §3's Pending request map
	// entity. Internal requests use the waiters map above instead, the
	// two id spaces are disjoint by construction (jsonrpc.IsInternal).
	pendingMu sync.Mutex
	pending   map[string]string

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Supervisor. clientIn/clientOut are mcpmon's own
// stdin/stdout, the client-facing side of the Forwarder, wired for the
// whole process lifetime.
func New(cfg config.Proxy, clientIn io.Reader, clientOut io.Writer, logger *log.Logger, bus *events.EventBus) *Supervisor {
	s := &Supervisor{
		cfg:          cfg,
		logger:       logger,
		bus:          bus,
		buf:          buffer.New(0),
		rec:          session.New(uuid.NewString()),
		ids:          jsonrpc.NewIDAllocator(),
		spawn:        procctl.Spawn,
		newWatch:     func(paths []string) (watch.Source, error) { return watch.New(paths) },
		state:        Idle,
		firstStartup: true,
		waiters:      make(map[int64]chan []byte),
		pending:      make(map[string]string),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	s.fwd = forwarder.New(clientIn, clientOut, s.tap, s.buf)
	s.fwd.OnFrameDropped(func(frame []byte) {
		s.logger.Warn("message buffer soft limit exceeded, dropped oldest frame", "frame", string(frame))
	})
	return s
}

// UseHooks installs a frame-hook chain run over every parsed frame in
// both directions, after virtual-tool interception and ahead of the rest
// of mcpmon's own tap logic. Must be called before
// Start; nil (no hooks) by default. A hook that errors or times out is
// reported via events.HookError rather than failing the frame.
func (s *Supervisor) UseHooks(r *hooks.Registry) {
	r.OnError(func(err error) {
		s.logger.Warn("hook failed, frame passed through unchanged", "err", err)
		s.publish(events.HookError, map[string]interface{}{"err": err.Error()})
	})
	s.hooksReg = r
}

// UseOverlay installs a virtual-tool overlay: its tools are merged into
// every tools/list response and a tools/call request targeting one of
// them is answered locally instead of reaching the supervised server.
// Must be called before Start; nil (no overlay) by default.
func (s *Supervisor) UseOverlay(o *hooks.Overlay) { s.overlay = o }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel closed once the Supervisor's coordinator loop
// has fully shut down, whether because of Stop, the client stdin
// reaching EOF, or ctx being cancelled.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }

// IsRunning reports whether the Supervisor is in any non-terminal,
// non-idle state.
func (s *Supervisor) IsRunning() bool {
	switch s.State() {
	case Starting, Ready, Restarting:
		return true
	default:
		return false
	}
}

func (s *Supervisor) setState(to State) error {
	s.mu.Lock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = to
	s.mu.Unlock()

	s.publish(events.StateChanged, map[string]interface{}{"from": from.String(), "to": to.String()})
	if to == Ready {
		s.publish(events.ServerReady, nil)
	}
	return nil
}

func (s *Supervisor) publish(t events.EventType, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: t, Data: data})
}

// Start spawns the server, replays initialize for a fresh session,
// begins watching for changes, and returns once the Supervisor reaches
// Ready or Failed. On Failed it returns ErrRetryBudgetExhausted. If a
// stop is requested (client stdin reaching EOF, or Stop) while it waits
// between attempts, it returns ErrNotRunning without reaching either.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.State() != Idle {
		return ErrAlreadyRunning
	}
	if err := s.setState(Starting); err != nil {
		return err
	}

	go func() {
		if err := s.fwd.RunClientToServer(ctx); err == nil {
			// nil means the client's stdin hit EOF: spec.md §6 treats
			// that the same as a signal, a normal shutdown.
			s.stopOnce.Do(func() { close(s.stopCh) })
		}
	}()

	if !s.cfg.DisableWatch {
		src, err := s.newWatch(s.cfg.WatchPaths)
		if err != nil {
			return fmt.Errorf("supervisor: start watcher: %w", err)
		}
		s.mu.Lock()
		s.changeSource = src
		s.mu.Unlock()
	}

	if err := s.bringUp(ctx); err != nil {
		close(s.doneCh)
		return err
	}

	go s.run(ctx)
	return nil
}

// bringUp spawns a server and drives it to Ready, retrying with backoff
// up to the retry budget, per spec.md §4.1's failure semantics.
func (s *Supervisor) bringUp(ctx context.Context) error {
	budget := s.cfg.RetryBudget
	if budget <= 0 {
		budget = config.DefaultRetryBudget
	}

	for attempt := 0; attempt < budget; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(crashRetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-s.stopCh:
				return ErrNotRunning
			}
		}

		if err := s.spawnAndAttach(ctx); err != nil {
			s.logger.Error("spawn failed", "attempt", attempt+1, "err", err)
			continue
		}

		if err := s.warmupAndInitialize(ctx); err != nil {
			s.logger.Error("initialize failed", "attempt", attempt+1, "err", err)
			continue
		}

		if err := s.setState(Ready); err != nil {
			return err
		}
		s.mu.Lock()
		s.firstStartup = false
		s.mu.Unlock()

		// Any client frame that arrived before this first server was
		// attached (plausibly the client's own initialize) was diverted
		// into the Message Buffer instead of being dropped; drain it now
		// that there is somewhere for it to go, per spec.md §4.1.
		if err := s.fwd.DrainBuffer(); err != nil {
			s.logger.Error("failed to drain buffered frames", "err", err)
		}
		return nil
	}

	_ = s.setState(Failed)
	return ErrRetryBudgetExhausted
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (s *Supervisor) spawnAndAttach(ctx context.Context) error {
	proc, err := s.spawn(ctx, s.cfg.Command, s.cfg.Args, procctl.Options{Dir: s.cfg.Dir, Env: envSlice(s.cfg.Env)})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.proc = proc
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.fwd.AttachServer(proc)
	s.publish(events.ServerSpawned, map[string]interface{}{"pid": proc.PID()})

	go s.pumpStderr(proc)
	go func() { _ = s.fwd.PumpServerToClient(ctx, proc.Stdout) }()
	go s.watchExit(ctx, proc, gen)

	return nil
}

func (s *Supervisor) pumpStderr(proc *procctl.Process) {
	scanner := bufio.NewScanner(proc.Stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("server stderr", "line", scanner.Text())
	}
}

// watchExit observes a spawned process's exit and, if it is still the
// current generation, treats an unexpected exit during steady state as a
// crash requiring immediate restart.
func (s *Supervisor) watchExit(ctx context.Context, proc *procctl.Process, gen uint64) {
	select {
	case <-proc.Done():
	case <-ctx.Done():
		return
	}

	s.mu.Lock()
	current := s.generation == gen
	st := s.state
	s.mu.Unlock()
	if !current {
		return
	}

	status := proc.ExitStatus()
	s.publish(events.ServerExited, map[string]interface{}{"code": status.Code, "signal": status.Signal})

	if st != Ready {
		// Starting-phase exits are handled synchronously by bringUp's
		// warmupAndInitialize/spawnAndAttach error paths instead.
		return
	}

	if status.Code == 0 {
		return
	}

	s.publish(events.ServerCrashed, map[string]interface{}{"code": status.Code})
	s.triggerRestart(ctx, false)
}

func (s *Supervisor) warmupAndInitialize(ctx context.Context) error {
	warmup := s.cfg.Warmup
	if warmup > 0 {
		select {
		case <-time.After(warmup):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	isFirst := s.firstStartup
	hasParams := s.rec.HasInitializeParams()
	s.mu.Unlock()

	if !hasParams {
		if isFirst {
			// No client initialize observed yet on the very first
			// startup: that's normal, the client hasn't spoken yet.
			// The Forwarder will capture and forward it when it
			// arrives; there is nothing to replay.
			return nil
		}
		// A restart with no captured params should not happen in
		// practice (initialize is always first), but fail soft per
		// spec.md §4.5 rather than block forever.
		return nil
	}

	return s.replayInitialize(ctx)
}

// replayInitialize synthesizes an initialize request with an internal id
// using the recorded client params, waits for the response, and then
// probes tools/list, absorbing the response whatever its content
// (spec.md §4.5). It does not notify the client itself; triggerRestart
// calls notifyToolsListChanged once buffered frames have drained.
func (s *Supervisor) replayInitialize(ctx context.Context) error {
	s.mu.Lock()
	isFirst := s.firstStartup
	s.mu.Unlock()

	id := s.ids.Next()
	frame, err := s.rec.BuildInitializeReplay(id)
	if err != nil {
		return err
	}

	_, err = s.sendInternalAndWait(ctx, id, frame, initializeReplayTimeout)
	if err != nil {
		// Per spec.md §4.5, a failed/timed-out replay only counts against
		// retry accounting on the very first startup; on later restarts
		// the Supervisor logs and proceeds to Ready anyway.
		if isFirst {
			return err
		}
		s.logger.Warn("initialize replay failed or timed out", "err", err)
		return nil
	}

	toolsID := s.ids.Next()
	toolsFrame, err := session.BuildToolsListProbe(toolsID)
	if err != nil {
		return nil
	}
	if _, err := s.sendInternalAndWait(ctx, toolsID, toolsFrame, initializeReplayTimeout); err != nil {
		s.logger.Warn("tools/list probe failed or timed out", "err", err)
	}

	return nil
}

// notifyToolsListChanged emits notifications/tools/list_changed to the
// client. Must only be called after the Forwarder has resumed and its
// Message Buffer has been drained to the new server, per spec.md §5/§8:
// the client must never see this notification ahead of frames it sent
// before the restart.
func (s *Supervisor) notifyToolsListChanged() {
	if err := s.fwd.WriteToClientRaw(jsonrpc.ToolsListChangedNotification); err != nil {
		s.logger.Error("failed to notify client of tool list change", "err", err)
		return
	}
	s.publish(events.ToolsListChanged, nil)
}

func (s *Supervisor) sendInternalAndWait(ctx context.Context, id int64, frame []byte, timeout time.Duration) ([]byte, error) {
	ch := make(chan []byte, 1)
	s.waitersMu.Lock()
	s.waiters[id] = ch
	s.waitersMu.Unlock()
	defer func() {
		s.waitersMu.Lock()
		delete(s.waiters, id)
		s.waitersMu.Unlock()
	}()

	if err := s.fwd.WriteToServer(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("supervisor: internal request %d timed out after %s", id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tap is the Forwarder's inspection callback. Client->server: intercepts
// tools/call requests targeting a registered virtual tool, then captures
// the first initialize's params verbatim. Server->client: absorbs
// responses bearing an internal id (routing them to sendInternalAndWait's
// waiter instead of the client), records initialize capabilities, and
// merges virtual tools into tools/list responses. An installed hook chain
// runs over every frame that isn't an intercepted virtual tool call, in
// either direction, ahead of the rest of this logic, so it also sees
// internal-id responses before they are absorbed. Every frame offered
// here is logged at Debug level.
func (s *Supervisor) tap(dir forwarder.Direction, frame []byte) ([]byte, bool) {
	s.logger.Debug("frame", "dir", dir.String(), "frame", string(frame))

	if dir == forwarder.ClientToServer && s.overlay != nil {
		if name, ok := s.overlay.InterceptedToolName(frame); ok {
			s.answerVirtualToolCall(frame, name)
			return frame, false
		}
	}

	if s.hooksReg != nil {
		out, forward := s.hooksReg.Run(context.Background(), dir, frame)
		if !forward {
			return frame, false
		}
		frame = out
	}

	insp := jsonrpc.Inspect(frame)

	if dir == forwarder.ClientToServer {
		if insp.Method == "initialize" {
			s.rec.CaptureInitialize(jsonrpc.RawField(frame, "params"))
		}
		if insp.Method != "" && insp.ID.Exists() {
			s.pendingMu.Lock()
			s.pending[insp.ID.Raw] = insp.Method
			s.pendingMu.Unlock()
		}
		return frame, true
	}

	rawID := jsonrpc.RawID(frame)
	if jsonrpc.IsInternal(rawID) {
		id, ok := parseInternalID(rawID)
		if ok {
			s.waitersMu.Lock()
			ch, exists := s.waiters[id]
			s.waitersMu.Unlock()
			if exists {
				ch <- frame
			}
		}
		return frame, false
	}

	if insp.HasResult && !insp.HasError && len(rawID) > 0 {
		s.pendingMu.Lock()
		method, tracked := s.pending[string(rawID)]
		if tracked {
			delete(s.pending, string(rawID))
		}
		s.pendingMu.Unlock()

		switch {
		case tracked && method == "initialize":
			s.rec.RecordCapabilities(jsonrpc.RawField(frame, "result"))
		case tracked && method == "tools/list":
			if s.overlay != nil {
				merged, err := s.overlay.MergeToolsList(frame)
				if err != nil {
					s.logger.Error("failed to merge virtual tools into tools/list", "err", err)
				} else {
					frame = merged
				}
			}
			s.rec.RecordToolList(jsonrpc.RawField(frame, "result.tools"))
		}
	}
	return frame, true
}

// answerVirtualToolCall runs a registered virtual tool's handler locally
// and writes the JSON-RPC response straight to the client, so the
// supervised server never sees the request.
func (s *Supervisor) answerVirtualToolCall(frame []byte, name string) {
	rawID := jsonrpc.RawID(frame)

	var req mcplib.CallToolRequest
	req.Params.Name = name
	if rawArgs := jsonrpc.RawField(frame, "params.arguments"); len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &req.Params.Arguments)
	}

	result, err := s.overlay.Call(context.Background(), name, req)
	if err != nil {
		s.writeVirtualToolResponse(rawID, nil, err)
		return
	}
	s.writeVirtualToolResponse(rawID, result, nil)
}

func (s *Supervisor) writeVirtualToolResponse(rawID []byte, result interface{}, callErr error) {
	var (
		resp []byte
		err  error
	)
	if callErr != nil {
		resp, err = jsonrpc.BuildError(rawID, -32603, callErr.Error())
	} else {
		resp, err = jsonrpc.BuildResult(rawID, result)
	}
	if err != nil {
		s.logger.Error("failed to encode virtual tool response", "err", err)
		return
	}
	if err := s.fwd.WriteToClientRaw(resp); err != nil {
		s.logger.Error("failed to write virtual tool response", "err", err)
	}
}

func parseInternalID(raw []byte) (int64, bool) {
	var id int64
	_, err := fmt.Sscanf(string(raw), "%d", &id)
	return id, err == nil
}

// run is the Supervisor's single coordinator loop: it serializes reaction
// to change events and the stop signal for as long as the Supervisor is
// alive, per spec.md §5.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.doneCh)

	var changeEvents <-chan watch.ChangeEvent
	var changeErrors <-chan error
	s.mu.Lock()
	if s.changeSource != nil {
		changeEvents = s.changeSource.Events()
		changeErrors = s.changeSource.Errors()
	}
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(context.Background())
			return
		case <-s.stopCh:
			s.shutdown(ctx)
			return
		case ev, ok := <-changeEvents:
			if !ok {
				changeEvents = nil
				continue
			}
			s.publish(events.ChangeDetected, map[string]interface{}{"path": ev.Path, "kind": ev.Kind.String()})
			s.armDebounce(ctx)
		case err, ok := <-changeErrors:
			if !ok {
				changeErrors = nil
				continue
			}
			s.logger.Error("watch error", "err", err)
		}
	}
}

// armDebounce (re)schedules a restart after the configured debounce
// delay. The timer is per-Supervisor, not per-path, so any change event
// resets the same timer (spec.md §4.1's trailing-edge debounce).
func (s *Supervisor) armDebounce(ctx context.Context) {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()

	delay := s.cfg.DebounceDelay
	if delay <= 0 {
		delay = config.DefaultDebounceDelay
	}

	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(delay, func() {
		s.triggerRestart(ctx, true)
	})
	s.publish(events.RestartScheduled, map[string]interface{}{"delay_ms": delay.Milliseconds()})
}

// triggerRestart moves Ready -> Restarting -> Starting -> Ready. A crash
// restart (debounced=false) is attempted immediately per spec.md §4.1's
// "Server crash after Ready: always attempt a single immediate restart".
func (s *Supervisor) triggerRestart(ctx context.Context, debounced bool) {
	if !s.restarting.CompareAndSwap(false, true) {
		// A restart is already in flight (a crash-triggered call and a
		// debounce-triggered call raced each other here); let that one
		// run to completion instead of double-spawning.
		return
	}
	defer s.restarting.Store(false)

	s.mu.Lock()
	if s.state != Ready {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.setState(Restarting); err != nil {
		s.logger.Error("cannot start restart", "err", err)
		return
	}
	s.publish(events.RestartStarted, map[string]interface{}{"debounced": debounced})

	s.fwd.Pause()
	s.fwd.DetachServer()

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if proc != nil && !proc.Exited() {
		grace := s.cfg.GracePeriod
		if grace <= 0 {
			grace = config.DefaultGracePeriod
		}
		if err := proc.Kill(ctx, grace); err != nil {
			s.logger.Error("kill failed", "err", err)
		}
		<-proc.Done()
	}

	if err := s.setState(Starting); err != nil {
		s.logger.Error("cannot resume starting", "err", err)
		return
	}

	if err := s.spawnAndAttach(ctx); err != nil {
		s.logger.Error("restart spawn failed", "err", err)
		_ = s.setState(Failed)
		return
	}
	if err := s.warmupAndInitialize(ctx); err != nil {
		s.logger.Error("restart initialize failed", "err", err)
	}

	if err := s.setState(Ready); err != nil {
		s.logger.Error("cannot resume ready", "err", err)
		return
	}

	s.fwd.Resume()
	if err := s.fwd.DrainBuffer(); err != nil {
		s.logger.Error("failed to drain buffered frames", "err", err)
	}

	if s.rec.HasInitializeParams() {
		s.notifyToolsListChanged()
	}

	s.publish(events.RestartCompleted, nil)
}

// Stop gracefully shuts down the Supervisor: terminates the current
// server and drops any buffered frames. It does not close the
// client-facing stdout, and it does not replay initialize. Safe to call
// once.
func (s *Supervisor) Stop(ctx context.Context) error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
	return nil
}

func (s *Supervisor) shutdown(ctx context.Context) {
	_ = s.setState(Stopping)

	s.mu.Lock()
	proc := s.proc
	src := s.changeSource
	s.mu.Unlock()

	if src != nil {
		_ = src.Close()
	}

	if proc != nil && !proc.Exited() {
		grace := s.cfg.GracePeriod
		if grace <= 0 {
			grace = config.DefaultGracePeriod
		}
		_ = proc.Kill(ctx, grace)
	}

	s.buf.DrainAll()
	_ = s.setState(Stopped)
}
