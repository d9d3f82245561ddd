// Package forwarder implements mcpmon's Forwarder (spec.md §4.4): it
// shuttles newline-delimited JSON-RPC frames between the client (mcpmon's
// own stdin/stdout) and whichever server process is currently attached,
// tapping each frame for the Supervisor's inspection and diverting
// client-originated frames into the Message Buffer while the server side
// is paused for a restart.
//
// Follows internal/mcp/streamable_server.go's bidirectional stdio
// plumbing (reader/writer goroutines pumping between two stdio-shaped
// peers) and internal/proxy's pass-through philosophy of forwarding what
// it cannot understand rather than rejecting it, adapted here from HTTP
// reverse-proxying to raw line-delimited JSON-RPC over pipes.
package forwarder

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/standardbeagle/mcpmon/internal/buffer"
	"github.com/standardbeagle/mcpmon/internal/jsonrpc"
)

// Direction identifies which way a frame is travelling.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "client->server"
	}
	return "server->client"
}

// Tap is offered every frame before it is forwarded. It may rewrite the
// frame (e.g. swapping a client id for an internal one, or vice versa on
// the way back) and decides whether the (possibly rewritten) frame
// should still be forwarded to the peer, returning forward=false lets
// the Supervisor absorb a response bearing an internal id without it
// ever reaching the client, per spec.md §4.1's request-id namespace
// rule. Parse failures are never offered to the tap; unparseable frames
// always forward unchanged, per spec.md §4.4.
type Tap func(dir Direction, frame []byte) (out []byte, forward bool)

// passthroughTap forwards every frame unchanged; used when no Tap is
// configured.
func passthroughTap(_ Direction, frame []byte) ([]byte, bool) { return frame, true }

// Forwarder owns the client-facing stdio pair for mcpmon's whole
// lifetime and the server-facing pair for as long as a server is
// attached. AttachServer/DetachServer are called by the Supervisor
// around each restart.
type Forwarder struct {
	clientR *jsonrpc.FrameScanner
	clientW *jsonrpc.FrameWriter

	tap Tap
	buf *buffer.Buffer

	paused atomic.Bool

	mu       sync.Mutex
	serverW  *jsonrpc.FrameWriter
	attached bool

	onParseWarning func(dir Direction, frame []byte, err error)
	onFrameDropped func(frame []byte)
}

// New creates a Forwarder for the given client stdio pair. tap may be
// nil, in which case frames pass through unmodified. buf is the Message
// Buffer client-originated frames divert to while paused or unattached.
func New(clientIn io.Reader, clientOut io.Writer, tap Tap, buf *buffer.Buffer) *Forwarder {
	if tap == nil {
		tap = passthroughTap
	}
	return &Forwarder{
		clientR: jsonrpc.NewFrameScanner(clientIn),
		clientW: jsonrpc.NewFrameWriter(clientOut),
		tap:     tap,
		buf:     buf,
	}
}

// OnParseWarning registers a callback invoked when a frame fails to
// parse as JSON; the frame is still forwarded byte-for-byte regardless.
func (f *Forwarder) OnParseWarning(fn func(dir Direction, frame []byte, err error)) {
	f.onParseWarning = fn
}

// OnFrameDropped registers a callback invoked whenever the Message Buffer
// drops its oldest entry because the soft limit was exceeded, per
// spec.md §4.6's "a warning logged" obligation.
func (f *Forwarder) OnFrameDropped(fn func(frame []byte)) {
	f.onFrameDropped = fn
}

// Pause stops client->server frames from reaching the server's stdin;
// they accumulate in the Message Buffer instead. server->client keeps
// flowing so the old server can finish responding while it drains
// towards exit, per spec.md §4.4.
func (f *Forwarder) Pause() { f.paused.Store(true) }

// Resume re-enables client->server forwarding. It does not itself drain
// the buffer, call DrainBuffer after Resume so buffered frames are
// written before any newly arriving client frame, preserving FIFO order.
func (f *Forwarder) Resume() { f.paused.Store(false) }

// Paused reports whether client->server forwarding is currently paused.
func (f *Forwarder) Paused() bool { return f.paused.Load() }

// AttachServer points the forwarder at a freshly spawned server's stdio.
// Call DetachServer before attaching a new one.
func (f *Forwarder) AttachServer(serverIn io.Writer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serverW = jsonrpc.NewFrameWriter(serverIn)
	f.attached = true
}

// DetachServer stops routing client frames to any server; they divert to
// the Message Buffer until AttachServer is called again.
func (f *Forwarder) DetachServer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serverW = nil
	f.attached = false
}

// RunClientToServer reads frames from the client forever, tapping and
// forwarding (or buffering) each one, until ctx is cancelled or the
// client stream ends. Run this once, for the lifetime of the process;
// it outlives any individual server attachment.
func (f *Forwarder) RunClientToServer(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, err := f.clientR.Next()
		if len(frame) > 0 {
			f.handleClientFrame(frame)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("forwarder: read client frame: %w", err)
		}
	}
}

func (f *Forwarder) handleClientFrame(frame []byte) {
	out, forward := f.tapFrame(ClientToServer, frame)
	if !forward {
		return
	}

	if f.paused.Load() {
		f.enqueue(out)
		return
	}

	f.mu.Lock()
	w := f.serverW
	f.mu.Unlock()

	if w == nil {
		f.enqueue(out)
		return
	}

	// A write error here means the server is gone; the Supervisor will
	// observe the process exit independently and drive a restart, so
	// the frame is preserved by buffering rather than dropped.
	if err := w.Write(out); err != nil {
		f.enqueue(out)
	}
}

func (f *Forwarder) enqueue(frame []byte) {
	if f.buf == nil {
		return
	}
	if dropped := f.buf.Enqueue(frame); dropped != nil && f.onFrameDropped != nil {
		f.onFrameDropped(dropped)
	}
}

// WriteToClientRaw writes frame directly to the client's stdout,
// bypassing the tap. Used by the Supervisor to emit notifications it
// synthesizes itself, such as notifications/tools/list_changed, which
// has no server-side counterpart to tap.
func (f *Forwarder) WriteToClientRaw(frame []byte) error {
	return f.clientW.Write(frame)
}

// WriteToServer writes frame directly to the attached server's stdin,
// bypassing pause state and the Message Buffer. Used by the Supervisor to
// send internally synthesized requests (initialize replay, tools/list
// probe) even while the client->server path is paused for a restart.
func (f *Forwarder) WriteToServer(frame []byte) error {
	f.mu.Lock()
	w := f.serverW
	f.mu.Unlock()

	if w == nil {
		return fmt.Errorf("forwarder: no server attached")
	}
	return w.Write(frame)
}

// DrainBuffer writes every currently buffered frame to the attached
// server in FIFO order. Call after Resume, once a new server is Ready.
func (f *Forwarder) DrainBuffer() error {
	if f.buf == nil {
		return nil
	}

	f.mu.Lock()
	w := f.serverW
	f.mu.Unlock()
	if w == nil {
		return nil
	}

	for _, frame := range f.buf.DrainAll() {
		if err := w.Write(frame); err != nil {
			return fmt.Errorf("forwarder: drain buffered frame: %w", err)
		}
	}
	return nil
}

// PumpServerToClient copies frames from serverOut to the client until
// ctx is cancelled or serverOut ends (the server exited). Call this
// after each AttachServer, in a new goroutine per attachment, it
// returns when that particular server's stdout closes.
func (f *Forwarder) PumpServerToClient(ctx context.Context, serverOut io.Reader) error {
	scanner := jsonrpc.NewFrameScanner(serverOut)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, err := scanner.Next()
		if len(frame) > 0 {
			out, forward := f.tapFrame(ServerToClient, frame)
			if forward {
				if werr := f.clientW.Write(out); werr != nil {
					return fmt.Errorf("forwarder: write client frame: %w", werr)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("forwarder: read server frame: %w", err)
		}
	}
}

func (f *Forwarder) tapFrame(dir Direction, frame []byte) ([]byte, bool) {
	insp := jsonrpc.Inspect(frame)
	if !insp.Parsed {
		if f.onParseWarning != nil {
			f.onParseWarning(dir, frame, errUnparseableFrame)
		}
		return frame, true
	}
	return f.tap(dir, frame)
}
