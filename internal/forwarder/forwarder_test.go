package forwarder

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mcpmon/internal/buffer"
)

// pipePair gives a writer the test controls and a reader the forwarder
// consumes, without needing a real OS pipe.
func pipePair() (io.Reader, io.WriteCloser) {
	r, w := io.Pipe()
	return r, w
}

func TestForwarderPassesValidFrameThroughWithNilTap(t *testing.T) {
	clientIn, clientInW := pipePair()
	_, clientOutW := pipePair()

	f := New(clientIn, clientOutW, nil, buffer.New(10))

	serverR, serverW := pipePair()
	f.AttachServer(serverW)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.RunClientToServer(ctx)

	go func() {
		_, _ = clientInW.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"))
	}()

	line, err := readLine(serverR)
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, line)
}

func readLine(r io.Reader) (string, error) {
	buf := make([]byte, 0, 256)
	one := make([]byte, 1)
	for {
		n, err := r.Read(one)
		if n > 0 {
			if one[0] == '\n' {
				return strings.TrimSuffix(string(buf), ""), nil
			}
			buf = append(buf, one[0])
		}
		if err != nil {
			return string(buf), err
		}
	}
}

func TestForwarderBuffersWhilePaused(t *testing.T) {
	clientIn, clientInW := pipePair()
	_, clientOutW := pipePair()

	buf := buffer.New(10)
	f := New(clientIn, clientOutW, nil, buf)
	f.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.RunClientToServer(ctx)

	_, err := clientInW.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return buf.Size() == 1 }, time.Second, 10*time.Millisecond)
}

func TestForwarderBuffersWhenNoServerAttached(t *testing.T) {
	clientIn, clientInW := pipePair()
	_, clientOutW := pipePair()

	buf := buffer.New(10)
	f := New(clientIn, clientOutW, nil, buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.RunClientToServer(ctx)

	_, err := clientInW.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return buf.Size() == 1 }, time.Second, 10*time.Millisecond)
}

func TestTapCanSuppressForwarding(t *testing.T) {
	clientIn, clientInW := pipePair()
	_, clientOutW := pipePair()
	serverR, serverW := pipePair()

	var mu sync.Mutex
	seen := []Direction{}

	tap := func(dir Direction, frame []byte) ([]byte, bool) {
		mu.Lock()
		seen = append(seen, dir)
		mu.Unlock()
		return frame, false
	}

	f := New(clientIn, clientOutW, tap, buffer.New(10))
	f.AttachServer(serverW)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.RunClientToServer(ctx)

	readDone := make(chan struct{})
	go func() {
		buf := make([]byte, 64)
		_, _ = serverR.Read(buf)
		close(readDone)
	}()

	_, err := clientInW.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"))
	require.NoError(t, err)

	select {
	case <-readDone:
		t.Fatal("suppressed frame should not reach the server")
	case <-time.After(150 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Direction{ClientToServer}, seen)
}

func TestUnparseableFrameAlwaysForwards(t *testing.T) {
	clientIn, clientInW := pipePair()
	_, clientOutW := pipePair()
	serverR, serverW := pipePair()

	tapCalled := false
	tap := func(dir Direction, frame []byte) ([]byte, bool) {
		tapCalled = true
		return frame, true
	}

	f := New(clientIn, clientOutW, tap, buffer.New(10))
	f.AttachServer(serverW)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.RunClientToServer(ctx)

	go func() {
		_, _ = clientInW.Write([]byte("not json at all\n"))
	}()

	line, err := readLine(serverR)
	require.NoError(t, err)
	assert.Equal(t, "not json at all", line)
	assert.False(t, tapCalled)
}

func TestDrainBufferWritesInFIFOOrder(t *testing.T) {
	_, clientOutW := pipePair()
	serverR, serverW := pipePair()

	buf := buffer.New(10)
	buf.Enqueue([]byte(`{"a":1}`))
	buf.Enqueue([]byte(`{"a":2}`))

	clientIn, _ := pipePair()
	f := New(clientIn, clientOutW, nil, buf)
	f.AttachServer(serverW)

	go func() {
		require.NoError(t, f.DrainBuffer())
	}()

	first, err := readLine(serverR)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, first)

	second, err := readLine(serverR)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, second)
}

func TestPumpServerToClientStopsOnEOF(t *testing.T) {
	clientIn, _ := pipePair()
	clientOutR, clientOutW := pipePair()

	f := New(clientIn, clientOutW, nil, buffer.New(10))

	serverOutR, serverOutW := pipePair()

	done := make(chan error, 1)
	go func() { done <- f.PumpServerToClient(context.Background(), serverOutR) }()

	go func() {
		_, _ = serverOutW.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}` + "\n"))
		serverOutW.Close()
	}()

	line, err := readLine(clientOutR)
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, line)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pump did not stop after server stdout closed")
	}
}
