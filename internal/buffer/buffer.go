// Package buffer implements mcpmon's Message Buffer (spec.md §4.6): an
// ordered holding queue for client-originated frames that arrive while no
// server is attached. Frames are drained in FIFO order once a new server
// is ready. Follows pkg/events/events.go's channel-and-mutex queue
// idioms, sized down to a plain slice since the buffer only ever has
// one consumer (the Supervisor, during drain).
package buffer

import "sync"

// DefaultSoftLimit is the entry count above which Enqueue starts dropping
// the oldest frame and reporting it was dropped, per spec.md §4.6's "soft
// warning at, e.g., 1000 entries" default policy.
const DefaultSoftLimit = 1000

// Buffer is a FIFO queue of opaque frame bytes. The zero value is not
// usable; construct with New.
type Buffer struct {
	mu        sync.Mutex
	entries   [][]byte
	softLimit int
}

// New creates a Buffer. A softLimit of 0 uses DefaultSoftLimit; a negative
// softLimit disables the drop policy (unbounded).
func New(softLimit int) *Buffer {
	if softLimit == 0 {
		softLimit = DefaultSoftLimit
	}
	return &Buffer{softLimit: softLimit}
}

// Enqueue appends frame to the tail of the buffer. If the soft limit is
// exceeded, the oldest frame is dropped and returned as droppedFrame so
// the caller can log it; droppedFrame is nil otherwise.
func (b *Buffer) Enqueue(frame []byte) (droppedFrame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, frame)

	if b.softLimit > 0 && len(b.entries) > b.softLimit {
		droppedFrame = b.entries[0]
		b.entries = b.entries[1:]
	}
	return droppedFrame
}

// DrainAll returns every buffered frame in FIFO order and empties the
// buffer. Safe to call on an empty buffer (returns nil).
func (b *Buffer) DrainAll() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}
	drained := b.entries
	b.entries = nil
	return drained
}

// Size reports the current number of buffered frames.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
