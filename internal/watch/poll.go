package watch

import (
	"os"
	"sync"
	"time"
)

// DefaultPollInterval matches polling_watcher.go's default: frequent
// enough to feel responsive, coarse enough not to hammer a network
// filesystem.
const DefaultPollInterval = 1 * time.Second

type fileState struct {
	exists  bool
	modTime time.Time
	size    int64
}

// PollWatcher is the polling fallback Source, used when fsnotify is
// unavailable or known unreliable (network filesystems, some container
// overlay filesystems) per spec.md §4.3's fallback requirement. Grounded
// on internal/discovery/polling_watcher.go's interval-based stat-diff
// loop; mcpmon's version tracks size and mtime only since it is watching
// a handful of files, not scanning a directory tree.
type PollWatcher struct {
	interval time.Duration

	mu     sync.Mutex
	states map[string]fileState

	events chan ChangeEvent
	errors chan error

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewPoll creates a PollWatcher for paths, polling every interval (if
// interval <= 0, DefaultPollInterval is used).
func NewPoll(paths []string, interval time.Duration) *PollWatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	pw := &PollWatcher{
		interval:  interval,
		states:    make(map[string]fileState, len(paths)),
		events:    make(chan ChangeEvent, 64),
		errors:    make(chan error, 8),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	for _, p := range paths {
		pw.states[p] = pw.stat(p)
	}

	go pw.loop()

	return pw
}

func (pw *PollWatcher) stat(path string) fileState {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{exists: false}
	}
	return fileState{exists: true, modTime: info.ModTime(), size: info.Size()}
}

func (pw *PollWatcher) scanOnce() {
	pw.mu.Lock()
	paths := make([]string, 0, len(pw.states))
	for p := range pw.states {
		paths = append(paths, p)
	}
	pw.mu.Unlock()

	for _, path := range paths {
		next := pw.stat(path)

		pw.mu.Lock()
		prev := pw.states[path]
		pw.states[path] = next
		pw.mu.Unlock()

		var kind Kind
		switch {
		case !prev.exists && next.exists:
			kind = Create
		case prev.exists && !next.exists:
			kind = Remove
		case prev.exists && next.exists && (!prev.modTime.Equal(next.modTime) || prev.size != next.size):
			kind = Modify
		default:
			continue
		}

		select {
		case pw.events <- ChangeEvent{Kind: kind, Path: path, At: time.Now()}:
		case <-pw.stopCh:
			return
		}
	}
}

func (pw *PollWatcher) loop() {
	defer close(pw.stoppedCh)
	defer close(pw.events)
	defer close(pw.errors)

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pw.stopCh:
			return
		case <-ticker.C:
			pw.scanOnce()
		}
	}
}

func (pw *PollWatcher) Events() <-chan ChangeEvent { return pw.events }
func (pw *PollWatcher) Errors() <-chan error        { return pw.errors }

// Close stops the polling loop and waits for it to exit.
func (pw *PollWatcher) Close() error {
	select {
	case <-pw.stopCh:
		return nil
	default:
	}
	close(pw.stopCh)
	<-pw.stoppedCh
	return nil
}
