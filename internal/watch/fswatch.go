package watch

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reresolveInterval bounds how long a target whose ancestor directory
// does not exist yet can go unwatched before mcpmon notices it finally
// appeared, per spec.md §4.3: "Non-existent initial targets are
// permitted; the watcher should begin emitting events once they appear".
const reresolveInterval = 2 * time.Second

// FSWatcher is the fsnotify-backed Source. It deliberately watches each
// target's *parent directory* rather than the target file itself: editors
// that save via atomic rename replace the directory entry, which would
// silently drop a direct watch on the file but is invisible to a watch on
// the containing directory, this is how spec.md §4.3's "survive
// transient file not found during remove/create cycles" obligation is
// met, the same trick internal/discovery/instance.go relies on by
// watching the instances directory rather than individual instance files.
type FSWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	targets     map[string]struct{}
	watchedDirs map[string]struct{}
	unresolved  map[string]struct{}

	events chan ChangeEvent
	errors chan error

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates a Source for paths: an FSWatcher backed by fsnotify, or,
// when fsnotify itself cannot be initialized (e.g. inotify instance
// limits exhausted, or a platform/filesystem fsnotify doesn't support),
// a PollWatcher instead, per spec.md §4.3's polling fallback requirement.
// Paths that don't exist yet, or whose parent directory doesn't exist
// yet, are accepted and resolved lazily as described above.
func New(paths []string) (Source, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return NewPoll(paths, 0), nil
	}

	fw := &FSWatcher{
		watcher:     w,
		targets:     make(map[string]struct{}),
		watchedDirs: make(map[string]struct{}),
		unresolved:  make(map[string]struct{}),
		events:      make(chan ChangeEvent, 64),
		errors:      make(chan error, 8),
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		fw.targets[abs] = struct{}{}
		fw.tryResolve(abs)
	}

	go fw.loop()

	return fw, nil
}

func (fw *FSWatcher) tryResolve(target string) {
	dir := filepath.Dir(target)

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, ok := fw.watchedDirs[dir]; ok {
		delete(fw.unresolved, target)
		return
	}

	if _, err := os.Stat(dir); err != nil {
		fw.unresolved[target] = struct{}{}
		return
	}

	if err := fw.watcher.Add(dir); err != nil {
		fw.unresolved[target] = struct{}{}
		return
	}

	fw.watchedDirs[dir] = struct{}{}
	delete(fw.unresolved, target)
}

func (fw *FSWatcher) reresolveAll() {
	fw.mu.Lock()
	pending := make([]string, 0, len(fw.unresolved))
	for t := range fw.unresolved {
		pending = append(pending, t)
	}
	fw.mu.Unlock()

	for _, t := range pending {
		fw.tryResolve(t)
	}
}

func (fw *FSWatcher) isTarget(path string) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, ok := fw.targets[path]
	return ok
}

func classify(op fsnotify.Op) (Kind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return Create, true
	case op.Has(fsnotify.Write):
		return Modify, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return Remove, true
	default:
		return 0, false
	}
}

func (fw *FSWatcher) loop() {
	defer close(fw.stoppedCh)
	defer close(fw.events)
	defer close(fw.errors)

	ticker := time.NewTicker(reresolveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-fw.stopCh:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			// A Create under a watched directory may be the directory
			// component of a still-pending nested target finally
			// appearing; give unresolved targets a chance regardless of
			// whether this specific event matches one directly.
			if event.Op.Has(fsnotify.Create) {
				fw.reresolveAll()
			}

			if !fw.isTarget(event.Name) {
				continue
			}
			kind, ok := classify(event.Op)
			if !ok {
				continue
			}

			select {
			case fw.events <- ChangeEvent{Kind: kind, Path: event.Name, At: time.Now()}:
			case <-fw.stopCh:
				return
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.stopCh:
				return
			}

		case <-ticker.C:
			fw.reresolveAll()
		}
	}
}

func (fw *FSWatcher) Events() <-chan ChangeEvent { return fw.events }
func (fw *FSWatcher) Errors() <-chan error        { return fw.errors }

// Close stops the watcher and waits for its goroutine to exit, closing
// Events and Errors.
func (fw *FSWatcher) Close() error {
	select {
	case <-fw.stopCh:
		return nil
	default:
	}
	close(fw.stopCh)
	err := fw.watcher.Close()
	<-fw.stoppedCh
	return err
}
