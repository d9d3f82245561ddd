// Package watch implements mcpmon's Change Source (spec.md §4.3): a
// stream of create/modify/remove events for a set of watched paths, fed
// into the Supervisor's debounce-and-restart logic. Follows
// internal/discovery/instance.go's fsnotify wiring, with a polling
// fallback following internal/discovery/polling_watcher.go for
// filesystems where fsnotify is unreliable ("more reliable than fsnotify
// for network filesystems").
package watch

import "time"

// Kind is the nature of a filesystem change, matching spec.md §3's
// Change event entity.
type Kind int

const (
	Create Kind = iota
	Modify
	Remove
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// ChangeEvent is one observed change. Delivery is at-least-once and
// duplicates within a debounce window are expected (spec.md §3), the
// Source never deduplicates; the Supervisor does.
type ChangeEvent struct {
	Kind Kind
	Path string
	At   time.Time
}

// Source abstracts "something to watch" per spec.md §4.3. Cancellation is
// by calling Close, which closes Events and Errors.
type Source interface {
	Events() <-chan ChangeEvent
	Errors() <-chan error
	Close() error
}
