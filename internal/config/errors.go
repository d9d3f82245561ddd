package config

import "errors"

// ErrWatchTargetInvalid is returned by Validate when watching is enabled
// but no watch paths were supplied, per spec.md §3's invariant: "watch
// targets non-empty OR an explicit disable-watching flag".
var ErrWatchTargetInvalid = errors.New("config: watch enabled but no watch targets given")
