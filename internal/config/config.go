// Package config resolves mcpmon's Proxy configuration (spec.md §3) from
// three layers, highest priority first: CLI flags, environment variables,
// and an optional defaults file at ~/.mcpmon/config.toml. This is
// distinct from the host application's own MCP server config JSON file
// that the setup subcommand rewrites (internal/setup); that file names
// servers and commands; this one only ever supplies mcpmon's own knobs
// (delay, grace period, warmup, retry budget, verbosity).
//
// Follows internal/config/config.go's "~/.<toolname>/<file>, create the
// dir, load-or-default" shape, adapted from a single JSON blob read by
// hand to a viper-bound layered loader, a pattern change forced by the
// need for flag/env overrides that that package never had to support.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Defaults mirror spec.md §4.1's stated small constants: ~1s crash-retry
// backoff is handled by the Supervisor directly, these are the knobs a
// user is expected to actually tune.
const (
	DefaultDebounceDelay = 300 * time.Millisecond
	DefaultGracePeriod   = 2 * time.Second
	DefaultWarmup        = 200 * time.Millisecond
	DefaultRetryBudget   = 3
)

// Proxy is mcpmon's resolved configuration for a single supervised
// server, per spec.md §3's Proxy configuration entity. It is immutable
// after the Supervisor starts.
type Proxy struct {
	Command string
	Args    []string

	WatchPaths    []string
	DisableWatch  bool
	DebounceDelay time.Duration

	GracePeriod time.Duration
	Warmup      time.Duration
	RetryBudget int

	Env       map[string]string
	Dir       string
	DataDir   string
	Verbose   bool
}

// Validate enforces spec.md §3's invariant: watch targets non-empty OR
// an explicit disable-watching flag, and all delays are non-negative.
func (p Proxy) Validate() error {
	if p.Command == "" {
		return fmt.Errorf("config: command is required")
	}
	if !p.DisableWatch && len(p.WatchPaths) == 0 {
		return fmt.Errorf("config: %w", ErrWatchTargetInvalid)
	}
	if p.DebounceDelay < 0 || p.GracePeriod < 0 || p.Warmup < 0 {
		return fmt.Errorf("config: delays must be non-negative")
	}
	return nil
}

// DefaultsPath returns ~/.mcpmon/config.toml, creating the containing
// directory if necessary.
func DefaultsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}

	dir := filepath.Join(home, ".mcpmon")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("config: create %s: %w", dir, err)
	}

	return filepath.Join(dir, "config.toml"), nil
}

// fileDefaults is the shape of ~/.mcpmon/config.toml. It supplies
// defaults only, it never names a watch target or command, which are
// always specific to a single invocation and must come from flags or the
// positional command line.
type fileDefaults struct {
	DelayMS   int  `toml:"delay_ms"`
	GraceMS   int  `toml:"grace_ms"`
	WarmupMS  int  `toml:"warmup_ms"`
	Retries   int  `toml:"retries"`
	Verbose   bool `toml:"verbose"`
}

// LoadFileDefaults reads the optional defaults file. A missing file is
// not an error; it just means no overrides apply.
func LoadFileDefaults(path string) (fileDefaults, error) {
	var fd fileDefaults
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fd, nil
		}
		return fd, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &fd); err != nil {
		return fd, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fd, nil
}

// Resolve builds a Proxy from viper's already-bound flags/env (v must
// have had its flags bound by the caller, cmd/mcpmon's cobra wiring),
// layering the optional file defaults underneath as viper's lowest
// priority source.
func Resolve(v *viper.Viper, command string, args []string, watchPaths []string) (Proxy, error) {
	if _, err := loadAndApplyFileDefaults(v); err != nil {
		return Proxy{}, err
	}

	p := Proxy{
		Command:       command,
		Args:          args,
		WatchPaths:    watchPaths,
		DisableWatch:  v.GetBool("no-watch"),
		DebounceDelay: durationOrDefault(v, "delay-ms", DefaultDebounceDelay),
		GracePeriod:   durationOrDefault(v, "grace-ms", DefaultGracePeriod),
		Warmup:        durationOrDefault(v, "warmup-ms", DefaultWarmup),
		RetryBudget:   intOrDefault(v, "retries", DefaultRetryBudget),
		Verbose:       v.GetBool("verbose"),
		Dir:           v.GetString("cwd"),
		DataDir:       v.GetString("data-dir"),
		Env:           parseEnvOverrides(v.GetStringSlice("env")),
	}

	if err := p.Validate(); err != nil {
		return Proxy{}, err
	}
	return p, nil
}

func loadAndApplyFileDefaults(v *viper.Viper) (fileDefaults, error) {
	path, err := DefaultsPath()
	if err != nil {
		return fileDefaults{}, err
	}
	fd, err := LoadFileDefaults(path)
	if err != nil {
		return fd, err
	}

	if fd.DelayMS > 0 {
		v.SetDefault("delay-ms", fd.DelayMS)
	}
	if fd.GraceMS > 0 {
		v.SetDefault("grace-ms", fd.GraceMS)
	}
	if fd.WarmupMS > 0 {
		v.SetDefault("warmup-ms", fd.WarmupMS)
	}
	if fd.Retries > 0 {
		v.SetDefault("retries", fd.Retries)
	}
	if fd.Verbose {
		v.SetDefault("verbose", true)
	}
	return fd, nil
}

func durationOrDefault(v *viper.Viper, key string, def time.Duration) time.Duration {
	if !v.IsSet(key) {
		return def
	}
	ms := v.GetInt(key)
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func intOrDefault(v *viper.Viper, key string, def int) int {
	if !v.IsSet(key) {
		return def
	}
	n := v.GetInt(key)
	if n <= 0 {
		return def
	}
	return n
}

// parseEnvOverrides parses "KEY=VALUE" pairs (as accepted repeatedly via
// --env on the CLI) into a map for the spawned server's environment.
func parseEnvOverrides(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, val, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[k] = val
	}
	return out
}
