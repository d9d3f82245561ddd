// Package setup implements mcpmon's setup subcommand: a one-shot rewrite
// of a host application's MCP server config so the host launches mcpmon
// in front of the real command instead of the command itself, per
// SPEC_FULL.md §10. Unlike the rest of mcpmon it is not a long-running
// component and shares none of the Supervisor's concurrency model, a
// single process runs one of these operations and exits.
//
// Follows internal/discovery/atomic_ops.go's flock-guarded
// read-modify-write, repurposed from locking an instance registry file
// to locking a host's JSON config file.
package setup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// lockTimeout bounds how long Manager waits to acquire the config file
// lock before giving up, mirroring atomic_ops.go's deadlock guard.
const lockTimeout = 10 * time.Second

const configFileMode = 0o644

// ServerEntry is one entry of a host config's "mcpServers" object. Only
// the stdio shape (command/args) is rewritten; an entry carrying a URL
// is a remote/SSE server and is left untouched.
type ServerEntry struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	URL     string            `json:"url,omitempty"`
	Type    string            `json:"type,omitempty"`
}

// IsStdio reports whether e describes a child-process server mcpmon can
// wrap, as opposed to a remote URL/SSE entry.
func (e ServerEntry) IsStdio() bool {
	return e.Command != "" && e.URL == ""
}

// IsWrapped reports whether e's command already is mcpmon, by name.
func (e ServerEntry) IsWrapped() bool {
	base := filepath.Base(e.Command)
	base = strings.TrimSuffix(base, ".exe")
	return base == "mcpmon"
}

type hostConfig struct {
	MCPServers map[string]ServerEntry `json:"mcpServers"`
	// Extra preserves every other top-level field untouched across a
	// read-modify-write cycle.
	Extra map[string]json.RawMessage `json:"-"`
}

// ServerInfo is one row of a --list report.
type ServerInfo struct {
	Name    string
	Command string
	Wrapped bool
}

// Manager guards read-modify-write access to a single host config file.
type Manager struct {
	path string
}

// New creates a Manager for the host config file at path.
func New(path string) *Manager {
	return &Manager{path: path}
}

// DefaultConfigPath returns the platform-conventional Claude Desktop
// config path, used when the caller passes no --config flag.
func DefaultConfigPath() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "Claude", "claude_desktop_config.json"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("setup: APPDATA is not set")
		}
		return filepath.Join(appData, "Claude", "claude_desktop_config.json"), nil
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "Claude", "claude_desktop_config.json"), nil
	}
}

// RewriteOne rewrites the named server's command/args to wrap it with
// mcpmonPath, preserving env and cwd. Returns an error if the config is
// missing, unparsable, the named server does not exist, or it is not a
// stdio-style entry.
func (m *Manager) RewriteOne(mcpmonPath, serverName string) error {
	return m.withLock(func() error {
		cfg, err := m.readLocked()
		if err != nil {
			return err
		}
		entry, ok := cfg.MCPServers[serverName]
		if !ok {
			return fmt.Errorf("setup: no server named %q in %s", serverName, m.path)
		}
		if !entry.IsStdio() {
			return fmt.Errorf("setup: server %q is not a stdio-style entry, refusing to wrap", serverName)
		}
		cfg.MCPServers[serverName] = wrap(entry, mcpmonPath)

		if err := m.backupLocked(); err != nil {
			return err
		}
		return m.writeLocked(cfg)
	})
}

// RewriteAll applies RewriteOne's rewrite to every stdio-style entry.
// Entries that are already wrapped or are remote/SSE entries are left
// untouched; it is not an error for there to be none.
func (m *Manager) RewriteAll(mcpmonPath string) error {
	return m.withLock(func() error {
		cfg, err := m.readLocked()
		if err != nil {
			return err
		}
		changed := false
		for name, entry := range cfg.MCPServers {
			if !entry.IsStdio() || entry.IsWrapped() {
				continue
			}
			cfg.MCPServers[name] = wrap(entry, mcpmonPath)
			changed = true
		}
		if !changed {
			return nil
		}
		if err := m.backupLocked(); err != nil {
			return err
		}
		return m.writeLocked(cfg)
	})
}

// Restore finds the newest <file>.bak.<unix-ts> sibling and copies it
// back over the live config file.
func (m *Manager) Restore() error {
	return m.withLock(func() error {
		backup, err := m.newestBackup()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(backup)
		if err != nil {
			return fmt.Errorf("setup: read backup %s: %w", backup, err)
		}
		return atomicWriteFile(m.path, data)
	})
}

// List reports every configured server's name, command, and whether it
// is already wrapped by mcpmon, sorted by name.
func (m *Manager) List() ([]ServerInfo, error) {
	var out []ServerInfo
	err := m.withLock(func() error {
		cfg, err := m.readLocked()
		if err != nil {
			return err
		}
		for name, entry := range cfg.MCPServers {
			out = append(out, ServerInfo{Name: name, Command: entry.Command, Wrapped: entry.IsWrapped()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func wrap(e ServerEntry, mcpmonPath string) ServerEntry {
	newArgs := make([]string, 0, len(e.Args)+1)
	newArgs = append(newArgs, e.Command)
	newArgs = append(newArgs, e.Args...)
	e.Command = mcpmonPath
	e.Args = newArgs
	return e
}

// withLock runs fn while holding an exclusive lock on a sibling of the
// config file, the same pattern atomic_ops.go uses for the instance
// registry: a dedicated lock file rather than locking the config itself,
// so a reader never needs to distinguish "locked" from "being read".
func (m *Manager) withLock(fn func() error) error {
	lockPath := m.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("setup: create config directory: %w", err)
	}

	fileLock := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("setup: acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("setup: failed to acquire lock on %s within %s", lockPath, lockTimeout)
	}
	defer fileLock.Unlock()

	return fn()
}

func (m *Manager) readLocked() (*hostConfig, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("setup: read config %s: %w", m.path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("setup: parse config %s: %w", m.path, err)
	}

	cfg := &hostConfig{MCPServers: make(map[string]ServerEntry), Extra: raw}
	if serversRaw, ok := raw["mcpServers"]; ok {
		if err := json.Unmarshal(serversRaw, &cfg.MCPServers); err != nil {
			return nil, fmt.Errorf("setup: parse mcpServers in %s: %w", m.path, err)
		}
	}
	delete(cfg.Extra, "mcpServers")
	return cfg, nil
}

func (m *Manager) writeLocked(cfg *hostConfig) error {
	out := make(map[string]json.RawMessage, len(cfg.Extra)+1)
	for k, v := range cfg.Extra {
		out[k] = v
	}
	servers, err := json.Marshal(cfg.MCPServers)
	if err != nil {
		return fmt.Errorf("setup: encode mcpServers: %w", err)
	}
	out["mcpServers"] = servers

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("setup: encode config: %w", err)
	}
	return atomicWriteFile(m.path, data)
}

// backupLocked writes a timestamped copy of the live config alongside
// it, before any modification touches disk. Must be called within
// withLock.
func (m *Manager) backupLocked() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("setup: read config for backup %s: %w", m.path, err)
	}
	backupPath := m.path + ".bak." + strconv.FormatInt(time.Now().Unix(), 10)
	return atomicWriteFile(backupPath, data)
}

func (m *Manager) newestBackup() (string, error) {
	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("setup: list %s: %w", dir, err)
	}

	var best string
	var bestTS int64
	prefix := base + ".bak."
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		tsStr := strings.TrimPrefix(name, prefix)
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		if best == "" || ts > bestTS {
			best, bestTS = name, ts
		}
	}
	if best == "" {
		return "", fmt.Errorf("setup: no backup found for %s", m.path)
	}
	return filepath.Join(dir, best), nil
}

// atomicWriteFile writes data to path via a temp file in the same
// directory followed by a rename, so a reader never observes a
// partially-written config, mirroring atomic_ops.go's atomicWriteFile.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("setup: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("setup: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setup: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, configFileMode); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setup: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setup: rename temp file into place: %w", err)
	}
	return nil
}
