// Package config loads and merges daemon configuration, and serves it to the
// rest of the daemon with support for hot reload.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// GlobalPath returns the conventional global config location under the XDG
// config directory.
func GlobalPath() string {
	return filepath.Join(xdg.ConfigHome, "agentd", "config.json")
}

// ProjectPath returns the conventional project-local config location,
// relative to cwd.
func ProjectPath() string {
	return filepath.Join(".agentd", "config.json")
}

// mergeConfigFile reads a JSON config file and merges it into the base
// config. Missing files are silently skipped. Malformed JSON returns an
// error.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.Daemon.Port != 0 {
		base.Daemon.Port = loaded.Daemon.Port
	}
	if loaded.Daemon.TickMillis != 0 {
		base.Daemon.TickMillis = loaded.Daemon.TickMillis
	}
	if loaded.Daemon.SnapshotMillis != 0 {
		base.Daemon.SnapshotMillis = loaded.Daemon.SnapshotMillis
	}
	if loaded.Daemon.OutputBufferSize != 0 {
		base.Daemon.OutputBufferSize = loaded.Daemon.OutputBufferSize
	}
	if loaded.Daemon.ClientBufferSize != 0 {
		base.Daemon.ClientBufferSize = loaded.Daemon.ClientBufferSize
	}
	if loaded.Daemon.ProjectDir != "" {
		base.Daemon.ProjectDir = loaded.Daemon.ProjectDir
	}
	if loaded.Daemon.Development {
		base.Daemon.Development = true
	}

	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}
	for key, agent := range loaded.Complexity {
		base.Complexity[key] = agent
	}

	// Feature flags are taken verbatim from the last file that sets them. A
	// raw decode cannot tell "false" from "absent", so probe the document.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil {
		if _, ok := probe["task_review_enabled"]; ok {
			base.TaskReviewEnabled = loaded.TaskReviewEnabled
		}
		if _, ok := probe["epic_mirrors_enabled"]; ok {
			base.EpicMirrorsEnabled = loaded.EpicMirrorsEnabled
		}
	}

	return nil
}

// Manager serves the current configuration to the daemon and supports
// reloading it from disk. Reads vastly outnumber reloads, so access is
// guarded by an RWMutex.
type Manager struct {
	mu          sync.RWMutex
	current     *Config
	globalPath  string
	projectPath string

	// projectDirOverride pins the agents' working directory (a CLI flag)
	// across reloads.
	projectDirOverride string
}

// NewManager loads the initial configuration from the given paths.
func NewManager(globalPath, projectPath string) (*Manager, error) {
	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	return &Manager{
		current:     cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}, nil
}

// Current returns the active configuration. Callers must not mutate it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reload re-reads the configuration files. On error the previous
// configuration stays active.
func (m *Manager) Reload() error {
	cfg, err := Load(m.globalPath, m.projectPath)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	m.mu.Lock()
	if m.projectDirOverride != "" {
		cfg.Daemon.ProjectDir = m.projectDirOverride
	}
	m.current = cfg
	m.mu.Unlock()
	return nil
}

// SetProjectDir pins the agents' working directory, overriding config files
// now and on every future reload.
func (m *Manager) SetProjectDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.projectDirOverride = dir
	next := *m.current
	next.Daemon.ProjectDir = dir
	m.current = &next
}

// SetTaskReviewEnabled flips the review feature flag at runtime. The change
// does not survive a reload from disk.
func (m *Manager) SetTaskReviewEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.current
	next.TaskReviewEnabled = enabled
	m.current = &next
}
