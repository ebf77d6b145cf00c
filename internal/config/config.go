// Package config implements the daemon's layered configuration: a YAML
// file overridden by process environment variables (prefix "LOOMD__",
// path separator "__"), with a hot-reloadable subset watched via
// fsnotify. This fills in the slot the predecessor's internal/config left
// as a bare test file with no implementation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const envPrefix = "LOOMD__"

type PermissionMode string

const (
	PermissionAllowlist PermissionMode = "allowlist"
	PermissionSandbox   PermissionMode = "sandbox"
	PermissionDangerous PermissionMode = "dangerous"
)

type DaemonConfig struct {
	BindAddress string   `yaml:"bind_address"`
	MaxAgents   int      `yaml:"max_agents"`
	RequireAuth bool     `yaml:"require_auth"`
	APIKeys     []string `yaml:"api_keys"`
}

type StoreConfig struct {
	KVURL string `yaml:"kv_url"`
	DBURL string `yaml:"db_url"`
}

type AgentsConfig struct {
	DefaultTimeoutSeconds int            `yaml:"default_timeout_seconds"`
	TokenBudgetPerTask    int64          `yaml:"token_budget_per_task"`
	PermissionsMode       PermissionMode `yaml:"permissions_mode"`
}

type ACPConfig struct {
	WebsocketPort int `yaml:"websocket_port"`
}

type LearningConfig struct {
	Enabled              bool   `yaml:"enabled"`
	DefaultAlgorithm     string `yaml:"default_algorithm"`
	TrainingBatchSize    int    `yaml:"training_batch_size"`
	UpdateIntervalSeconds int   `yaml:"update_interval_seconds"`
}

// Config is the full daemon configuration tree, §6.5 of SPEC_FULL.md.
type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	Store    StoreConfig    `yaml:"store"`
	Agents   AgentsConfig   `yaml:"agents"`
	ACP      ACPConfig      `yaml:"acp"`
	Learning LearningConfig `yaml:"learning"`

	// DataDir / DatabasePath / KeyStorePath are not env-layered; they are
	// resolved once at startup from XDG_DATA_HOME (or $HOME fallback).
	DataDir      string `yaml:"-"`
	DatabasePath string `yaml:"-"`
	KeyStorePath string `yaml:"-"`

	mu sync.RWMutex
}

// Default returns a Config with the spec's documented defaults: HTTP bind
// on :9200, ACP WebSocket on :9100, auth required, allowlist permissions.
func Default() (*Config, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}

	cfg := &Config{
		Daemon: DaemonConfig{
			BindAddress: ":9200",
			MaxAgents:   64,
			RequireAuth: true,
		},
		Agents: AgentsConfig{
			DefaultTimeoutSeconds: 60,
			TokenBudgetPerTask:    8000,
			PermissionsMode:       PermissionAllowlist,
		},
		ACP: ACPConfig{WebsocketPort: 9100},
		Learning: LearningConfig{
			Enabled:               true,
			DefaultAlgorithm:      "q_learning",
			TrainingBatchSize:     32,
			UpdateIntervalSeconds: 300,
		},
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "loomd.db"),
		KeyStorePath: filepath.Join(dataDir, "keystore.json"),
	}
	return cfg, nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	dir := filepath.Join(base, "loomd")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return dir, nil
}

// Load reads the YAML file at path (if it exists), applies it on top of
// Default(), then layers process environment overrides.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg, os.Environ())
	return cfg, nil
}

// Reload re-applies env overrides and, if path is non-empty, the file at
// path, onto a fresh Default() base, then swaps the hot-reloadable subset
// into cfg under its write lock. Non-hot-reloadable fields (ports, data
// directory layout) are left untouched.
func (c *Config) Reload(path string) error {
	next, err := Load(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Daemon.RequireAuth = next.Daemon.RequireAuth
	c.Daemon.APIKeys = next.Daemon.APIKeys
	c.Agents.TokenBudgetPerTask = next.Agents.TokenBudgetPerTask
	c.Agents.PermissionsMode = next.Agents.PermissionsMode
	c.Learning.Enabled = next.Learning.Enabled
	return nil
}

// RequireAuth is a read accessor guarded by the hot-reload lock.
func (c *Config) RequireAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Daemon.RequireAuth
}

// APIKeys is a read accessor guarded by the hot-reload lock.
func (c *Config) APIKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, len(c.Daemon.APIKeys))
	copy(keys, c.Daemon.APIKeys)
	return keys
}

// WatchReload starts an fsnotify watcher on path and calls c.Reload
// whenever the file is written, until stop is closed. Errors from Reload
// are sent to onError if non-nil.
func (c *Config) WatchReload(path string, stop <-chan struct{}, onError func(error)) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.Reload(path); err != nil && onError != nil {
					onError(err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}

// applyEnvOverrides layers LOOMD__-prefixed environment variables onto
// cfg, using "__" as the path separator (LOOMD__DAEMON__BIND_ADDRESS ->
// daemon.bind_address), mirroring the CCA__ convention from spec.md §6.5.
func applyEnvOverrides(cfg *Config, environ []string) {
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], envPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(parts[0], envPrefix))
		path := strings.Split(key, "__")
		value := parts[1]
		setByPath(cfg, path, value)
	}
}

func setByPath(cfg *Config, path []string, value string) {
	if len(path) < 2 {
		return
	}
	switch path[0] {
	case "daemon":
		switch path[1] {
		case "bind_address":
			cfg.Daemon.BindAddress = value
		case "max_agents":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.Daemon.MaxAgents = n
			}
		case "require_auth":
			cfg.Daemon.RequireAuth = parseBool(value, cfg.Daemon.RequireAuth)
		case "api_keys":
			cfg.Daemon.APIKeys = splitNonEmpty(value, ",")
		}
	case "kv":
		if path[1] == "url" {
			cfg.Store.KVURL = value
		}
	case "db":
		if path[1] == "url" {
			cfg.Store.DBURL = value
		}
	case "agents":
		switch path[1] {
		case "default_timeout_seconds":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.Agents.DefaultTimeoutSeconds = n
			}
		case "token_budget_per_task":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.Agents.TokenBudgetPerTask = n
			}
		}
		if len(path) == 3 && path[1] == "permissions" && path[2] == "mode" {
			cfg.Agents.PermissionsMode = PermissionMode(value)
		}
	case "acp":
		if path[1] == "websocket_port" {
			if n, err := strconv.Atoi(value); err == nil {
				cfg.ACP.WebsocketPort = n
			}
		}
	case "learning":
		switch path[1] {
		case "enabled":
			cfg.Learning.Enabled = parseBool(value, cfg.Learning.Enabled)
		case "default_algorithm":
			cfg.Learning.DefaultAlgorithm = value
		case "training_batch_size":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.Learning.TrainingBatchSize = n
			}
		case "update_interval_seconds":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.Learning.UpdateIntervalSeconds = n
			}
		}
	}
}

func parseBool(value string, fallback bool) bool {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func splitNonEmpty(value, sep string) []string {
	var out []string
	for _, part := range strings.Split(value, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetPassword returns the passphrase used to unlock the at-rest secret
// store, read from LOOMD_PASSWORD (mirroring the predecessor's
// LOOM_PASSWORD convention). Production deployments should set it from a
// secrets manager rather than a shell env file.
func GetPassword() (string, error) {
	if p := os.Getenv("LOOMD_PASSWORD"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("LOOMD_PASSWORD not set")
}

// RejectDangerousInProduction enforces the design note in spec.md §9:
// production configs must reject agents.permissions.mode=dangerous unless
// explicitly acknowledged via LOOMD__AGENTS__PERMISSIONS__MODE_ACK=dangerous.
func (c *Config) RejectDangerousInProduction() error {
	c.mu.RLock()
	mode := c.Agents.PermissionsMode
	c.mu.RUnlock()
	if mode != PermissionDangerous {
		return nil
	}
	if os.Getenv("LOOMD__AGENTS__PERMISSIONS__MODE_ACK") == "dangerous" {
		return nil
	}
	return fmt.Errorf("agents.permissions.mode=dangerous requires explicit acknowledgement")
}
