// Package config loads ptyctl's runtime configuration: registry limits and
// transport knobs, from an optional YAML/JSON file plus PTYCTL_* environment
// overrides, with an fsnotify-driven hot reload of the file.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ControlMode selects how the operator control socket is exposed.
type ControlMode string

const (
	ControlDisabled  ControlMode = "disabled"
	ControlReadonly  ControlMode = "readonly"
	ControlReadwrite ControlMode = "readwrite"
)

// Config is the full set of recognised configuration knobs.
type Config struct {
	MaxSessions          int         `json:"max_sessions" yaml:"max_sessions"`
	OutputBufferMaxBytes int         `json:"output_buffer_max_bytes" yaml:"output_buffer_max_bytes"`
	OutputBufferMaxLines int         `json:"output_buffer_max_lines" yaml:"output_buffer_max_lines"`
	IdleTimeoutMs        int         `json:"idle_timeout_ms" yaml:"idle_timeout_ms"`
	RecordTxEvents       bool        `json:"record_tx_events" yaml:"record_tx_events"`
	ControlMode          ControlMode `json:"control_mode" yaml:"control_mode"`

	Transport     string `json:"-" yaml:"-"`
	HTTPListen    string `json:"-" yaml:"-"`
	LogLevel      string `json:"-" yaml:"-"`
	ControlSocket string `json:"-" yaml:"-"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		MaxSessions:          100,
		OutputBufferMaxBytes: 2 * 1024 * 1024,
		OutputBufferMaxLines: 20000,
		IdleTimeoutMs:        300000,
		RecordTxEvents:       false,
		ControlMode:          ControlReadonly,
		Transport:            "stdio",
		HTTPListen:           ":8088",
		LogLevel:             "info",
	}
}

// Load builds a Config starting from defaults, overlaying an optional
// config file (YAML or JSON, sniffed by extension), then PTYCTL_* env vars.
// Env and file win over built-in defaults; an explicit flag, where the
// caller parses one, wins over everything.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if isJSON(path) {
		return json.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

func isJSON(path string) bool {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:] == ".json"
		}
	}
	return false
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PTYCTL_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("PTYCTL_HTTP_LISTEN"); v != "" {
		cfg.HTTPListen = v
	}
	if v := os.Getenv("PTYCTL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PTYCTL_CONTROL_SOCKET"); v != "" {
		cfg.ControlSocket = v
	}
	if v := os.Getenv("PTYCTL_CONTROL_MODE"); v != "" {
		cfg.ControlMode = ControlMode(v)
	}
	if v := os.Getenv("PTYCTL_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
}

// Watcher holds the result of Load and refreshes it when the config file
// changes. Only the file-backed fields can change through the file; the
// env-only fields (log level, transport, listen address, control socket)
// are re-read from the environment on each reload.
type Watcher struct {
	mu      sync.RWMutex
	current Config
	watcher *fsnotify.Watcher
}

// NewWatcher loads path once and then watches it for further writes,
// re-running Load on each change. If path is empty, no filesystem watch is
// started and Current always returns the initial config.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{current: cfg}
	if path == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		logrus.WithError(err).Warn("config hot-reload disabled: cannot watch config file")
		_ = fw.Close()
		return w, nil
	}
	w.watcher = fw

	go w.watch(path)
	return w, nil
}

func (w *Watcher) watch(path string) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logrus.WithError(err).Warn("config reload failed")
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			logrus.Info("config reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("config watcher error")
		}
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the filesystem watch, if one was started.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
