// Package config loads and hot-reloads the proxy's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from the YAML config file.
type Config struct {
	// Port is the HTTP listen port. Overridden by the CLI's positional port argument.
	Port int `yaml:"port" json:"port"`

	// AccountsFile is the path to the persisted account snapshot (spec.md §6).
	AccountsFile string `yaml:"accounts-file" json:"accounts-file"`

	// UpstreamBaseURL is the Kiro CodeWhisperer-style base URL; requests go to
	// {UpstreamBaseURL}/conversation and refresh-token flows to {UpstreamBaseURL}/refresh-token.
	UpstreamBaseURL string `yaml:"upstream-base-url" json:"upstream-base-url"`
	// AgentVersion is sent as x-amzn-kiro-agent-version (spec.md §4.6); detection
	// is best-effort so this is simply a configurable fallback.
	AgentVersion string `yaml:"agent-version" json:"agent-version"`

	// Retry tunes the account pool's retry/failover budget (passed to
	// Manager.SetRetryConfig by the builder); the Upstream Client's own retry
	// loop uses fixed constants.
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// OAuth carries the client identifiers for the three "Social" auth kinds'
	// refresh endpoints (spec.md §4.2). The upstream IDE embeds its own; operators
	// fronting their own Kiro accounts supply theirs here.
	OAuth SocialOAuthConfig `yaml:"oauth" json:"oauth"`

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log-level" json:"log-level"`
	// LogDir overrides the directory used for rotated log files.
	LogDir string `yaml:"log-dir" json:"log-dir"`
	// LoggingToFile switches log output from stdout to a rotating file under LogDir.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`
	// LogsMaxTotalSizeMB bounds the total size of the rotated log directory; <=0 disables cleanup.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// StorageBackend selects the auth.Store implementation: "file" (default), "postgres", "object", "git".
	StorageBackend string `yaml:"storage-backend" json:"storage-backend"`
	// StorageDSN is the backend-specific connection string (Postgres DSN, S3 endpoint, git remote).
	StorageDSN string `yaml:"storage-dsn" json:"storage-dsn"`
}

// RetryConfig tunes the account pool's retry/failover budget (spec.md §4.6, §4.8).
type RetryConfig struct {
	MaxAttempts int           `yaml:"max-attempts" json:"max-attempts"`
	MaxWait     time.Duration `yaml:"max-wait" json:"max-wait"`
}

// SocialOAuthConfig holds per-provider client identifiers for the Token
// Refresher's Social auth kinds (spec.md §4.2).
type SocialOAuthConfig struct {
	GoogleClientID     string `yaml:"google-client-id" json:"google-client-id"`
	GoogleClientSecret string `yaml:"google-client-secret" json:"google-client-secret"`

	GitHubClientID     string `yaml:"github-client-id" json:"github-client-id"`
	GitHubClientSecret string `yaml:"github-client-secret" json:"github-client-secret"`

	AWSBuilderIDClientID     string `yaml:"aws-builder-id-client-id" json:"aws-builder-id-client-id"`
	AWSBuilderIDClientSecret string `yaml:"aws-builder-id-client-secret" json:"aws-builder-id-client-secret"`
	AWSSSORegion             string `yaml:"aws-sso-region" json:"aws-sso-region"`
}

// DefaultUpstreamBaseURL matches the upstream IDE's production endpoint per spec.md §6.
const DefaultUpstreamBaseURL = "https://codewhisperer.us-east-1.amazonaws.com"

// DefaultConfigDir returns the directory defaultConfig derives AccountsFile
// from, so other packages (e.g. the git-backed store) can place sibling state
// alongside it without hardcoding the path twice.
func DefaultConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kiro-proxy")
}

func defaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Port:            8080,
		AccountsFile:    filepath.Join(home, ".kiro-proxy", "config.json"),
		UpstreamBaseURL: DefaultUpstreamBaseURL,
		AgentVersion:    "1.0.0",
		Retry:           RetryConfig{MaxAttempts: 3, MaxWait: 30 * time.Second},
		LogLevel:        "info",
		StorageBackend:  "file",
		OAuth:           SocialOAuthConfig{AWSSSORegion: "us-east-1"},
	}
}

// Load reads the YAML config file at path, filling unset fields with defaults.
// A missing file is not an error; the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher reloads the config file on change and invokes onChange with the new value.
type Watcher struct {
	mu       sync.Mutex
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	done     chan struct{}
}

// WatchFile starts watching path for changes, matching the teacher's
// fsnotify-backed config hot-reload story.
func WatchFile(path string, onChange func(*Config)) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config: cannot watch an empty path")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w := &Watcher{path: path, watcher: fw, onChange: onChange, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.WithError(err).Warn("config: reload failed, keeping previous configuration")
				continue
			}
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config: watcher error")
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.watcher.Close()
	<-w.done
	return err
}
