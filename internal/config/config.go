// Package config loads orchestrator configuration from environment
// variables, with optional overrides from ~/.claps/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Home is the state directory. Defaults to ~/.claps.
	Home string `envconfig:"CLAPS_HOME"`

	// Auth gateway (loopback only)
	GatewayPort int `envconfig:"GATEWAY_PORT" default:"3001"`

	// Agent subprocess
	AgentBin       string        `envconfig:"AGENT_BIN" default:"claude"`
	AgentTimeout   time.Duration `envconfig:"AGENT_TIMEOUT" default:"10m"`
	AgentMaxOutput int           `envconfig:"AGENT_MAX_OUTPUT" default:"1048576"`
	AgentMaxTurns  int           `envconfig:"AGENT_MAX_TURNS"`
	SanitizeEnv    bool          `envconfig:"AGENT_SANITIZE_ENV" default:"true"`

	// Sessions
	SessionMaxAge time.Duration `envconfig:"SESSION_MAX_AGE" default:"24h"`

	// Slack (optional)
	SlackBotToken        string `envconfig:"CLAPS_SLACK_BOT_TOKEN"`
	SlackAppToken        string `envconfig:"CLAPS_SLACK_APP_TOKEN"` // xapp- token for Socket Mode
	SlackNotifyChannel   string `envconfig:"CLAPS_SLACK_NOTIFY_CHANNEL"`
	SlackAllowedChannels string `envconfig:"CLAPS_SLACK_ALLOWED_CHANNELS"` // comma-separated

	// LINE (optional)
	LineChannelSecret string `envconfig:"LINE_CHANNEL_SECRET"`
	LineChannelToken  string `envconfig:"LINE_CHANNEL_TOKEN"`
	LineWebhookPort   int    `envconfig:"LINE_WEBHOOK_PORT" default:"3002"`

	// GitHub App (optional)
	GitHubAppID          int64         `envconfig:"GITHUB_APP_ID"`
	GitHubInstallationID int64         `envconfig:"GITHUB_INSTALLATION_ID"`
	GitHubPrivateKeyPath string        `envconfig:"GITHUB_PRIVATE_KEY_PATH"`
	GitHubIssueLabel     string        `envconfig:"GITHUB_ISSUE_LABEL" default:"claps"`
	GitHubPollInterval   time.Duration `envconfig:"GITHUB_POLL_INTERVAL" default:"1m"`
	GitHubRepos          string        `envconfig:"GITHUB_REPOS"` // comma-separated owner/repo

	// History
	HistoryDBPath string `envconfig:"HISTORY_DB_PATH"`

	// Reflection broadcast. Zero disables the scheduler.
	ReflectionInterval time.Duration `envconfig:"REFLECTION_INTERVAL"`
}

// fileConfig mirrors the subset of Config that may be overridden in
// ~/.claps/config.yaml. Environment variables win over file values only
// when the file leaves them empty.
type fileConfig struct {
	LogLevel           string `yaml:"log_level"`
	GatewayPort        int    `yaml:"gateway_port"`
	AgentBin           string `yaml:"agent_bin"`
	AgentTimeout       string `yaml:"agent_timeout"`
	SlackNotifyChannel string `yaml:"slack_notify_channel"`
	GitHubIssueLabel   string `yaml:"github_issue_label"`
	GitHubRepos        string `yaml:"github_repos"`
}

// Load reads configuration from environment variables and merges the
// optional YAML override file.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home dir: %w", err)
		}
		cfg.Home = filepath.Join(home, ".claps")
	}
	if cfg.HistoryDBPath == "" {
		cfg.HistoryDBPath = filepath.Join(cfg.Home, "history.db")
	}

	if err := cfg.applyFile(filepath.Join(cfg.Home, "config.yaml")); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyFile merges an optional YAML config file. A missing file is not an error.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.GatewayPort != 0 {
		c.GatewayPort = fc.GatewayPort
	}
	if fc.AgentBin != "" {
		c.AgentBin = fc.AgentBin
	}
	if fc.AgentTimeout != "" {
		d, err := time.ParseDuration(fc.AgentTimeout)
		if err != nil {
			return fmt.Errorf("parsing agent_timeout: %w", err)
		}
		c.AgentTimeout = d
	}
	if fc.SlackNotifyChannel != "" {
		c.SlackNotifyChannel = fc.SlackNotifyChannel
	}
	if fc.GitHubIssueLabel != "" {
		c.GitHubIssueLabel = fc.GitHubIssueLabel
	}
	if fc.GitHubRepos != "" {
		c.GitHubRepos = fc.GitHubRepos
	}
	return nil
}

// SlackEnabled returns true if Slack tokens are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// LineEnabled returns true if LINE credentials are configured.
func (c *Config) LineEnabled() bool {
	return c.LineChannelSecret != "" && c.LineChannelToken != ""
}

// GitHubEnabled returns true if GitHub App credentials are configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubAppID > 0 && c.GitHubPrivateKeyPath != ""
}

// SlackAllowedChannelList returns the parsed allowed Slack channel IDs.
// Nil means no restriction was configured.
func (c *Config) SlackAllowedChannelList() []string {
	return splitList(c.SlackAllowedChannels)
}

// RepoList returns the parsed owner/repo pairs to poll for issues.
func (c *Config) RepoList() []string {
	return splitList(c.GitHubRepos)
}

// ReposDir returns the directory holding repository clones.
func (c *Config) ReposDir() string {
	return filepath.Join(c.Home, "repos")
}

// WorkspaceDir returns the shared workspace used by tasks without a target repo.
func (c *Config) WorkspaceDir() string {
	return filepath.Join(c.Home, "workspace")
}

// SessionsPath returns the path of the persisted session store.
func (c *Config) SessionsPath() string {
	return filepath.Join(c.Home, "sessions.json")
}

// AuthTokenPath returns the path of the gateway auth token file.
func (c *Config) AuthTokenPath() string {
	return filepath.Join(c.Home, "auth-token")
}

// AdminConfigPath returns the path of the admin config file.
func (c *Config) AdminConfigPath() string {
	return filepath.Join(c.Home, "admin-config.json")
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
