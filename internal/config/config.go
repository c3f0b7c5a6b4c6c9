package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all fleet configuration. It is loaded once at startup and
// treated as read-only afterwards.
type Config struct {
	General  GeneralConfig            `toml:"general"`
	Backends []BackendConfig          `toml:"backends"`
	Monitor  map[string]MonitorConfig `toml:"monitor"`
	Sweep    SweepConfig              `toml:"sweep"`
}

// GeneralConfig holds engine-wide settings
type GeneralConfig struct {
	StatePath   string `toml:"state_path"`
	WorktreeDir string `toml:"worktree_dir"`
	RepoRoot    string `toml:"repo_root"`
	ArchiveDB   string `toml:"archive_db"`
	EventBusURL string `toml:"event_bus_url"`
	Sender      string `toml:"sender"`
	WebAddr     string `toml:"web_addr"`
}

// BackendConfig describes one execution target
type BackendConfig struct {
	Type        string `toml:"type"` // http, cloud-cli, disabled
	Name        string `toml:"name"`
	Priority    int    `toml:"priority"` // lower is preferred
	URL         string `toml:"url"`
	SSHTarget   string `toml:"ssh_target"`
	UseCurl     bool   `toml:"use_curl"`
	CLIPath     string `toml:"cli_path"`
	ThreeGate   bool   `toml:"three_gate"` // cloud dispatches require three-gate approval
	MaxSessions int    `toml:"max_sessions"`
	Agent       string `toml:"agent"`
	ToolingDir  string `toml:"tooling_dir"` // remote checkout refreshed before dispatch
}

// MonitorConfig holds per-mode stuck-detection thresholds, in minutes
type MonitorConfig struct {
	StaleMinutes         int `toml:"stale_minutes"`
	TimeoutMinutes       int `toml:"timeout_minutes"`
	FirstActivityMinutes int `toml:"first_activity_minutes"`
}

// SweepConfig holds the periodic monitor sweep settings
type SweepConfig struct {
	Cron          string `toml:"cron"`
	GCMaxAgeHours int    `toml:"gc_max_age_hours"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".fleet-dispatch")
	return &Config{
		General: GeneralConfig{
			StatePath:   filepath.Join(base, "dispatches.json"),
			WorktreeDir: filepath.Join(base, "worktrees"),
			ArchiveDB:   filepath.Join(base, "archive.db"),
			Sender:      "fleet-dispatch",
			WebAddr:     "127.0.0.1:8090",
		},
		Monitor: map[string]MonitorConfig{
			string(domain.ModeSmoke):   {StaleMinutes: 10, TimeoutMinutes: 20, FirstActivityMinutes: 8},
			string(domain.ModeReal):    {StaleMinutes: 15, TimeoutMinutes: 30, FirstActivityMinutes: 10},
			string(domain.ModeNightly): {StaleMinutes: 30, TimeoutMinutes: 90, FirstActivityMinutes: 15},
		},
		Sweep: SweepConfig{
			Cron:          "*/5 * * * *",
			GCMaxAgeHours: 72,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.StatePath = ExpandPath(cfg.General.StatePath)
	cfg.General.WorktreeDir = ExpandPath(cfg.General.WorktreeDir)
	cfg.General.RepoRoot = ExpandPath(cfg.General.RepoRoot)
	cfg.General.ArchiveDB = ExpandPath(cfg.General.ArchiveDB)
	for i := range cfg.Backends {
		cfg.Backends[i].CLIPath = ExpandPath(cfg.Backends[i].CLIPath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend descriptors for configuration errors
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend with type %q has no name", b.Type)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true

		switch b.Type {
		case domain.BackendTypeHTTP:
			if b.URL == "" {
				return fmt.Errorf("http backend %q has no url", b.Name)
			}
		case domain.BackendTypeCloudCLI:
			if b.CLIPath == "" {
				return fmt.Errorf("cloud-cli backend %q has no cli_path", b.Name)
			}
		case domain.BackendTypeDisabled:
		default:
			return fmt.Errorf("backend %q has unknown type %q", b.Name, b.Type)
		}
	}
	return nil
}

// Backend returns the descriptor with the given name
func (c *Config) Backend(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// HTTPBackendsByPriority returns the HTTP backend descriptors sorted with
// the lowest priority number first.
func (c *Config) HTTPBackendsByPriority() []BackendConfig {
	var out []BackendConfig
	for _, b := range c.Backends {
		if b.Type == domain.BackendTypeHTTP {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// CloudBackend returns the cloud-CLI descriptor, if one is configured
func (c *Config) CloudBackend() (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Type == domain.BackendTypeCloudCLI {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// Thresholds returns the stale and timeout thresholds in minutes for a mode
func (c *Config) Thresholds(mode domain.Mode) (stale, timeout int) {
	m, ok := c.Monitor[string(mode)]
	if !ok {
		m = Default().Monitor[string(domain.ModeReal)]
	}
	return m.StaleMinutes, m.TimeoutMinutes
}

// FirstActivityTimeout returns the stricter timeout in minutes applied when
// a session has never shown any activity.
func (c *Config) FirstActivityTimeout(mode domain.Mode) int {
	m, ok := c.Monitor[string(mode)]
	if !ok {
		m = Default().Monitor[string(domain.ModeReal)]
	}
	return m.FirstActivityMinutes
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "fleet-dispatch", "config.toml")
}
