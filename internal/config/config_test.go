package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[general]
state_path = "/var/fleet/dispatches.json"
repo_root = "/srv/repos"
sender = "fleet-eu"

[[backends]]
type = "http"
name = "hetzner"
priority = 1
url = "http://10.0.0.5:8317"
ssh_target = "builder@10.0.0.5"
use_curl = true
tooling_dir = "/opt/tooling"

[[backends]]
type = "http"
name = "local"
priority = 0
url = "http://localhost:8317"

[monitor.smoke]
stale_minutes = 5
timeout_minutes = 12
first_activity_minutes = 4

[sweep]
cron = "*/2 * * * *"
gc_max_age_hours = 24
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.General.StatePath != "/var/fleet/dispatches.json" {
		t.Errorf("StatePath = %q", cfg.General.StatePath)
	}
	if cfg.General.Sender != "fleet-eu" {
		t.Errorf("Sender = %q, want fleet-eu", cfg.General.Sender)
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("backends count = %d, want 2", len(cfg.Backends))
	}

	b, ok := cfg.Backend("hetzner")
	if !ok {
		t.Fatal("backend hetzner not found")
	}
	if !b.UseCurl {
		t.Error("UseCurl should be true")
	}
	if b.SSHTarget != "builder@10.0.0.5" {
		t.Errorf("SSHTarget = %q", b.SSHTarget)
	}

	if cfg.Sweep.Cron != "*/2 * * * *" {
		t.Errorf("Cron = %q", cfg.Sweep.Cron)
	}
	if cfg.Sweep.GCMaxAgeHours != 24 {
		t.Errorf("GCMaxAgeHours = %d, want 24", cfg.Sweep.GCMaxAgeHours)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.Sender != "fleet-dispatch" {
		t.Errorf("Sender = %q, want default", cfg.General.Sender)
	}
	if cfg.Sweep.Cron != "*/5 * * * *" {
		t.Errorf("Cron = %q, want default", cfg.Sweep.Cron)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"http without url", `
[[backends]]
type = "http"
name = "broken"
`},
		{"cloud without cli_path", `
[[backends]]
type = "cloud-cli"
name = "cloud"
`},
		{"unnamed backend", `
[[backends]]
type = "http"
url = "http://localhost:8317"
`},
		{"duplicate names", `
[[backends]]
type = "http"
name = "dup"
url = "http://a:1"

[[backends]]
type = "http"
name = "dup"
url = "http://b:2"
`},
		{"unknown type", `
[[backends]]
type = "carrier-pigeon"
name = "pigeon"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestHTTPBackendsByPriority(t *testing.T) {
	cfg := &Config{
		Backends: []BackendConfig{
			{Type: "http", Name: "c", Priority: 2, URL: "http://c"},
			{Type: "cloud-cli", Name: "cloud", CLIPath: "/bin/cloud"},
			{Type: "http", Name: "a", Priority: 0, URL: "http://a"},
			{Type: "http", Name: "b", Priority: 1, URL: "http://b"},
		},
	}

	got := cfg.HTTPBackendsByPriority()
	want := []string{"a", "b", "c"}
	if len(got) != 3 {
		t.Fatalf("count = %d, want 3", len(got))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Name, name)
		}
	}
}

func TestCloudBackend(t *testing.T) {
	cfg := &Config{
		Backends: []BackendConfig{
			{Type: "http", Name: "a", URL: "http://a"},
			{Type: "cloud-cli", Name: "cloud", CLIPath: "/bin/cloud"},
		},
	}

	b, ok := cfg.CloudBackend()
	if !ok {
		t.Fatal("cloud backend not found")
	}
	if b.Name != "cloud" {
		t.Errorf("Name = %q, want cloud", b.Name)
	}

	none := &Config{}
	if _, ok := none.CloudBackend(); ok {
		t.Error("CloudBackend should be absent")
	}
}

func TestThresholds(t *testing.T) {
	cfg := Default()

	stale, timeout := cfg.Thresholds(domain.ModeSmoke)
	if stale != 10 || timeout != 20 {
		t.Errorf("smoke thresholds = %d/%d, want 10/20", stale, timeout)
	}

	stale, timeout = cfg.Thresholds(domain.ModeNightly)
	if stale != 30 || timeout != 90 {
		t.Errorf("nightly thresholds = %d/%d, want 30/90", stale, timeout)
	}

	// Unknown mode falls back to real-mode thresholds
	stale, timeout = cfg.Thresholds(domain.Mode("mystery"))
	if stale != 15 || timeout != 30 {
		t.Errorf("fallback thresholds = %d/%d, want 15/30", stale, timeout)
	}

	if got := cfg.FirstActivityTimeout(domain.ModeSmoke); got != 8 {
		t.Errorf("FirstActivityTimeout(smoke) = %d, want 8", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	if got := ExpandPath("~/state.json"); got != filepath.Join(home, "state.json") {
		t.Errorf("ExpandPath = %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandPath = %q, want unchanged", got)
	}
}
