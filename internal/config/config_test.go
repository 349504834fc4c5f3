package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corral.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
registry_path = "/var/lib/corral/registry.db"
workspaces_dir = "/var/lib/corral/workspaces"
max_concurrent_agents = 5
poll_interval = "90s"
required_label = "ready"
history_sinks = ["sqlite:///var/lib/corral/history.db"]
default_skill = "general"

[skills]
bug = "bugfix"
feature = "feature-dev"

[[projects]]
name = "api"
dir = "/srv/api"

[[projects]]
name = "web"
dir = "/srv/web"

[log]
dir = "/var/log/corral"
max_size_mb = 20

[server]
listen = ":8080"
base_path = "/corral"

[metrics]
enabled = true
listen = ":9090"
`)
	fc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fc.MaxConcurrentAgents != 5 || fc.PollInterval != 90*time.Second {
		t.Fatalf("limits wrong: %+v", fc)
	}
	if len(fc.Projects) != 2 || fc.Projects[0].Name != "api" {
		t.Fatalf("projects wrong: %+v", fc.Projects)
	}
	if fc.Skills["bug"] != "bugfix" {
		t.Fatalf("skills wrong: %+v", fc.Skills)
	}
	dc := fc.DispatchConfig(true)
	if !dc.DryRun || len(dc.Projects) != 2 || dc.RequiredLabel != "ready" {
		t.Fatalf("dispatch config wrong: %+v", dc)
	}
	lc := fc.LoggerConfig()
	if lc.Dir != "/var/log/corral" || lc.MaxSizeMB != 20 {
		t.Fatalf("logger config wrong: %+v", lc)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
registry_path = "/tmp/reg.db"
`)
	fc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fc.SessionGroup != "corral" || fc.RequiredLabel != "agent-ready" || fc.DefaultSkill != "general" {
		t.Fatalf("defaults missing: %+v", fc)
	}
}

func TestLoadRejectsBadProjects(t *testing.T) {
	path := writeConfig(t, `
registry_path = "/tmp/reg.db"

[[projects]]
name = "api"
dir = "/srv/api"

[[projects]]
name = "api"
dir = "/srv/other"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected duplicate project error")
	}

	path = writeConfig(t, `
registry_path = "/tmp/reg.db"

[[projects]]
name = "incomplete"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected incomplete project error")
	}
}
