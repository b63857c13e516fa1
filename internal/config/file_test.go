package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portal.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
addr: ":9090"
results_dir: /srv/portal/results
results_url: https://portal.example.org/results
portal_id: portal-a
service_dirs: [/srv/portal/programs]
servers:
  - name: cluster
    backend: grid
  - name: mirror
    url: https://mirror.example.org/portal
    jobs_base: https://mirror.example.org/results
disabled_services: ["local.blast*"]
simultaneous_jobs: 5
`)

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	p := f.Portal()

	if p.ResultsDir != "/srv/portal/results" {
		t.Errorf("ResultsDir = %q", p.ResultsDir)
	}
	if p.PortalID != "portal-a" {
		t.Errorf("PortalID = %q", p.PortalID)
	}
	if got := p.Backend("cluster"); got != "grid" {
		t.Errorf("Backend(cluster) = %q, want grid", got)
	}
	// A server without an explicit backend is delegated.
	if got := p.Backend("mirror"); got != "remote" {
		t.Errorf("Backend(mirror) = %q, want remote", got)
	}
	if got := p.Backend("local"); got != "local" {
		t.Errorf("Backend(local) = %q, want local", got)
	}
	if len(p.DisabledServices) != 1 {
		t.Errorf("DisabledServices = %v", p.DisabledServices)
	}
	if p.SimultaneousJobs != 5 {
		t.Errorf("SimultaneousJobs = %d", p.SimultaneousJobs)
	}

	// Unset file values keep the defaults.
	if p.LockRetries != DefaultPortal().LockRetries {
		t.Errorf("LockRetries = %d, want default", p.LockRetries)
	}
	if got := f.Index(p); got != filepath.Join(p.ResultsDir, "index.db") {
		t.Errorf("Index = %q", got)
	}
}

func TestLoadFile_RejectsLocalServer(t *testing.T) {
	path := writeConfig(t, "servers: [{name: local}]\n")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("a server named local was accepted")
	}
}
