package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerDef declares one remote execution endpoint in the portal
// configuration file.
type ServerDef struct {
	Name string `yaml:"name"`
	// URL is the peer portal base answering the delegation endpoints.
	URL string `yaml:"url"`
	// JobsBase is the base URL all of the server's job URLs share.
	JobsBase string `yaml:"jobs_base"`
	// Backend selects the execution backend ("grid", "remote").
	Backend string `yaml:"backend,omitempty"`
}

// File is the on-disk portal configuration.
type File struct {
	Addr string `yaml:"addr,omitempty"`

	ResultsDir string `yaml:"results_dir,omitempty"`
	ResultsURL string `yaml:"results_url,omitempty"`
	AdminDir   string `yaml:"admin_dir,omitempty"`
	IndexPath  string `yaml:"index_path,omitempty"`
	PortalID   string `yaml:"portal_id,omitempty"`

	// ServiceDirs are scanned for YAML service definitions at startup.
	ServiceDirs []string    `yaml:"service_dirs,omitempty"`
	Servers     []ServerDef `yaml:"servers,omitempty"`

	DisabledServices  []string            `yaml:"disabled_services,omitempty"`
	AuthorizedClients map[string][]string `yaml:"authorized_clients,omitempty"`

	SimultaneousJobs int           `yaml:"simultaneous_jobs,omitempty"`
	ResultRetention  time.Duration `yaml:"result_retention,omitempty"`
	EmailDelay       time.Duration `yaml:"email_delay,omitempty"`

	LogLevel  string `yaml:"log_level,omitempty"`
	LogFormat string `yaml:"log_format,omitempty"`
}

// LoadFile parses a portal configuration file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for _, srv := range f.Servers {
		if srv.Name == "" || srv.Name == "local" {
			return nil, fmt.Errorf("config %s: server needs a name other than local", path)
		}
	}
	return &f, nil
}

// Portal merges the file onto the defaults. File values win only when
// set.
func (f *File) Portal() Portal {
	p := DefaultPortal()
	if f.ResultsDir != "" {
		p.ResultsDir = f.ResultsDir
	}
	if f.ResultsURL != "" {
		p.ResultsURL = f.ResultsURL
	}
	if f.AdminDir != "" {
		p.AdminDir = f.AdminDir
	}
	if f.PortalID != "" {
		p.PortalID = f.PortalID
	}
	if len(f.DisabledServices) > 0 {
		p.DisabledServices = f.DisabledServices
	}
	if len(f.AuthorizedClients) > 0 {
		p.AuthorizedClients = f.AuthorizedClients
	}
	if f.SimultaneousJobs > 0 {
		p.SimultaneousJobs = f.SimultaneousJobs
	}
	if f.ResultRetention > 0 {
		p.ResultRetention = f.ResultRetention
	}
	if f.EmailDelay > 0 {
		p.EmailDelay = f.EmailDelay
	}
	if f.LogLevel != "" {
		p.LogLevel = f.LogLevel
	}
	if f.LogFormat != "" {
		p.LogFormat = f.LogFormat
	}

	p.BackendAliases = make(map[string]string, len(f.Servers))
	for _, srv := range f.Servers {
		backend := srv.Backend
		if backend == "" {
			backend = "remote"
		}
		p.BackendAliases[srv.Name] = backend
	}
	return p
}

// Index resolves the index database path, defaulting to a file next to
// the results.
func (f *File) Index(p Portal) string {
	if f.IndexPath != "" {
		return f.IndexPath
	}
	return filepath.Join(p.ResultsDir, "index.db")
}
