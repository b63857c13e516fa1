package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/me/mobgo/internal/config"
	"github.com/me/mobgo/pkg/model"
)

// Server is a named execution endpoint owning a set of registered
// services. "local" is this host; remote servers carry a portal base
// URL and a job-listing base URL.
type Server struct {
	Name string
	// URL is the portal base used for remote delegation.
	URL string
	// JobsBase is the base URL all of this server's job URLs share.
	JobsBase string

	Programs  map[string]*Service
	Workflows map[string]*Service
	Viewers   map[string]*Service
}

func newServer(name, url, jobsBase string) *Server {
	return &Server{
		Name:      name,
		URL:       url,
		JobsBase:  jobsBase,
		Programs:  make(map[string]*Service),
		Workflows: make(map[string]*Service),
		Viewers:   make(map[string]*Service),
	}
}

// service searches the three catalogs in order.
func (s *Server) service(name string) *Service {
	key := normalizeName(name)
	if svc, ok := s.Programs[key]; ok {
		return svc
	}
	if svc, ok := s.Workflows[key]; ok {
		return svc
	}
	if svc, ok := s.Viewers[key]; ok {
		return svc
	}
	return nil
}

// Registry resolves service names to definitions and job URLs to their
// owning server.
type Registry struct {
	cfg    config.Portal
	logger *slog.Logger

	mu      sync.RWMutex
	servers map[string]*Server
}

// New creates an empty Registry with the local server registered.
func New(cfg config.Portal, logger *slog.Logger) *Registry {
	r := &Registry{
		cfg:     cfg,
		logger:  logger.With("component", "registry"),
		servers: make(map[string]*Server),
	}
	r.servers["local"] = newServer("local", "", cfg.ResultsURL)
	return r
}

// AddServer registers an execution endpoint.
func (r *Registry) AddServer(name, url, jobsBase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[name] = newServer(name, url, jobsBase)
}

// Server returns the named server.
func (r *Registry) Server(name string) (*Server, error) {
	if name == "" {
		name = "local"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	srv, ok := r.servers[name]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", name)
	}
	return srv, nil
}

// Load parses every definition file under the given directories into
// the named server's catalogs. A malformed or unreadable definition is
// logged and excluded; the load never aborts.
func (r *Registry) Load(server string, dirs ...string) error {
	for _, dir := range dirs {
		if err := r.AddFromDirectory(server, dir); err != nil {
			return err
		}
	}
	return nil
}

// AddFromDirectory registers every definition in dir on the named
// server. It also serves late-bound (e.g. per-session) workflow
// registration.
func (r *Registry) AddFromDirectory(server, dir string) error {
	srv, err := r.Server(server)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read definitions %s: %w", dir, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Error("definition unreadable, excluded", "path", path, "error", err)
			continue
		}
		svc, err := ParseService(data)
		if err != nil {
			r.logger.Error("definition malformed, excluded", "path", path, "error", err)
			continue
		}
		svc.Path = path

		key := normalizeName(svc.Name)
		switch svc.Kind {
		case KindProgram:
			srv.Programs[key] = svc
		case KindWorkflow:
			srv.Workflows[key] = svc
		case KindViewer:
			srv.Viewers[key] = svc
		}
		r.logger.Debug("service registered",
			"server", srv.Name, "service", svc.Name, "kind", svc.Kind)
	}
	return nil
}

// ResolveService resolves a service name on a server to its definition.
func (r *Registry) ResolveService(name, server string) (*Service, error) {
	srv, err := r.Server(server)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc := srv.service(name)
	if svc == nil {
		return nil, fmt.Errorf("unknown service %q on server %s", name, srv.Name)
	}
	return svc, nil
}

// URLFor returns the public URL of a service definition.
func (r *Registry) URLFor(name, server string) (string, error) {
	srv, err := r.Server(server)
	if err != nil {
		return "", err
	}
	svc, err := r.ResolveService(name, server)
	if err != nil {
		return "", err
	}
	base := srv.URL
	if base == "" {
		base = strings.TrimSuffix(r.cfg.ResultsURL, "/results")
	}
	return fmt.Sprintf("%s/services/%s", strings.TrimRight(base, "/"), normalizeName(svc.Name)), nil
}

// ServerFor resolves a job URL to its owning server by URL-prefix match,
// longest prefix first.
func (r *Registry) ServerFor(jobURL string) (*Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Server
	for _, srv := range r.servers {
		if srv.JobsBase == "" || !strings.HasPrefix(jobURL, srv.JobsBase) {
			continue
		}
		if best == nil || len(srv.JobsBase) > len(best.JobsBase) {
			best = srv
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no server owns job URL %s", jobURL)
	}
	return best, nil
}

// ServerURL returns the portal base URL of a named server.
func (r *Registry) ServerURL(name string) (string, error) {
	srv, err := r.Server(name)
	if err != nil {
		return "", err
	}
	if srv.URL == "" {
		return "", fmt.Errorf("server %s has no portal URL", srv.Name)
	}
	return srv.URL, nil
}

// ServerURLForJob returns the portal base URL of the server owning a
// job URL.
func (r *Registry) ServerURLForJob(jobURL string) (string, error) {
	srv, err := r.ServerFor(jobURL)
	if err != nil {
		return "", err
	}
	if srv.URL == "" {
		return "", fmt.Errorf("server %s has no portal URL", srv.Name)
	}
	return srv.URL, nil
}

// JobPID composes the portal-scoped "server.service.key" identifier for
// a job URL of the form <jobsBase>/<service>/<key>.
func (r *Registry) JobPID(jobURL string) (string, error) {
	srv, err := r.ServerFor(jobURL)
	if err != nil {
		return "", err
	}
	rest := strings.Trim(strings.TrimPrefix(jobURL, srv.JobsBase), "/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("job URL %s does not name a service and key", jobURL)
	}
	return model.PID(srv.Name, parts[0], parts[1]), nil
}

// Services lists every service of a server, sorted by name.
func (r *Registry) Services(server string) ([]*Service, error) {
	srv, err := r.Server(server)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*Service
	for _, svc := range srv.Programs {
		all = append(all, svc)
	}
	for _, svc := range srv.Workflows {
		all = append(all, svc)
	}
	for _, svc := range srv.Viewers {
		all = append(all, svc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}
