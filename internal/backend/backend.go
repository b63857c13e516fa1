// Package backend abstracts job execution behind a uniform
// submit/status/kill interface with local, grid (DRMAA) and remote
// portal implementations. Backend selection is driven by the target
// Server of the resolved service, never hardcoded per call site.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/mobgo/pkg/model"
)

// Job is everything a backend needs to execute one job.
type Job struct {
	Key     string
	Service string
	Server  string
	// Dir is the job working directory, owned exclusively by this job
	// for its lifetime.
	Dir string
	// Args is the complete argv.
	Args []string
	// Env is the already-scrubbed child environment.
	Env map[string]string
	// StdoutFile and StderrFile are fixed names inside Dir.
	StdoutFile string
	StderrFile string
	// Params carries the raw bound values for remote delegation.
	Params map[string]string
	Email  string
	// ClientAddr is the originating client address, forwarded to peer
	// portals so their access control sees the real caller.
	ClientAddr string
}

// Backend is a uniform execution strategy.
type Backend interface {
	// Name returns the backend identifier ("local", "grid", "remote").
	Name() string

	// Submit dispatches the job and returns an opaque handle.
	Submit(ctx context.Context, job *Job) (handle string, err error)

	// Status polls the backend for the job's state and optional
	// message. Transport failures degrade to StatusUnknown with a
	// CommError, never a crash.
	Status(ctx context.Context, handle string) (model.Status, string, error)

	// Kill requests termination of the job.
	Kill(ctx context.Context, handle string) error
}

// Registry maps backend names to implementations. Registration happens
// at startup before concurrent access, so no mutex is needed.
type Registry struct {
	backends map[string]Backend
	logger   *slog.Logger
}

// NewRegistry creates an empty backend Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		logger:   logger.With("component", "backend-registry"),
	}
}

// Register adds a Backend, keyed by its Name().
func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
	r.logger.Info("backend registered", "name", b.Name())
}

// Get returns the Backend for the given name.
func (r *Registry) Get(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("no backend registered for %q", name)
	}
	return b, nil
}
