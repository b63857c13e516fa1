// Package jobengine drives the lifecycle of a single job: parameter
// binding and conversion, validation, collision avoidance, backend
// dispatch and status supervision, all recorded in the job's
// StateDocument.
package jobengine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/me/mobgo/internal/backend"
	"github.com/me/mobgo/internal/config"
	"github.com/me/mobgo/internal/expr"
	"github.com/me/mobgo/internal/registry"
	"github.com/me/mobgo/internal/statestore"
	"github.com/me/mobgo/internal/typesys"
	"github.com/me/mobgo/pkg/model"
)

// JobCounter reports how many non-ended jobs an owner currently has.
// The job index implements it; without one the simultaneous-job cap is
// not enforced.
type JobCounter interface {
	ActiveJobs(email string) (int, error)
}

// Engine creates and supervises jobs.
type Engine struct {
	cfg      config.Portal
	services *registry.Registry
	types    *typesys.Registry
	backends *backend.Registry
	eval     *expr.Evaluator
	counter  JobCounter
	logger   *slog.Logger
}

// New creates a job engine.
func New(cfg config.Portal, services *registry.Registry, types *typesys.Registry,
	backends *backend.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		services: services,
		types:    types,
		backends: backends,
		eval:     expr.NewEvaluator(),
		logger:   logger.With("component", "jobengine"),
	}
}

// SetJobCounter enables the per-owner simultaneous-job cap.
func (e *Engine) SetJobCounter(c JobCounter) {
	e.counter = c
}

func (e *Engine) lockOpts() statestore.Options {
	return statestore.Options{
		Retries: e.cfg.LockRetries,
		Delay:   e.cfg.LockDelay,
		Logger:  e.logger,
	}
}

// Create resolves the service, allocates the job directory and writes
// the initial StateDocument with status Submitted.
func (e *Engine) Create(serviceName, server, email, clientAddr string) (*Job, error) {
	svc, err := e.services.ResolveService(serviceName, server)
	if err != nil {
		return nil, model.NewUserValueError("", "unknown service %q", serviceName)
	}
	if svc.Kind == registry.KindViewer {
		return nil, model.NewUserValueError("", "service %q cannot be executed", serviceName)
	}

	srv, err := e.services.Server(server)
	if err != nil {
		return nil, model.Internal(err)
	}
	serviceID := fmt.Sprintf("%s.%s", srv.Name, strings.ToLower(svc.Name))
	if e.services.IsDisabled(serviceID) {
		return nil, model.NewUserValueError("", "service %q is disabled", serviceName)
	}

	if e.cfg.SimultaneousJobs > 0 && e.counter != nil && email != "" {
		active, err := e.counter.ActiveJobs(email)
		if err != nil {
			return nil, model.Internal(err)
		}
		if active >= e.cfg.SimultaneousJobs {
			return nil, model.NewUserValueError("",
				"you already have %d jobs running, wait for them to finish", active)
		}
	}

	key := newKey()
	slug := strings.ToLower(svc.Name)
	dir := filepath.Join(e.cfg.ResultsDir, slug, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.Internal(fmt.Errorf("create job dir: %w", err))
	}
	url := fmt.Sprintf("%s/%s/%s", strings.TrimRight(e.cfg.ResultsURL, "/"), slug, key)

	doc := &statestore.Document{
		ID:      key,
		Service: svc.Name,
		Server:  srv.Name,
		URL:     url,
		Created: time.Now(),
		Email:   email,
		Status:  model.StatusSubmitted,
	}
	if err := statestore.Create(filepath.Join(dir, statestore.DocumentName), doc); err != nil {
		return nil, model.Internal(err)
	}

	e.logger.Info("job created",
		"key", key, "service", svc.Name, "server", srv.Name)

	return &Job{
		Key:        key,
		Dir:        dir,
		URL:        url,
		Server:     srv.Name,
		Email:      email,
		ClientAddr: clientAddr,
		engine:     e,
		svc:        svc,
		values:     make(map[string]any),
		raw:        make(map[string]string),
	}, nil
}

// Attach reopens an existing job from its directory, typically to poll
// or kill it from another request than the one that created it.
func (e *Engine) Attach(dir string) (*Job, error) {
	txn, err := statestore.Open(filepath.Join(dir, statestore.DocumentName), statestore.READ, e.lockOpts())
	if err != nil {
		return nil, model.Internal(err)
	}
	defer txn.Rollback()

	doc, err := txn.Doc()
	if err != nil {
		return nil, model.Internal(err)
	}

	svc, err := e.services.ResolveService(doc.Service, doc.Server)
	if err != nil {
		return nil, model.Internal(fmt.Errorf("job %s references %w", doc.ID, err))
	}

	job := &Job{
		Key:    doc.ID,
		Dir:    dir,
		URL:    doc.URL,
		Server: doc.Server,
		Email:  doc.Email,
		engine: e,
		svc:    svc,
		values: make(map[string]any),
		raw:    make(map[string]string),
		ran:    doc.Handle != "",
	}
	for _, rec := range doc.Inputs {
		if rec.File != "" {
			job.values[rec.Name] = rec.File
		} else {
			job.values[rec.Name] = rec.Value
		}
		job.raw[rec.Name] = rec.Value
	}
	return job, nil
}

// JobDir composes the directory of a job from its service name and key.
func (e *Engine) JobDir(service, key string) string {
	return filepath.Join(e.cfg.ResultsDir, strings.ToLower(service), key)
}

// newKey allocates a job key: short, unique, safe in paths and URLs.
func newKey() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))[:12]
}
