// Package workflow schedules a directed task graph of sub-jobs: it
// seeds a working data set from workflow inputs, submits tasks whose
// inputs are resolved, propagates produced values along the links and
// supervises the whole graph until every task has ended.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/me/mobgo/internal/config"
	"github.com/me/mobgo/internal/jobengine"
	"github.com/me/mobgo/internal/registry"
	"github.com/me/mobgo/internal/statestore"
	"github.com/me/mobgo/pkg/model"
)

// Engine creates and supervises workflow jobs.
type Engine struct {
	cfg      config.Portal
	services *registry.Registry
	jobs     *jobengine.Engine
	tick     time.Duration
	logger   *slog.Logger
}

// New creates a workflow engine. The tick bounds how long the
// supervisory loop sleeps between passes when nothing progressed; it
// is a safety valve for remote sub-jobs with no local process to wait
// on, not a correctness mechanism.
func New(cfg config.Portal, services *registry.Registry, jobs *jobengine.Engine,
	logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		services: services,
		jobs:     jobs,
		tick:     5 * time.Second,
		logger:   logger.With("component", "workflow"),
	}
}

// SetTick overrides the supervisory interval.
func (e *Engine) SetTick(d time.Duration) { e.tick = d }

func (e *Engine) lockOpts() statestore.Options {
	return statestore.Options{
		Retries: e.cfg.LockRetries,
		Delay:   e.cfg.LockDelay,
		Logger:  e.logger,
	}
}

// Create resolves a workflow service and allocates its job directory
// and StateDocument.
func (e *Engine) Create(serviceName, server, email, clientAddr string) (*WorkflowJob, error) {
	svc, err := e.services.ResolveService(serviceName, server)
	if err != nil {
		return nil, model.NewUserValueError("", "unknown service %q", serviceName)
	}
	if svc.Kind != registry.KindWorkflow {
		return nil, model.NewUserValueError("", "service %q is not a workflow", serviceName)
	}

	key := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))[:12]
	slug := strings.ToLower(svc.Name)
	dir := filepath.Join(e.cfg.ResultsDir, slug, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.Internal(fmt.Errorf("create workflow dir: %w", err))
	}
	url := fmt.Sprintf("%s/%s/%s", strings.TrimRight(e.cfg.ResultsURL, "/"), slug, key)

	doc := &statestore.Document{
		ID:      key,
		Service: svc.Name,
		Server:  server,
		URL:     url,
		Created: time.Now(),
		Email:   email,
		Status:  model.StatusSubmitted,
	}
	if err := statestore.Create(filepath.Join(dir, statestore.DocumentName), doc); err != nil {
		return nil, model.Internal(err)
	}

	e.logger.Info("workflow created", "key", key, "service", svc.Name)

	w := &WorkflowJob{
		Key:        key,
		Dir:        dir,
		URL:        url,
		Server:     server,
		Email:      email,
		ClientAddr: clientAddr,
		engine:     e,
		svc:        svc,
		inputs:     make(map[string]datum),
		data:       make(map[dataKey]datum),
		subjobs:    make(map[string]*jobengine.Job),
		ended:      make(map[string]model.Status),
	}
	w.prepare()
	return w, nil
}

// Supervise drives the poll-propagate loop until the graph ends. It is
// meant to run in its own goroutine so the submitting request can
// return immediately; the ticker re-enters the loop for sub-jobs that
// have no local process to wait on.
func (e *Engine) Supervise(ctx context.Context, w *WorkflowJob) {
	if err := w.setStatus(model.StatusRunning, ""); err != nil {
		e.logger.Error("workflow status not recorded", "key", w.Key, "error", err)
	}

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		done, err := w.Step(ctx)
		if err != nil {
			e.logger.Error("workflow failed", "key", w.Key, "error", err)
			if serr := w.setStatus(model.StatusError, model.UserFacing(err)); serr != nil {
				e.logger.Error("workflow failure not recorded", "key", w.Key, "error", serr)
			}
			return
		}
		if done {
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			e.logger.Warn("workflow supervision cancelled", "key", w.Key)
			return
		}
	}
}
