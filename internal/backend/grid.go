package backend

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/me/mobgo/pkg/model"
)

// JobSpec is the cluster-facing description of one job submission.
type JobSpec struct {
	Command    string
	Args       []string
	WorkDir    string
	StdoutPath string
	StderrPath string
	Env        map[string]string
}

// Session is one live connection to a cluster scheduler. Sessions are
// short-lived: every backend call opens one and closes it before
// returning, because scheduler libraries tie sessions to threads.
type Session interface {
	// Run submits the job and returns the scheduler's native job id.
	Run(spec JobSpec) (string, error)
	// State reports the scheduler's view of the job.
	State(id string) (model.Status, string, error)
	// Terminate requests cancellation of the job.
	Terminate(id string) error
	// Close releases the session.
	Close() error
}

// SessionFactory opens a scheduler session.
type SessionFactory func() (Session, error)

// Grid submits jobs to a cluster scheduler through DRMAA. The handle is
// "<nativeID>:<jobDir>" so that Status and Kill need no lookaside state.
type Grid struct {
	adminDir string
	open     SessionFactory
	logger   *slog.Logger
}

// NewGrid creates the grid backend with the given session factory.
func NewGrid(adminDir string, open SessionFactory, logger *slog.Logger) *Grid {
	return &Grid{
		adminDir: adminDir,
		open:     open,
		logger:   logger.With("backend", "grid"),
	}
}

func (g *Grid) Name() string { return "grid" }

func (g *Grid) Submit(ctx context.Context, job *Job) (string, error) {
	if len(job.Args) == 0 {
		return "", model.Internalf("job %s has an empty command line", job.Key)
	}

	session, err := g.open()
	if err != nil {
		return "", model.Internal(fmt.Errorf("open scheduler session: %w", err))
	}
	defer closeSession(session, g.logger)

	id, err := session.Run(JobSpec{
		Command:    job.Args[0],
		Args:       job.Args[1:],
		WorkDir:    job.Dir,
		StdoutPath: filepath.Join(job.Dir, job.StdoutFile),
		StderrPath: filepath.Join(job.Dir, job.StderrFile),
		Env:        job.Env,
	})
	if err != nil {
		return "", model.Internal(fmt.Errorf("submit to scheduler: %w", err))
	}

	if err := createAdminLink(g.adminDir, job); err != nil {
		g.logger.Warn("admin link not created", "job", job.Key, "error", err)
	}
	g.logger.Info("job submitted",
		"job", job.Key, "service", job.Service, "native_id", id)

	return gridHandle(id, job.Dir), nil
}

func (g *Grid) Status(ctx context.Context, handle string) (model.Status, string, error) {
	id, _, err := splitGridHandle(handle)
	if err != nil {
		return model.StatusUnknown, "", err
	}

	session, err := g.open()
	if err != nil {
		return model.StatusUnknown, "", model.Internal(fmt.Errorf("open scheduler session: %w", err))
	}
	defer closeSession(session, g.logger)

	return session.State(id)
}

func (g *Grid) Kill(ctx context.Context, handle string) error {
	id, _, err := splitGridHandle(handle)
	if err != nil {
		return err
	}

	session, err := g.open()
	if err != nil {
		return model.Internal(fmt.Errorf("open scheduler session: %w", err))
	}
	defer closeSession(session, g.logger)

	if err := session.Terminate(id); err != nil {
		return model.Internal(fmt.Errorf("terminate %s: %w", id, err))
	}
	g.logger.Info("job killed", "native_id", id)
	return nil
}

func closeSession(s Session, logger *slog.Logger) {
	if err := s.Close(); err != nil {
		logger.Warn("scheduler session close", "error", err)
	}
}

func gridHandle(id, dir string) string {
	return id + ":" + dir
}

func splitGridHandle(handle string) (id, dir string, err error) {
	for i := 0; i < len(handle); i++ {
		if handle[i] == ':' {
			return handle[:i], handle[i+1:], nil
		}
	}
	return "", "", model.Internalf("malformed grid handle %q", handle)
}
