package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/me/mobgo/pkg/model"
)

const (
	adminDirName = ".admin"
	pidFileName  = "pid"
	exitFileName = "exit"
)

// envScrub lists variables never forwarded to child processes. The job
// environment is rebuilt from the parent minus these, plus the
// service-specific additions from the definition.
var envScrub = []string{
	"LD_PRELOAD",
	"LD_LIBRARY_PATH",
	"PYTHONPATH",
	"PERL5LIB",
	"IFS",
	"BASH_ENV",
	"ENV",
}

// Local executes jobs as child processes on this host. The handle is
// the job directory; liveness and outcome are recorded in files under
// <dir>/.admin so that status survives a portal restart.
type Local struct {
	adminDir string
	logger   *slog.Logger
}

// NewLocal creates the local backend. adminDir may be empty to disable
// the process inventory.
func NewLocal(adminDir string, logger *slog.Logger) *Local {
	return &Local{
		adminDir: adminDir,
		logger:   logger.With("backend", "local"),
	}
}

func (l *Local) Name() string { return "local" }

// Submit starts the job's command in its directory and supervises it in
// a goroutine. The exit code lands in .admin/exit when the process
// finishes, whatever the outcome.
func (l *Local) Submit(ctx context.Context, job *Job) (string, error) {
	if len(job.Args) == 0 {
		return "", model.Internalf("job %s has an empty command line", job.Key)
	}

	admin := filepath.Join(job.Dir, adminDirName)
	if err := os.MkdirAll(admin, 0o755); err != nil {
		return "", model.Internal(fmt.Errorf("create %s: %w", admin, err))
	}

	stdout, err := os.Create(filepath.Join(job.Dir, job.StdoutFile))
	if err != nil {
		return "", model.Internal(err)
	}
	stderr, err := os.Create(filepath.Join(job.Dir, job.StderrFile))
	if err != nil {
		stdout.Close()
		return "", model.Internal(err)
	}

	cmd := exec.Command(job.Args[0], job.Args[1:]...)
	cmd.Dir = job.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = childEnv(job.Env)
	// The child gets its own process group so Kill reaches the whole
	// pipeline, not just the immediate process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", model.Internal(fmt.Errorf("start %s: %w", job.Args[0], err))
	}

	pidFile := filepath.Join(admin, pidFileName)
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		l.logger.Warn("pid file not written", "job", job.Key, "error", err)
	}
	if err := createAdminLink(l.adminDir, job); err != nil {
		l.logger.Warn("admin link not created", "job", job.Key, "error", err)
	}

	l.logger.Info("job started",
		"job", job.Key, "service", job.Service, "pid", cmd.Process.Pid)

	go func() {
		defer stdout.Close()
		defer stderr.Close()
		defer removeAdminLink(l.adminDir, job, l.logger)

		code := 0
		if err := cmd.Wait(); err != nil {
			code = 1
			if exit, ok := err.(*exec.ExitError); ok {
				code = exit.ExitCode()
				if code < 0 {
					// Killed by signal.
					code = 128
				}
			}
		}
		exitFile := filepath.Join(admin, exitFileName)
		if err := os.WriteFile(exitFile, []byte(strconv.Itoa(code)), 0o644); err != nil {
			l.logger.Error("exit file not written", "job", job.Key, "error", err)
		}
		l.logger.Info("job finished", "job", job.Key, "exit", code)
	}()

	return job.Dir, nil
}

// Status reads the recorded outcome. No exit file means the process is
// still running (or the portal restarted mid-flight and lost it, which
// the engine resolves with the pid).
func (l *Local) Status(ctx context.Context, handle string) (model.Status, string, error) {
	data, err := os.ReadFile(filepath.Join(handle, adminDirName, exitFileName))
	if os.IsNotExist(err) {
		return model.StatusRunning, "", nil
	}
	if err != nil {
		return model.StatusUnknown, "", model.Internal(err)
	}

	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return model.StatusUnknown, "", model.Internal(fmt.Errorf("corrupt exit file in %s: %w", handle, err))
	}
	if code == 0 {
		return model.StatusFinished, "", nil
	}
	return model.StatusError, fmt.Sprintf("command exited with status %d", code), nil
}

// Kill signals the job's process group. A job that already exited is
// not an error.
func (l *Local) Kill(ctx context.Context, handle string) error {
	data, err := os.ReadFile(filepath.Join(handle, adminDirName, pidFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return model.Internal(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return model.Internal(fmt.Errorf("corrupt pid file in %s: %w", handle, err))
	}

	// Negative pid targets the process group created at Submit.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return model.Internal(fmt.Errorf("kill job group %d: %w", pid, err))
	}
	l.logger.Info("job killed", "handle", handle, "pid", pid)
	return nil
}

// childEnv builds the scrubbed child environment.
func childEnv(extra map[string]string) []string {
	env := make([]string, 0, len(os.Environ())+len(extra))
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if scrubbed(name) {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		if scrubbed(k) {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

func scrubbed(name string) bool {
	for _, s := range envScrub {
		if name == s {
			return true
		}
	}
	return false
}
