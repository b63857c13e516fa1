package backend

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/mobgo/pkg/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func shellJob(t *testing.T, script string) *Job {
	t.Helper()
	return &Job{
		Key:        "A0001",
		Service:    "testsvc",
		Server:     "local",
		Dir:        t.TempDir(),
		Args:       []string{"/bin/sh", "-c", script},
		StdoutFile: "testsvc.out",
		StderrFile: "testsvc.err",
	}
}

// waitEnded polls Status until the backend reports a terminal state.
func waitEnded(t *testing.T, b Backend, handle string) (model.Status, string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, msg, err := b.Status(context.Background(), handle)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.IsEnded() {
			return status, msg
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not end in time")
	return model.StatusUnknown, ""
}

func TestLocal_SuccessfulJob(t *testing.T) {
	admin := t.TempDir()
	local := NewLocal(admin, discardLogger())
	job := shellJob(t, "echo result data; exit 0")

	handle, err := local.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle != job.Dir {
		t.Errorf("handle = %q, want job dir %q", handle, job.Dir)
	}

	status, _ := waitEnded(t, local, handle)
	if status != model.StatusFinished {
		t.Errorf("status = %s, want %s", status, model.StatusFinished)
	}

	out, err := os.ReadFile(filepath.Join(job.Dir, job.StdoutFile))
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if !strings.Contains(string(out), "result data") {
		t.Errorf("stdout = %q, want command output", out)
	}

	// The inventory link is removed once the job ends.
	if _, err := os.Lstat(adminLinkPath(admin, job.Service, job.Key)); !os.IsNotExist(err) {
		t.Errorf("admin link still present after completion (err=%v)", err)
	}
}

func TestLocal_FailingJob(t *testing.T) {
	local := NewLocal("", discardLogger())
	job := shellJob(t, "echo oops >&2; exit 3")

	handle, err := local.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status, msg := waitEnded(t, local, handle)
	if status != model.StatusError {
		t.Errorf("status = %s, want %s", status, model.StatusError)
	}
	if !strings.Contains(msg, "3") {
		t.Errorf("message = %q, want exit status 3 mentioned", msg)
	}

	errOut, _ := os.ReadFile(filepath.Join(job.Dir, job.StderrFile))
	if !strings.Contains(string(errOut), "oops") {
		t.Errorf("stderr = %q, want command error output", errOut)
	}
}

func TestLocal_StatusWhileRunning(t *testing.T) {
	local := NewLocal("", discardLogger())
	job := shellJob(t, "sleep 5")

	handle, err := local.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	defer local.Kill(context.Background(), handle)

	status, _, err := local.Status(context.Background(), handle)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != model.StatusRunning {
		t.Errorf("status = %s, want %s", status, model.StatusRunning)
	}
}

func TestLocal_Kill(t *testing.T) {
	local := NewLocal("", discardLogger())
	job := shellJob(t, "sleep 30")

	handle, err := local.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := local.Kill(context.Background(), handle); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	status, _ := waitEnded(t, local, handle)
	if status != model.StatusError {
		t.Errorf("status after kill = %s, want %s", status, model.StatusError)
	}

	// A second kill after the process is gone is not an error.
	if err := local.Kill(context.Background(), handle); err != nil {
		t.Errorf("repeated Kill: %v", err)
	}
}

func TestLocal_EmptyCommandRejected(t *testing.T) {
	local := NewLocal("", discardLogger())
	job := shellJob(t, "true")
	job.Args = nil

	if _, err := local.Submit(context.Background(), job); err == nil {
		t.Error("Submit accepted an empty command line")
	}
}

func TestChildEnvScrubbed(t *testing.T) {
	t.Setenv("LD_PRELOAD", "/tmp/evil.so")
	t.Setenv("MOBGO_TEST_KEEP", "yes")

	env := childEnv(map[string]string{
		"PYTHONPATH": "/tmp/also-evil",
		"TOOL_HOME":  "/opt/tool",
	})

	var keep, tool bool
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		switch name {
		case "LD_PRELOAD", "PYTHONPATH":
			t.Errorf("scrubbed variable %s leaked into child env", name)
		case "MOBGO_TEST_KEEP":
			keep = true
		case "TOOL_HOME":
			tool = true
		}
	}
	if !keep || !tool {
		t.Errorf("expected variables missing: keep=%v tool=%v", keep, tool)
	}
}
