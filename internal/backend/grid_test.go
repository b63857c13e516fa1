package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/me/mobgo/pkg/model"
)

// fakeSession records calls so tests can assert the session lifecycle.
type fakeSession struct {
	runID    string
	runErr   error
	state    model.Status
	stateMsg string

	lastSpec   JobSpec
	terminated []string
	closed     bool
}

func (f *fakeSession) Run(spec JobSpec) (string, error) {
	f.lastSpec = spec
	return f.runID, f.runErr
}

func (f *fakeSession) State(id string) (model.Status, string, error) {
	return f.state, f.stateMsg, nil
}

func (f *fakeSession) Terminate(id string) error {
	f.terminated = append(f.terminated, id)
	return nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func TestGrid_SubmitHandleAndSessionLifecycle(t *testing.T) {
	session := &fakeSession{runID: "4711"}
	grid := NewGrid("", func() (Session, error) { return session, nil }, discardLogger())

	job := shellJob(t, "true")
	handle, err := grid.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle != "4711:"+job.Dir {
		t.Errorf("handle = %q, want native id and job dir", handle)
	}
	if session.lastSpec.WorkDir != job.Dir {
		t.Errorf("spec work dir = %q, want %q", session.lastSpec.WorkDir, job.Dir)
	}
	if !session.closed {
		t.Error("session left open after Submit")
	}
}

func TestGrid_SubmitCarriesEnvironment(t *testing.T) {
	session := &fakeSession{runID: "4712"}
	grid := NewGrid("", func() (Session, error) { return session, nil }, discardLogger())

	job := shellJob(t, "true")
	job.Env = map[string]string{"MOBYLEHOME": "/opt/mobgo", "PATH": "/usr/bin"}
	if _, err := grid.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(session.lastSpec.Env) != 2 {
		t.Fatalf("spec env = %v, want 2 entries", session.lastSpec.Env)
	}
	for k, v := range job.Env {
		if session.lastSpec.Env[k] != v {
			t.Errorf("spec env[%s] = %q, want %q", k, session.lastSpec.Env[k], v)
		}
	}
}

func TestGrid_SubmitError(t *testing.T) {
	session := &fakeSession{runErr: errors.New("queue unavailable")}
	grid := NewGrid("", func() (Session, error) { return session, nil }, discardLogger())

	if _, err := grid.Submit(context.Background(), shellJob(t, "true")); err == nil {
		t.Fatal("Submit succeeded against a failing scheduler")
	}
	if !session.closed {
		t.Error("session left open after failed Submit")
	}
}

func TestGrid_Status(t *testing.T) {
	cases := []struct {
		state model.Status
		want  model.Status
	}{
		{model.StatusPending, model.StatusPending},
		{model.StatusRunning, model.StatusRunning},
		{model.StatusHold, model.StatusHold},
		{model.StatusFinished, model.StatusFinished},
		{model.StatusError, model.StatusError},
	}
	for _, c := range cases {
		session := &fakeSession{state: c.state}
		grid := NewGrid("", func() (Session, error) { return session, nil }, discardLogger())

		got, _, err := grid.Status(context.Background(), "99:/var/jobs/x")
		if err != nil {
			t.Fatalf("Status(%s): %v", c.state, err)
		}
		if got != c.want {
			t.Errorf("Status(%s) = %s, want %s", c.state, got, c.want)
		}
		if !session.closed {
			t.Errorf("session left open after Status(%s)", c.state)
		}
	}
}

func TestGrid_Kill(t *testing.T) {
	session := &fakeSession{}
	grid := NewGrid("", func() (Session, error) { return session, nil }, discardLogger())

	if err := grid.Kill(context.Background(), "99:/var/jobs/x"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if len(session.terminated) != 1 || session.terminated[0] != "99" {
		t.Errorf("terminated = %v, want [99]", session.terminated)
	}
	if !session.closed {
		t.Error("session left open after Kill")
	}
}

func TestGrid_MalformedHandle(t *testing.T) {
	grid := NewGrid("", func() (Session, error) { return &fakeSession{}, nil }, discardLogger())

	if _, _, err := grid.Status(context.Background(), "no-separator"); err == nil {
		t.Error("Status accepted a malformed handle")
	}
	if err := grid.Kill(context.Background(), "no-separator"); err == nil {
		t.Error("Kill accepted a malformed handle")
	}
}
