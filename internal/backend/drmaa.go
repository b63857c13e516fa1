package backend

import (
	"fmt"

	"github.com/dgruber/drmaa"

	"github.com/me/mobgo/pkg/model"
)

// drmaaSession adapts a DRMAA session to the Session interface.
// DRMAA ties sessions to the calling thread, which is why the grid
// backend opens and closes one per call instead of keeping it around.
type drmaaSession struct {
	s drmaa.Session
}

// NewDRMAASessionFactory returns a SessionFactory backed by the
// system's DRMAA library (SGE, Slurm, PBS, depending on libdrmaa).
func NewDRMAASessionFactory() SessionFactory {
	return func() (Session, error) {
		s, err := drmaa.MakeSession()
		if err != nil {
			return nil, fmt.Errorf("drmaa init: %w", err)
		}
		return &drmaaSession{s: s}, nil
	}
}

func (d *drmaaSession) Run(spec JobSpec) (string, error) {
	jt, err := d.s.AllocateJobTemplate()
	if err != nil {
		return "", fmt.Errorf("drmaa job template: %w", err)
	}
	defer d.s.DeleteJobTemplate(&jt)

	if err := jt.SetRemoteCommand(spec.Command); err != nil {
		return "", err
	}
	if err := jt.SetArgs(spec.Args); err != nil {
		return "", err
	}
	if err := jt.SetWD(spec.WorkDir); err != nil {
		return "", err
	}
	// The leading colon means "no host qualifier" in DRMAA path syntax.
	if err := jt.SetOutputPath(":" + spec.StdoutPath); err != nil {
		return "", err
	}
	if err := jt.SetErrorPath(":" + spec.StderrPath); err != nil {
		return "", err
	}
	if len(spec.Env) > 0 {
		env := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		// SetJobEnviroment is the library's spelling of DRMAA_V_ENV.
		if err := jt.SetJobEnviroment(env...); err != nil {
			return "", err
		}
	}

	id, err := d.s.RunJob(&jt)
	if err != nil {
		return "", fmt.Errorf("drmaa run: %w", err)
	}
	return id, nil
}

func (d *drmaaSession) State(id string) (model.Status, string, error) {
	ps, err := d.s.JobPs(id)
	if err != nil {
		return model.StatusUnknown, "", fmt.Errorf("drmaa job state %s: %w", id, err)
	}

	switch ps {
	case drmaa.PsQueuedActive:
		return model.StatusPending, "", nil
	case drmaa.PsSystemOnHold, drmaa.PsUserOnHold, drmaa.PsUserSystemOnHold:
		return model.StatusHold, "job is held by the scheduler", nil
	case drmaa.PsRunning:
		return model.StatusRunning, "", nil
	case drmaa.PsSystemSuspended, drmaa.PsUserSuspended, drmaa.PsUserSystemSuspended:
		return model.StatusHold, "job is suspended by the scheduler", nil
	case drmaa.PsDone:
		return model.StatusFinished, "", nil
	case drmaa.PsFailed:
		return model.StatusError, "job failed on the cluster", nil
	default:
		return model.StatusUnknown, "", nil
	}
}

func (d *drmaaSession) Terminate(id string) error {
	return d.s.Control(id, drmaa.Terminate)
}

func (d *drmaaSession) Close() error {
	return d.s.Exit()
}
