package jobengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/mobgo/internal/backend"
	"github.com/me/mobgo/internal/statestore"
	"github.com/me/mobgo/internal/typesys"
	"github.com/me/mobgo/pkg/model"
)

// Run validates, checks collisions, builds the command line and hands
// the job to the backend serving its server. Re-invoking Run on a job
// that already ran fails.
func (j *Job) Run(ctx context.Context) error {
	if j.ran {
		return model.Internalf("job %s already ran", j.Key)
	}

	if err := j.Validate(); err != nil {
		return err
	}
	if err := j.CheckCollisions(); err != nil {
		j.fail(err)
		return err
	}

	argv, paramfiles, err := j.buildCommand()
	if err != nil {
		j.fail(err)
		return err
	}
	for name, content := range paramfiles {
		if err := os.WriteFile(filepath.Join(j.Dir, name), []byte(content), 0o644); err != nil {
			err = model.Internal(err)
			j.fail(err)
			return err
		}
	}

	backendName := j.engine.cfg.Backend(j.Server)
	b, err := j.engine.backends.Get(backendName)
	if err != nil {
		err = model.Internal(err)
		j.fail(err)
		return err
	}

	if err := j.write(func(txn *statestore.Transaction) error {
		return txn.SetCommandLine(strings.Join(argv, " "))
	}); err != nil {
		return err
	}

	handle, err := b.Submit(ctx, j.backendJob(argv))
	if err != nil {
		j.fail(err)
		return err
	}
	j.ran = true

	if err := j.write(func(txn *statestore.Transaction) error {
		if err := txn.SetDispatch(backendName, handle); err != nil {
			return err
		}
		_, err := txn.SetStatus(model.StatusPending, "")
		return err
	}); err != nil {
		return err
	}

	j.engine.logger.Info("job dispatched",
		"key", j.Key, "service", j.svc.Name, "backend", backendName)
	return nil
}

func (j *Job) backendJob(argv []string) *backend.Job {
	return &backend.Job{
		Key:        j.Key,
		Service:    strings.ToLower(j.svc.Name),
		Server:     j.Server,
		Dir:        j.Dir,
		Args:       argv,
		Env:        j.svc.Env,
		StdoutFile: j.stdoutName(),
		StderrFile: j.stderrName(),
		Params:     j.raw,
		Email:      j.Email,
		ClientAddr: j.ClientAddr,
	}
}

// buildCommand renders argv from the parameters in argument-position
// order. A command parameter replaces the command name; paramfile
// parameters divert their value into a file instead of argv.
func (j *Job) buildCommand() ([]string, map[string]string, error) {
	argv := append([]string(nil), j.svc.Command...)
	paramfiles := make(map[string]string)
	ev := j.exprValues()

	for _, p := range j.svc.CommandOrder() {
		if p.Output {
			continue
		}
		if p.Precond != "" {
			ok, err := j.engine.eval.Truthy(p.Precond, ev[p.Name], ev)
			if err != nil {
				return nil, nil, model.Internal(fmt.Errorf("precondition of %s: %w", p.Name, err))
			}
			if !ok {
				continue
			}
		}

		value, bound := j.values[p.Name]
		if !bound && p.Default != nil {
			value, bound = p.Default, true
		}
		if !bound {
			continue
		}

		token, emit := j.renderValue(p.Type, value, p.Constraints())
		if !emit {
			continue
		}

		if p.Command {
			head := token
			if head == "" {
				head = p.Flag
			}
			argv = append([]string{head}, argv...)
			continue
		}
		if p.Paramfile != "" {
			paramfiles[p.Paramfile] += token + "\n"
			continue
		}

		if p.Flag != "" {
			argv = append(argv, p.Flag)
		}
		if token != "" {
			argv = append(argv, token)
		}
	}

	if len(argv) == 0 {
		return nil, nil, model.Internalf("service %s yields an empty command line", j.svc.Name)
	}
	return argv, paramfiles, nil
}

// renderValue formats one bound value for argv. A false Boolean emits
// nothing; a true Boolean emits only its flag.
func (j *Job) renderValue(datatype string, value any, c typesys.Constraints) (string, bool) {
	switch datatype {
	case "Boolean":
		b, _ := value.(bool)
		return "", b
	case "MultipleChoice":
		return typesys.MultipleChoiceType{}.Join(value, c), true
	default:
		return fmt.Sprint(value), true
	}
}

// Status reports the job's current status. A queryable job is polled
// through its backend and the observed transition recorded; ended
// statuses are immutable and transport failures leave the stored
// status untouched.
func (j *Job) Status(ctx context.Context) (model.Status, string, error) {
	txn, err := statestore.Open(j.docPath(), statestore.READ, j.engine.lockOpts())
	if err != nil {
		return model.StatusUnknown, "", model.Internal(err)
	}
	doc, err := txn.Doc()
	if err != nil {
		txn.Rollback()
		return model.StatusUnknown, "", model.Internal(err)
	}
	status, message := doc.Status, doc.Message
	backendName, handle := doc.Backend, doc.Handle
	txn.Rollback()

	if !status.IsQueryable() || handle == "" {
		return status, message, nil
	}

	b, err := j.engine.backends.Get(backendName)
	if err != nil {
		return status, message, model.Internal(err)
	}
	polled, polledMsg, err := b.Status(ctx, handle)
	if err != nil {
		j.engine.logger.Warn("status poll failed",
			"key", j.Key, "backend", backendName, "error", err)
		return status, message, nil
	}
	if !polled.IsKnown() || (polled == status && polledMsg == message) {
		return status, message, nil
	}

	err = j.write(func(txn *statestore.Transaction) error {
		changed, err := txn.SetStatus(polled, polledMsg)
		if err != nil {
			return err
		}
		if changed && polled == model.StatusFinished {
			return j.collectOutputs(txn)
		}
		return nil
	})
	if err != nil {
		return status, message, err
	}

	if polled.IsEnded() {
		backend.ReleaseAdmin(j.engine.cfg.AdminDir, j.backendJob(nil), j.engine.logger)
	}
	return polled, polledMsg, nil
}

// Kill terminates the job through its backend and records the Killed
// status. Killing an already-ended job is a no-op.
func (j *Job) Kill(ctx context.Context) error {
	txn, err := statestore.Open(j.docPath(), statestore.READ, j.engine.lockOpts())
	if err != nil {
		return model.Internal(err)
	}
	doc, err := txn.Doc()
	if err != nil {
		txn.Rollback()
		return model.Internal(err)
	}
	status, backendName, handle := doc.Status, doc.Backend, doc.Handle
	txn.Rollback()

	if status.IsEnded() {
		return nil
	}

	if handle != "" {
		b, err := j.engine.backends.Get(backendName)
		if err != nil {
			return model.Internal(err)
		}
		if err := b.Kill(ctx, handle); err != nil {
			j.engine.logger.Warn("backend kill failed",
				"key", j.Key, "backend", backendName, "error", err)
		}
	}

	if err := j.write(func(txn *statestore.Transaction) error {
		_, err := txn.SetStatus(model.StatusKilled, "job killed on user demand")
		return err
	}); err != nil {
		return err
	}

	backend.ReleaseAdmin(j.engine.cfg.AdminDir, j.backendJob(nil), j.engine.logger)
	j.engine.logger.Info("job killed", "key", j.Key, "service", j.svc.Name)
	return nil
}

// collectOutputs records every file matching an output mask as an
// output of the finished job, with its detected type.
func (j *Job) collectOutputs(txn *statestore.Transaction) error {
	entries, err := os.ReadDir(j.Dir)
	if err != nil {
		return err
	}

	for _, p := range j.svc.FlatParameters() {
		if !p.Output || p.Filenames == "" {
			continue
		}
		masks := strings.Fields(p.Filenames)

		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !matchAny(masks, name) {
				continue
			}
			rec := statestore.ParameterRecord{Name: p.Name, File: name}
			if info, err := entry.Info(); err == nil {
				rec.Size = info.Size()
			}
			if ft, err := j.engine.types.FileType(p.Type); err == nil {
				rec.Type = ft.Detect(filepath.Join(j.Dir, name))
			}
			if err := txn.SetOutput(rec); err != nil {
				return err
			}
		}
	}

	// Stdout and stderr are implicit outputs of every job.
	for _, name := range []string{j.stdoutName(), j.stderrName()} {
		if info, err := os.Stat(filepath.Join(j.Dir, name)); err == nil {
			if err := txn.SetOutput(statestore.ParameterRecord{
				Name: name, File: name, Size: info.Size(),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
