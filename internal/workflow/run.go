package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/me/mobgo/internal/jobengine"
	"github.com/me/mobgo/internal/registry"
	"github.com/me/mobgo/internal/statestore"
	"github.com/me/mobgo/internal/typesys"
	"github.com/me/mobgo/pkg/model"
)

// dataKey addresses one entry of the working data set. An empty Task
// means the workflow boundary.
type dataKey struct {
	Task  string
	Param string
}

// datum is one resolved or pending value. File-borne data carries the
// producing job's file path so consumers can hard-link it.
type datum struct {
	value string
	path  string
	name  string
	ok    bool
}

// WorkflowJob is one running instance of a Workflow service.
type WorkflowJob struct {
	Key        string
	Dir        string
	URL        string
	Server     string
	Email      string
	ClientAddr string

	engine *Engine
	svc    *registry.Service

	inputs  map[string]datum
	data    map[dataKey]datum
	subjobs map[string]*jobengine.Job
	ended   map[string]model.Status
}

func (w *WorkflowJob) docPath() string {
	return filepath.Join(w.Dir, statestore.DocumentName)
}

// prepare seeds the working data set from per-task input literals.
// Workflow-level inputs arrive through Bind/BindFile before the loop
// starts.
func (w *WorkflowJob) prepare() {
	for _, task := range w.svc.Tasks {
		for name, value := range task.Inputs {
			w.data[dataKey{task.ID, name}] = datum{value: fmt.Sprint(value), ok: true}
		}
	}
}

// Bind records a workflow-level scalar input.
func (w *WorkflowJob) Bind(name, value string) error {
	if !w.isWorkflowInput(name) {
		return model.NewUserValueError(name, "unknown workflow input")
	}
	w.inputs[name] = datum{value: value, ok: true}
	return w.write(func(txn *statestore.Transaction) error {
		return txn.SetInput(statestore.ParameterRecord{Name: name, Value: value})
	})
}

// BindFile materializes a workflow-level file input into the workflow
// directory.
func (w *WorkflowJob) BindFile(name string, src typesys.Source) error {
	if !w.isWorkflowInput(name) {
		return model.NewUserValueError(name, "unknown workflow input")
	}
	stored := typesys.SafeName(w.Dir, src.Name)
	if err := os.WriteFile(filepath.Join(w.Dir, stored), src.Data, 0o644); err != nil {
		return model.Internal(err)
	}
	w.inputs[name] = datum{path: filepath.Join(w.Dir, stored), name: stored, ok: true}
	return w.write(func(txn *statestore.Transaction) error {
		return txn.SetInput(statestore.ParameterRecord{Name: name, File: stored})
	})
}

// isWorkflowInput reports whether a boundary link consumes the name.
func (w *WorkflowJob) isWorkflowInput(name string) bool {
	for _, l := range w.svc.Links {
		if l.FromTask == "" && l.FromParam == name {
			return true
		}
	}
	return false
}

// Step runs one supervisory pass: observe a pending kill, poll and
// submit tasks, then propagate data. It reports done=true when the
// workflow reached a terminal state.
func (w *WorkflowJob) Step(ctx context.Context) (bool, error) {
	status, err := w.status()
	if err != nil {
		return false, err
	}
	if status == model.StatusKilled {
		w.cascadeKill(ctx)
		return true, nil
	}

	w.iterateData()
	if err := w.iterateTasks(ctx); err != nil {
		return false, err
	}

	if len(w.ended) < len(w.svc.Tasks) {
		return false, nil
	}
	if err := w.commitOutputs(); err != nil {
		return false, err
	}
	// Finished only after the outputs are committed.
	if err := w.setStatus(model.StatusFinished, ""); err != nil {
		return false, err
	}
	w.engine.logger.Info("workflow finished", "key", w.Key, "service", w.svc.Name)
	return true, nil
}

// iterateTasks submits every task whose inputs are resolved and polls
// every started, unfinished task. A failed task is workflow-fatal.
func (w *WorkflowJob) iterateTasks(ctx context.Context) error {
	for i := range w.svc.Tasks {
		task := &w.svc.Tasks[i]
		if _, over := w.ended[task.ID]; over {
			continue
		}

		job, started := w.subjobs[task.ID]
		if !started {
			if !w.inputsResolved(task) {
				continue
			}
			if err := w.submitTask(ctx, task); err != nil {
				return fmt.Errorf("task %s: %w", task.ID, err)
			}
			continue
		}

		status, message, err := job.Status(ctx)
		if err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
		if !status.IsEnded() {
			continue
		}
		w.ended[task.ID] = status

		switch status {
		case model.StatusFinished:
			if err := w.collectTaskOutputs(task, job); err != nil {
				return fmt.Errorf("task %s: %w", task.ID, err)
			}
		default:
			return fmt.Errorf("task %s ended with status %s: %s", task.ID, status, message)
		}
	}
	return nil
}

// iterateData propagates every resolved value along the links until no
// more propagation is possible.
func (w *WorkflowJob) iterateData() {
	for moved := true; moved; {
		moved = false
		for _, l := range w.svc.Links {
			if l.ToTask == "" {
				continue
			}
			src, ok := w.source(l)
			if !ok {
				continue
			}
			dst := dataKey{l.ToTask, l.ToParam}
			if w.data[dst].ok {
				continue
			}
			w.data[dst] = src
			moved = true
		}
	}
}

// source reads the value feeding a link, from the workflow boundary or
// a task's produced outputs.
func (w *WorkflowJob) source(l registry.Link) (datum, bool) {
	if l.FromTask == "" {
		d, ok := w.inputs[l.FromParam]
		return d, ok && d.ok
	}
	d := w.data[dataKey{l.FromTask, l.FromParam}]
	return d, d.ok
}

// inputsResolved reports whether every link feeding the task has a
// resolved source value.
func (w *WorkflowJob) inputsResolved(task *registry.Task) bool {
	for _, l := range w.svc.Links {
		if l.ToTask != task.ID {
			continue
		}
		if !w.data[dataKey{task.ID, l.ToParam}].ok {
			return false
		}
	}
	return true
}

// submitTask creates, binds and runs the sub-job for one task and
// persists the task-to-job link.
func (w *WorkflowJob) submitTask(ctx context.Context, task *registry.Task) error {
	job, err := w.engine.jobs.Create(task.Service, task.Server, w.Email, w.ClientAddr)
	if err != nil {
		return err
	}

	for key, d := range w.data {
		if key.Task != task.ID || !d.ok {
			continue
		}
		if d.path != "" {
			err = job.BindFile(key.Param, typesys.Source{Name: d.name, Path: d.path})
		} else {
			err = job.Bind(key.Param, d.value)
		}
		if err != nil {
			return err
		}
	}

	if err := job.Run(ctx); err != nil {
		return err
	}
	w.subjobs[task.ID] = job
	w.engine.logger.Info("task submitted",
		"workflow", w.Key, "task", task.ID, "job", job.Key)

	return w.write(func(txn *statestore.Transaction) error {
		return txn.AddTask(statestore.TaskLink{
			TaskID: task.ID,
			JobKey: job.Key,
			JobURL: job.URL,
		})
	})
}

// collectTaskOutputs copies a finished task's declared outputs into the
// working data set as file references.
func (w *WorkflowJob) collectTaskOutputs(task *registry.Task, job *jobengine.Job) error {
	txn, err := statestore.Open(
		filepath.Join(job.Dir, statestore.DocumentName), statestore.READ, w.engine.lockOpts())
	if err != nil {
		return model.Internal(err)
	}
	defer txn.Rollback()

	doc, err := txn.Doc()
	if err != nil {
		return model.Internal(err)
	}
	for _, rec := range doc.Outputs {
		w.data[dataKey{task.ID, rec.Name}] = datum{
			path: filepath.Join(job.Dir, rec.File),
			name: rec.File,
			ok:   true,
		}
	}
	return nil
}

// commitOutputs records every workflow output parameter on the
// workflow's own document, hard-linking file-borne values into the
// workflow directory.
func (w *WorkflowJob) commitOutputs() error {
	return w.write(func(txn *statestore.Transaction) error {
		for _, l := range w.svc.Links {
			if l.ToTask != "" {
				continue
			}
			src, ok := w.source(l)
			if !ok {
				return model.Internalf("workflow output %s has no value", l.ToParam)
			}

			rec := statestore.ParameterRecord{Name: l.ToParam, Value: src.value}
			if src.path != "" {
				stored := typesys.SafeName(w.Dir, src.name)
				dst := filepath.Join(w.Dir, stored)
				if err := linkOrCopy(src.path, dst); err != nil {
					return model.Internal(err)
				}
				rec.Value = ""
				rec.File = stored
				if info, err := os.Stat(dst); err == nil {
					rec.Size = info.Size()
				}
			}
			if err := txn.SetOutput(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// RequestKill records a Killed status on the workflow. The supervisory
// loop observes it at the head of its next pass and cascades the kill
// to every still-queryable sub-job.
func (w *WorkflowJob) RequestKill() error {
	return w.write(func(txn *statestore.Transaction) error {
		_, err := txn.SetStatus(model.StatusKilled, "workflow killed on user demand")
		return err
	})
}

// cascadeKill terminates every sub-job that can still be addressed.
func (w *WorkflowJob) cascadeKill(ctx context.Context) {
	for taskID, job := range w.subjobs {
		if w.ended[taskID].IsEnded() {
			continue
		}
		if err := job.Kill(ctx); err != nil {
			w.engine.logger.Warn("sub-job kill failed",
				"workflow", w.Key, "task", taskID, "job", job.Key, "error", err)
		}
	}
	w.engine.logger.Info("workflow killed", "key", w.Key)
}

func (w *WorkflowJob) status() (model.Status, error) {
	txn, err := statestore.Open(w.docPath(), statestore.READ, w.engine.lockOpts())
	if err != nil {
		return model.StatusUnknown, model.Internal(err)
	}
	defer txn.Rollback()
	status, _, err := txn.Status()
	if err != nil {
		return model.StatusUnknown, model.Internal(err)
	}
	return status, nil
}

func (w *WorkflowJob) setStatus(status model.Status, message string) error {
	return w.write(func(txn *statestore.Transaction) error {
		_, err := txn.SetStatus(status, message)
		return err
	})
}

func (w *WorkflowJob) write(fn func(*statestore.Transaction) error) error {
	txn, err := statestore.Open(w.docPath(), statestore.WRITE, w.engine.lockOpts())
	if err != nil {
		return model.Internal(err)
	}
	if err := fn(txn); err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		return model.Internal(err)
	}
	return nil
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
