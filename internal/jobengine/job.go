package jobengine

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/me/mobgo/internal/registry"
	"github.com/me/mobgo/internal/statestore"
	"github.com/me/mobgo/internal/typesys"
	"github.com/me/mobgo/pkg/model"
)

// Job is one invocation of a Program being prepared or supervised. The
// in-memory value map mirrors what the StateDocument records; the
// document is the durable truth.
type Job struct {
	Key        string
	Dir        string
	URL        string
	Server     string
	Email      string
	ClientAddr string

	engine *Engine
	svc    *registry.Service

	values map[string]any
	raw    map[string]string
	ran    bool
}

// Service returns the job's service definition.
func (j *Job) Service() *registry.Service { return j.svc }

func (j *Job) docPath() string {
	return filepath.Join(j.Dir, statestore.DocumentName)
}

// write runs fn inside one exclusive-lock transaction.
func (j *Job) write(fn func(*statestore.Transaction) error) error {
	txn, err := statestore.Open(j.docPath(), statestore.WRITE, j.engine.lockOpts())
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

// fail records a terminal Error status carrying only the user-safe
// message; the full cause goes to the log.
func (j *Job) fail(cause error) {
	j.engine.logger.Error("job failed",
		"key", j.Key, "service", j.svc.Name, "error", cause)
	err := j.write(func(txn *statestore.Transaction) error {
		_, err := txn.SetStatus(model.StatusError, model.UserFacing(cause))
		return err
	})
	if err != nil {
		j.engine.logger.Error("failure not recorded", "key", j.Key, "error", err)
	}
}

// bindable resolves the parameter a user may set.
func (j *Job) bindable(name string) (*registry.Parameter, error) {
	p := j.svc.Parameter(name)
	if p == nil {
		return nil, model.NewUserValueError(name, "unknown parameter")
	}
	if p.Hidden || p.Output {
		return nil, model.NewUserValueError(name, "this parameter cannot be set")
	}
	return p, nil
}

// Bind converts a scalar value through the parameter's datatype and
// persists it. A value equal to the declared default deletes the
// persisted override instead, keeping the document minimal.
func (j *Job) Bind(name, value string) error {
	p, err := j.bindable(name)
	if err != nil {
		return err
	}
	t, err := j.engine.types.Type(p.Type)
	if err != nil {
		return model.Internal(err)
	}

	converted, eff, err := t.Convert(value, p.AcceptedType())
	if err != nil {
		return named(err, name)
	}

	if p.Default != nil && fmt.Sprint(converted) == fmt.Sprint(p.Default) {
		delete(j.values, name)
		delete(j.raw, name)
		return j.write(func(txn *statestore.Transaction) error {
			if err := txn.RemoveInput(name); err != nil && !errors.Is(err, statestore.ErrNoSuchEntry) {
				return model.Internal(err)
			}
			return nil
		})
	}

	j.values[name] = converted
	j.raw[name] = value
	return j.write(func(txn *statestore.Transaction) error {
		return txn.SetInput(statestore.ParameterRecord{
			Name:  name,
			Value: fmt.Sprint(converted),
			Type:  eff,
		})
	})
}

// BindFile materializes file content into the job directory, sniffs its
// format and reformats it when the service's accepted formats demand it.
// The record always carries the format actually produced; when a
// conversion ran the original file is preserved as the formatted-from
// source.
func (j *Job) BindFile(name string, src typesys.Source) error {
	p, err := j.bindable(name)
	if err != nil {
		return err
	}
	ft, err := j.engine.types.FileType(p.Type)
	if err != nil {
		return model.Internal(err)
	}

	stored, err := ft.ToFile(src, j.Dir)
	if err != nil {
		return model.Internal(err)
	}

	detected := ft.Detect(filepath.Join(j.Dir, stored))
	if len(detected.Subtypes) == 0 {
		detected.Subtypes = p.Subtypes
	}

	finalPath, eff, err := j.engine.types.Reformat(
		filepath.Join(j.Dir, stored), j.Dir, detected, p.Formats)
	if err != nil {
		return named(err, name)
	}
	finalName := filepath.Base(finalPath)

	rec := statestore.ParameterRecord{
		Name: name,
		File: finalName,
		Type: eff,
	}
	if finalName != stored {
		rec.FormattedFrom = stored
	}
	if info, err := os.Stat(finalPath); err == nil {
		rec.Size = info.Size()
	}

	j.values[name] = finalName
	raw := src.Data
	if len(raw) == 0 {
		// Path-borne sources keep a raw copy too: remote delegation
		// forwards file inputs as form values.
		raw, err = os.ReadFile(finalPath)
		if err != nil {
			return model.Internal(err)
		}
	}
	j.raw[name] = string(raw)
	return j.write(func(txn *statestore.Transaction) error {
		return txn.SetInput(rec)
	})
}

// BindValue binds a form-borne value. File-typed parameters receive
// the text as file content, the way delegated submissions carry
// sequence data; everything else goes through Bind.
func (j *Job) BindValue(name, value string) error {
	p, err := j.bindable(name)
	if err != nil {
		return err
	}
	if _, err := j.engine.types.FileType(p.Type); err == nil {
		return j.BindFile(name, typesys.Source{Name: name + ".data", Data: []byte(value)})
	}
	return j.Bind(name, value)
}

// Validate walks every parameter in declaration order: preconditions
// gate validation, mandatory parameters must carry a value, datatype
// and control checks run on the bound (or default) value, and every
// output filename mask must be provably safe. A failure is recorded as
// job status Error before it is returned.
func (j *Job) Validate() error {
	if err := j.validate(); err != nil {
		j.fail(err)
		return err
	}
	return nil
}

func (j *Job) validate() error {
	ev := j.exprValues()

	for _, p := range j.svc.FlatParameters() {
		if p.Output {
			// An unsafe mask is a broken definition, never a user error.
			if p.Filenames != "" && p.Filenames != typesys.SanitizeMask(p.Filenames) {
				return model.Internalf("service %s: output mask %q is not safe",
					j.svc.Name, p.Filenames)
			}
			continue
		}

		if p.Precond != "" {
			ok, err := j.engine.eval.Truthy(p.Precond, ev[p.Name], ev)
			if err != nil {
				return model.Internal(fmt.Errorf("precondition of %s: %w", p.Name, err))
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
			if p.Mandatory {
				return model.NewUserValueError(p.Name, "This parameter is mandatory")
			}
			continue
		}

		t, err := j.engine.types.Type(p.Type)
		if err != nil {
			return model.Internal(err)
		}
		if err := t.Validate(value, p.Constraints()); err != nil {
			return named(err, p.Name)
		}

		for _, ctrl := range p.Ctrls {
			ok, err := j.engine.eval.Truthy(ctrl.Test, value, ev)
			if err != nil {
				return model.Internal(fmt.Errorf("control of %s: %w", p.Name, err))
			}
			if !ok {
				return model.NewUserValueError(p.Name, "%s", ctrl.Message)
			}
		}
	}
	return nil
}

// CheckCollisions guards the job directory against output clobbering:
// an input file matching an output mask is renamed out of the way and
// the rename recorded; any other match aborts execution.
func (j *Job) CheckCollisions() error {
	masks := j.outputMasks()
	if len(masks) == 0 {
		return nil
	}

	entries, err := os.ReadDir(j.Dir)
	if err != nil {
		return model.Internal(err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || name == statestore.DocumentName {
			continue
		}
		if !matchAny(masks, name) {
			continue
		}

		renamed, err := j.renameCollidingInput(name)
		if err != nil {
			return err
		}
		if !renamed {
			return model.Internalf("job %s: file %s collides with an output mask",
				j.Key, name)
		}
	}
	return nil
}

// renameCollidingInput moves a bound input file out of the way of an
// output mask and reflects the rename in the StateDocument.
func (j *Job) renameCollidingInput(name string) (bool, error) {
	var paramName string
	for pname, v := range j.values {
		if s, ok := v.(string); ok && s == name {
			paramName = pname
			break
		}
	}
	if paramName == "" {
		return false, nil
	}

	safe := fmt.Sprintf("mob_%s_collision", name)
	if err := os.Rename(filepath.Join(j.Dir, name), filepath.Join(j.Dir, safe)); err != nil {
		return false, model.Internal(err)
	}
	j.values[paramName] = safe
	j.engine.logger.Warn("input renamed to avoid output collision",
		"key", j.Key, "parameter", paramName, "from", name, "to", safe)

	err := j.write(func(txn *statestore.Transaction) error {
		doc, err := txn.Doc()
		if err != nil {
			return err
		}
		rec := doc.Input(paramName)
		if rec == nil {
			return nil
		}
		updated := *rec
		updated.File = safe
		return txn.SetInput(updated)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// outputMasks collects every output filename mask, the bound values of
// Filename parameters, and the implicit stdout/stderr names.
func (j *Job) outputMasks() []string {
	masks := []string{j.stdoutName(), j.stderrName()}
	for _, p := range j.svc.FlatParameters() {
		if p.Output && p.Filenames != "" {
			masks = append(masks, strings.Fields(p.Filenames)...)
		}
		if p.Type == "Filename" {
			if v, ok := j.values[p.Name].(string); ok && v != "" {
				masks = append(masks, v)
			}
		}
	}
	return masks
}

func (j *Job) stdoutName() string {
	return strings.ToLower(j.svc.Name) + ".out"
}

func (j *Job) stderrName() string {
	return strings.ToLower(j.svc.Name) + ".err"
}

// exprValues exposes bound values (with defaults filled in) to the
// precondition and control expressions.
func (j *Job) exprValues() map[string]any {
	ev := make(map[string]any)
	for _, p := range j.svc.FlatParameters() {
		if v, ok := j.values[p.Name]; ok {
			ev[p.Name] = v
		} else if p.Default != nil {
			ev[p.Name] = p.Default
		}
	}
	return ev
}

// matchAny applies the output masks with glob semantics.
func matchAny(masks []string, name string) bool {
	for _, mask := range masks {
		if ok, err := path.Match(mask, name); err == nil && ok {
			return true
		}
	}
	return false
}

// named fills the parameter name into a user-facing error that lacks
// one.
func named(err error, parameter string) error {
	var user *model.UserValueError
	if errors.As(err, &user) && user.Parameter == "" {
		user.Parameter = parameter
		return user
	}
	var format *model.UnsupportedFormatError
	if errors.As(err, &format) && format.Parameter == "" {
		format.Parameter = parameter
		return format
	}
	return err
}
