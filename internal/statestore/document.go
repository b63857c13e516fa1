// Package statestore persists one StateDocument per job or session and
// mediates all access through advisory-lock transactions. The
// filesystem is the store: writes are atomic (temp file + rename) and
// exclusion holds across independently-started processes sharing the
// same directory.
package statestore

import (
	"time"

	"github.com/me/mobgo/internal/typesys"
	"github.com/me/mobgo/pkg/model"
)

// DocumentName is the fixed file name of the StateDocument inside a job
// or session directory.
const DocumentName = "index.json"

// ParameterRecord is one bound input or output value of a job.
type ParameterRecord struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
	// File is the stored data file, relative to the job directory.
	File string `json:"file,omitempty"`
	Size int64  `json:"size,omitempty"`
	// Type carries the format actually detected or produced, never the
	// merely-accepted one.
	Type typesys.MobyleType `json:"type,omitempty"`
	// FormattedFrom preserves the original file when a conversion ran.
	FormattedFrom string `json:"formatted_from,omitempty"`
}

// TaskLink records which sub-job executes a workflow task.
type TaskLink struct {
	TaskID string `json:"task_id"`
	JobKey string `json:"job_key"`
	JobURL string `json:"job_url,omitempty"`
}

// DataEntry is one bookmarked value in a session document, with
// cross-reference edges to the jobs that consume or produced it.
type DataEntry struct {
	ID         string             `json:"id"`
	File       string             `json:"file,omitempty"`
	Type       typesys.MobyleType `json:"type,omitempty"`
	UsedBy     []string           `json:"used_by,omitempty"`
	ProducedBy []string           `json:"produced_by,omitempty"`
}

// JobEntry is one job reference in a session document.
type JobEntry struct {
	Key     string       `json:"key"`
	URL     string       `json:"url,omitempty"`
	Service string       `json:"service,omitempty"`
	Status  model.Status `json:"status,omitempty"`
}

// Document is the durable record backing one Job, WorkflowJob or
// session. It is only ever mutated under an exclusive-lock transaction.
type Document struct {
	ID      string    `json:"id"`
	Service string    `json:"service,omitempty"`
	Server  string    `json:"server,omitempty"`
	URL     string    `json:"url,omitempty"`
	Created time.Time `json:"created"`
	Email   string    `json:"email,omitempty"`

	Status  model.Status `json:"status"`
	Message string       `json:"message,omitempty"`
	// Ended is set once, when the status first becomes terminal.
	Ended *time.Time `json:"ended,omitempty"`

	CommandLine string `json:"command_line,omitempty"`

	// Backend and Handle record where the job was dispatched; Handle is
	// the backend-specific identifier used for polling and kill.
	Backend string `json:"backend,omitempty"`
	Handle  string `json:"handle,omitempty"`

	Inputs  []ParameterRecord `json:"inputs,omitempty"`
	Outputs []ParameterRecord `json:"outputs,omitempty"`

	// Tasks links workflow tasks to their sub-jobs.
	Tasks []TaskLink `json:"tasks,omitempty"`

	// Data and Jobs are the session-variant catalogs.
	Data []DataEntry `json:"data,omitempty"`
	Jobs []JobEntry  `json:"jobs,omitempty"`
}

// Input returns the input record with the given name, or nil.
func (d *Document) Input(name string) *ParameterRecord {
	for i := range d.Inputs {
		if d.Inputs[i].Name == name {
			return &d.Inputs[i]
		}
	}
	return nil
}

// Output returns the output record with the given name, or nil.
func (d *Document) Output(name string) *ParameterRecord {
	for i := range d.Outputs {
		if d.Outputs[i].Name == name {
			return &d.Outputs[i]
		}
	}
	return nil
}

// Task returns the task link for the given task id, or nil.
func (d *Document) Task(taskID string) *TaskLink {
	for i := range d.Tasks {
		if d.Tasks[i].TaskID == taskID {
			return &d.Tasks[i]
		}
	}
	return nil
}
