package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/me/mobgo/pkg/model"
)

// Mode selects the lock strength of a transaction.
type Mode int

const (
	// READ acquires a shared lock; the document cannot be mutated.
	READ Mode = iota
	// WRITE acquires an exclusive lock.
	WRITE
)

var (
	// ErrLocked is returned when the advisory lock could not be
	// acquired within the bounded retries.
	ErrLocked = errors.New("statestore: lock acquisition timed out")
	// ErrBusy is returned fast when the same process already holds an
	// open transaction on the path.
	ErrBusy = errors.New("statestore: document already open in this process")
	// ErrReadOnly is returned by mutators on a READ transaction.
	ErrReadOnly = errors.New("statestore: mutation on a read transaction")
	// ErrClosed is returned when the transaction already committed or
	// rolled back.
	ErrClosed = errors.New("statestore: transaction is closed")
	// ErrNoSuchEntry distinguishes "doesn't exist" from "already in the
	// desired state" on removals.
	ErrNoSuchEntry = errors.New("statestore: no such entry")
)

// Options bounds lock acquisition.
type Options struct {
	Retries int
	Delay   time.Duration
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Retries <= 0 {
		o.Retries = 10
	}
	if o.Delay <= 0 {
		o.Delay = 200 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// openPaths guards against two transactions on the same document within
// one process; flock alone would be granted re-entrantly.
var (
	openMu    sync.Mutex
	openPaths = make(map[string]struct{})
)

// Transaction is one scoped access to a StateDocument. The lock is
// released on every exit path: Commit and Rollback both unlock.
type Transaction struct {
	path   string
	mode   Mode
	lock   *os.File
	logger *slog.Logger

	doc    *Document
	dirty  bool
	closed bool
}

// Create atomically writes a brand-new StateDocument. It is used once
// at submission time, before any concurrent access can exist.
func Create(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return writeAtomic(path, data)
}

// lockPath returns the sidecar lock file guarding the document. The
// flock must sit on a stable inode: a commit replaces the document by
// rename, and a lock taken on the document itself would leave waiters
// queued on the orphaned pre-commit inode while fresh opens lock the
// new one.
func lockPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".lock")
}

// Open acquires the advisory lock on the document's sidecar lock file:
// shared for READ, exclusive for WRITE, retrying briefly before failing
// with ErrLocked. A second Open on the same path in this process fails
// fast with ErrBusy.
func Open(path string, mode Mode, opts Options) (*Transaction, error) {
	opts = opts.withDefaults()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	openMu.Lock()
	if _, busy := openPaths[abs]; busy {
		openMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, abs)
	}
	openPaths[abs] = struct{}{}
	openMu.Unlock()

	release := func() {
		openMu.Lock()
		delete(openPaths, abs)
		openMu.Unlock()
	}

	if _, err := os.Stat(abs); err != nil {
		release()
		return nil, fmt.Errorf("open document %s: %w", abs, err)
	}

	f, err := os.OpenFile(lockPath(abs), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		release()
		return nil, fmt.Errorf("open lock %s: %w", lockPath(abs), err)
	}

	how := unix.LOCK_SH
	if mode == WRITE {
		how = unix.LOCK_EX
	}
	if err := flockRetry(f, how, opts); err != nil {
		f.Close()
		release()
		return nil, err
	}

	return &Transaction{
		path:   abs,
		mode:   mode,
		lock:   f,
		logger: opts.Logger,
	}, nil
}

// flockRetry attempts a non-blocking flock, sleeping between attempts.
func flockRetry(f *os.File, how int, opts Options) error {
	for attempt := 0; attempt < opts.Retries; attempt++ {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			return fmt.Errorf("flock %s: %w", f.Name(), err)
		}
		time.Sleep(opts.Delay)
	}
	return fmt.Errorf("%w: %s", ErrLocked, f.Name())
}

// Doc parses the document lazily on first touch within the transaction.
func (t *Transaction) Doc() (*Document, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if t.doc != nil {
		return t.doc, nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", t.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document %s: %w", t.path, err)
	}
	t.doc = &doc
	return t.doc, nil
}

// Commit releases the lock. On a WRITE transaction that actually
// mutated the document it first replaces the file atomically; a clean
// WRITE transaction performs no I/O.
func (t *Transaction) Commit() error {
	if t.closed {
		return ErrClosed
	}
	defer t.release()

	if t.mode != WRITE || !t.dirty {
		return nil
	}

	data, err := json.MarshalIndent(t.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", t.path, err)
	}
	if err := writeAtomic(t.path, data); err != nil {
		return err
	}
	t.logger.Debug("document committed", "path", t.path)
	return nil
}

// Rollback releases the lock without writing, discarding in-memory
// mutations.
func (t *Transaction) Rollback() error {
	if t.closed {
		return ErrClosed
	}
	t.release()
	return nil
}

func (t *Transaction) release() {
	t.closed = true
	unix.Flock(int(t.lock.Fd()), unix.LOCK_UN)
	t.lock.Close()
	openMu.Lock()
	delete(openPaths, t.path)
	openMu.Unlock()
}

// writeAtomic writes data to a process-unique temp path next to path
// and renames it over the original.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%d.tmp", filepath.Base(path), os.Getpid()))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// mutable returns the parsed document after checking the transaction
// may mutate it.
func (t *Transaction) mutable() (*Document, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if t.mode != WRITE {
		return nil, ErrReadOnly
	}
	return t.Doc()
}

// Status returns the current status and message.
func (t *Transaction) Status() (model.Status, string, error) {
	doc, err := t.Doc()
	if err != nil {
		return model.StatusUnknown, "", err
	}
	return doc.Status, doc.Message, nil
}

// SetStatus records a status transition. An ended status is never
// overwritten: the call then reports changed=false and leaves the
// document clean.
func (t *Transaction) SetStatus(status model.Status, message string) (bool, error) {
	doc, err := t.mutable()
	if err != nil {
		return false, err
	}
	if doc.Status.IsEnded() {
		return false, nil
	}
	if doc.Status == status && doc.Message == message {
		return false, nil
	}
	doc.Status = status
	doc.Message = message
	if status.IsEnded() && doc.Ended == nil {
		now := time.Now()
		doc.Ended = &now
	}
	t.dirty = true
	return true, nil
}

// SetDispatch records the backend a job was handed to and the handle it
// returned.
func (t *Transaction) SetDispatch(backend, handle string) error {
	doc, err := t.mutable()
	if err != nil {
		return err
	}
	if doc.Backend == backend && doc.Handle == handle {
		return nil
	}
	doc.Backend = backend
	doc.Handle = handle
	t.dirty = true
	return nil
}

// SetCommandLine records the command line the job will run.
func (t *Transaction) SetCommandLine(cmd string) error {
	doc, err := t.mutable()
	if err != nil {
		return err
	}
	if doc.CommandLine == cmd {
		return nil
	}
	doc.CommandLine = cmd
	t.dirty = true
	return nil
}

// SetInput inserts or replaces the input record with the same name.
func (t *Transaction) SetInput(rec ParameterRecord) error {
	doc, err := t.mutable()
	if err != nil {
		return err
	}
	for i := range doc.Inputs {
		if doc.Inputs[i].Name == rec.Name {
			doc.Inputs[i] = rec
			t.dirty = true
			return nil
		}
	}
	doc.Inputs = append(doc.Inputs, rec)
	t.dirty = true
	return nil
}

// RemoveInput deletes the input record with the given name. Removing a
// non-existent record is a domain error, not a silent no-op.
func (t *Transaction) RemoveInput(name string) error {
	doc, err := t.mutable()
	if err != nil {
		return err
	}
	for i := range doc.Inputs {
		if doc.Inputs[i].Name == name {
			doc.Inputs = append(doc.Inputs[:i], doc.Inputs[i+1:]...)
			t.dirty = true
			return nil
		}
	}
	return fmt.Errorf("%w: input %q", ErrNoSuchEntry, name)
}

// SetOutput inserts or replaces the output record with the same name.
func (t *Transaction) SetOutput(rec ParameterRecord) error {
	doc, err := t.mutable()
	if err != nil {
		return err
	}
	for i := range doc.Outputs {
		if doc.Outputs[i].Name == rec.Name {
			doc.Outputs[i] = rec
			t.dirty = true
			return nil
		}
	}
	doc.Outputs = append(doc.Outputs, rec)
	t.dirty = true
	return nil
}

// AddTask links a workflow task to its sub-job. Adding a link that
// already exists is a no-op.
func (t *Transaction) AddTask(link TaskLink) error {
	doc, err := t.mutable()
	if err != nil {
		return err
	}
	for _, existing := range doc.Tasks {
		if existing.TaskID == link.TaskID && existing.JobKey == link.JobKey {
			return nil
		}
	}
	doc.Tasks = append(doc.Tasks, link)
	t.dirty = true
	return nil
}

// RemoveTask deletes the task link for taskID.
func (t *Transaction) RemoveTask(taskID string) error {
	doc, err := t.mutable()
	if err != nil {
		return err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].TaskID == taskID {
			doc.Tasks = append(doc.Tasks[:i], doc.Tasks[i+1:]...)
			t.dirty = true
			return nil
		}
	}
	return fmt.Errorf("%w: task %q", ErrNoSuchEntry, taskID)
}
