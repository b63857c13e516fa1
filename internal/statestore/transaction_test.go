package statestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/me/mobgo/pkg/model"
)

func newDoc(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DocumentName)
	doc := &Document{
		ID:      "job-1",
		Service: "clustalw",
		Created: time.Now().UTC(),
		Status:  model.StatusSubmitted,
	}
	if err := Create(path, doc); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return path
}

func fastOpts() Options {
	return Options{Retries: 2, Delay: 10 * time.Millisecond}
}

func TestOpenCommit_RoundTrip(t *testing.T) {
	path := newDoc(t)

	txn, err := Open(path, WRITE, fastOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := txn.SetStatus(model.StatusRunning, "dispatched"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := txn.SetCommandLine("clustalw -infile=input.fasta"); err != nil {
		t.Fatalf("SetCommandLine: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rd, err := Open(path, READ, fastOpts())
	if err != nil {
		t.Fatalf("Open READ: %v", err)
	}
	defer rd.Rollback()

	status, msg, err := rd.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != model.StatusRunning || msg != "dispatched" {
		t.Errorf("status = (%s, %q), want (Running, dispatched)", status, msg)
	}
	doc, _ := rd.Doc()
	if doc.CommandLine != "clustalw -infile=input.fasta" {
		t.Errorf("command line = %q", doc.CommandLine)
	}
}

func TestSecondOpenFailsFast(t *testing.T) {
	path := newDoc(t)

	txn, err := Open(path, WRITE, fastOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer txn.Rollback()

	if _, err := Open(path, READ, fastOpts()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Open error = %v, want ErrBusy", err)
	}
}

func TestOpenSucceedsAfterRelease(t *testing.T) {
	path := newDoc(t)

	txn, err := Open(path, WRITE, fastOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	second, err := Open(path, WRITE, fastOpts())
	if err != nil {
		t.Fatalf("Open after rollback: %v", err)
	}
	second.Rollback()
}

func TestCleanWriteCommitDoesNoIO(t *testing.T) {
	path := newDoc(t)

	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	txn, err := Open(path, WRITE, fastOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := txn.Doc(); err != nil {
		t.Fatalf("Doc: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("clean WRITE commit rewrote the document")
	}
}

func TestRollbackDiscardsMutations(t *testing.T) {
	path := newDoc(t)

	txn, err := Open(path, WRITE, fastOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := txn.SetStatus(model.StatusError, "boom"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	rd, err := Open(path, READ, fastOpts())
	if err != nil {
		t.Fatalf("Open READ: %v", err)
	}
	defer rd.Rollback()
	status, _, _ := rd.Status()
	if status != model.StatusSubmitted {
		t.Errorf("status after rollback = %s, want Submitted", status)
	}
}

func TestStatusMonotonicity(t *testing.T) {
	path := newDoc(t)

	txn, err := Open(path, WRITE, fastOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := txn.SetStatus(model.StatusFinished, ""); err != nil {
		t.Fatalf("SetStatus Finished: %v", err)
	}
	changed, err := txn.SetStatus(model.StatusRunning, "late poll")
	if err != nil {
		t.Fatalf("SetStatus Running: %v", err)
	}
	if changed {
		t.Error("an ended status was overwritten by a live poll")
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rd, _ := Open(path, READ, fastOpts())
	defer rd.Rollback()
	status, _, _ := rd.Status()
	if status != model.StatusFinished {
		t.Errorf("status = %s, want Finished", status)
	}
}

func TestMutatorOnReadTransaction(t *testing.T) {
	path := newDoc(t)

	rd, err := Open(path, READ, fastOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rd.Rollback()

	if _, err := rd.SetStatus(model.StatusRunning, ""); !errors.Is(err, ErrReadOnly) {
		t.Errorf("SetStatus on READ = %v, want ErrReadOnly", err)
	}
}

func TestTaskLinks_IdempotentAddStrictRemove(t *testing.T) {
	path := newDoc(t)

	txn, err := Open(path, WRITE, fastOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	link := TaskLink{TaskID: "assemble", JobKey: "sub-1"}
	if err := txn.AddTask(link); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := txn.AddTask(link); err != nil {
		t.Fatalf("AddTask twice: %v", err)
	}
	doc, _ := txn.Doc()
	if len(doc.Tasks) != 1 {
		t.Errorf("tasks = %d, want 1 (idempotent add)", len(doc.Tasks))
	}

	if err := txn.RemoveTask("assemble"); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if err := txn.RemoveTask("assemble"); !errors.Is(err, ErrNoSuchEntry) {
		t.Errorf("RemoveTask missing = %v, want ErrNoSuchEntry", err)
	}
	txn.Rollback()
}

func TestSessionEdges(t *testing.T) {
	path := newDoc(t)

	txn, err := Open(path, WRITE, fastOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer txn.Rollback()

	if err := txn.AddData(DataEntry{ID: "d1", File: "seqs.fasta"}); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	if err := txn.AddData(DataEntry{ID: "d1"}); err != nil {
		t.Fatalf("AddData twice: %v", err)
	}
	if err := txn.AddUsedBy("d1", "job-9"); err != nil {
		t.Fatalf("AddUsedBy: %v", err)
	}
	if err := txn.AddUsedBy("d1", "job-9"); err != nil {
		t.Fatalf("AddUsedBy twice: %v", err)
	}
	if err := txn.AddUsedBy("missing", "job-9"); !errors.Is(err, ErrNoSuchEntry) {
		t.Errorf("AddUsedBy on missing data = %v, want ErrNoSuchEntry", err)
	}

	doc, _ := txn.Doc()
	if len(doc.Data) != 1 || len(doc.Data[0].UsedBy) != 1 {
		t.Errorf("data catalog = %+v, want one entry with one edge", doc.Data)
	}

	if err := txn.AddJob(JobEntry{Key: "job-9", Service: "clustalw"}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := txn.RemoveJob("job-9"); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if len(doc.Data[0].UsedBy) != 0 {
		t.Errorf("usedBy edges = %v, want pruned on job removal", doc.Data[0].UsedBy)
	}
	if err := txn.RemoveJob("job-9"); !errors.Is(err, ErrNoSuchEntry) {
		t.Errorf("RemoveJob missing = %v, want ErrNoSuchEntry", err)
	}
}

// TestExclusivityHoldsAcrossCommit pins the lock to a stable inode. A
// dirty commit renames a temp file over the document, so a waiter that
// queued before the commit and a writer opening after it must still
// contend on the same lock, not on two different inodes.
func TestExclusivityHoldsAcrossCommit(t *testing.T) {
	path := newDoc(t)

	txn, err := Open(path, WRITE, fastOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := txn.SetCommandLine("clustalw -infile=input.fasta"); err != nil {
		t.Fatalf("SetCommandLine: %v", err)
	}

	// A raw flock stands in for an independently-started process; the
	// per-process open table cannot see it.
	waiter, err := os.OpenFile(lockPath(path), os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open lock file: %v", err)
	}
	defer waiter.Close()
	if err := unix.Flock(int(waiter.Fd()), unix.LOCK_EX|unix.LOCK_NB); err == nil {
		t.Fatal("waiter acquired the lock while the WRITE transaction was open")
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// The waiter now gets the lock on the same inode the commit held.
	if err := unix.Flock(int(waiter.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		t.Fatalf("waiter could not acquire the lock after commit: %v", err)
	}

	// While the waiter holds it, a fresh WRITE transaction must time
	// out instead of locking a different inode.
	if _, err := Open(path, WRITE, Options{Retries: 2, Delay: 5 * time.Millisecond}); !errors.Is(err, ErrLocked) {
		t.Errorf("Open during foreign lock = %v, want ErrLocked", err)
	}

	unix.Flock(int(waiter.Fd()), unix.LOCK_UN)
}
