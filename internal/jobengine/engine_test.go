package jobengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/mobgo/internal/backend"
	"github.com/me/mobgo/internal/config"
	"github.com/me/mobgo/internal/registry"
	"github.com/me/mobgo/internal/statestore"
	"github.com/me/mobgo/internal/typesys"
	"github.com/me/mobgo/pkg/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testEngine builds an engine over a temp results dir with the given
// service definitions registered on the local server.
func testEngine(t *testing.T, defs ...string) (*Engine, *typesys.Registry) {
	t.Helper()
	logger := discardLogger()

	cfg := config.DefaultPortal()
	cfg.ResultsDir = t.TempDir()
	cfg.ResultsURL = "http://portal.example.org/results"
	cfg.AdminDir = filepath.Join(cfg.ResultsDir, "admin")
	cfg.LockRetries = 3
	cfg.LockDelay = 5 * time.Millisecond

	defDir := t.TempDir()
	for i, def := range defs {
		path := filepath.Join(defDir, fmt.Sprintf("def%d.yaml", i))
		if err := os.WriteFile(path, []byte(def), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	services := registry.New(cfg, logger)
	if err := services.Load("local", defDir); err != nil {
		t.Fatalf("Load: %v", err)
	}

	types := typesys.NewRegistry(logger)
	backends := backend.NewRegistry(logger)
	backends.Register(backend.NewLocal(cfg.AdminDir, logger))

	return New(cfg, services, types, backends, logger), types
}

func readDoc(t *testing.T, job *Job) *statestore.Document {
	t.Helper()
	txn, err := statestore.Open(job.docPath(), statestore.READ, statestore.Options{
		Retries: 3, Delay: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open document: %v", err)
	}
	defer txn.Rollback()
	doc, err := txn.Doc()
	if err != nil {
		t.Fatalf("parse document: %v", err)
	}
	return doc
}

const echoDef = `
name: echoer
type: program
command: [/bin/echo]
parameters:
  - name: word
    type: String
    mandatory: true
    argpos: 10
`

func TestValidate_MissingMandatoryParameter(t *testing.T) {
	engine, _ := testEngine(t, echoDef)
	job, err := engine.Create("echoer", "local", "user@example.org", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = job.Validate()
	var user *model.UserValueError
	if !errors.As(err, &user) {
		t.Fatalf("Validate = %v, want UserValueError", err)
	}
	if user.Parameter != "word" {
		t.Errorf("offending parameter = %q, want word", user.Parameter)
	}
	if user.Message != "This parameter is mandatory" {
		t.Errorf("message = %q", user.Message)
	}

	doc := readDoc(t, job)
	if doc.Status != model.StatusError {
		t.Errorf("status = %s, want %s", doc.Status, model.StatusError)
	}
	if !strings.Contains(doc.Message, "This parameter is mandatory") {
		t.Errorf("recorded message = %q", doc.Message)
	}
}

const seqDef = `
name: aligner
type: program
command: [/bin/true]
parameters:
  - name: infile
    type: Sequence
    mandatory: true
    argpos: 10
    formats:
      - {format: FASTA}
      - {format: GENBANK}
`

func TestBindFile_AcceptedFormatStoredAsIs(t *testing.T) {
	engine, _ := testEngine(t, seqDef)
	job, err := engine.Create("aligner", "local", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	content := []byte(">seq1\nACGTACGT\n>seq2\nTTGGCCAA\n")
	if err := job.BindFile("infile", typesys.Source{Name: "input.fasta", Data: content}); err != nil {
		t.Fatalf("BindFile: %v", err)
	}

	doc := readDoc(t, job)
	rec := doc.Input("infile")
	if rec == nil {
		t.Fatal("no input record persisted")
	}
	if rec.File != "input.fasta" {
		t.Errorf("stored file = %q, want the uploaded name", rec.File)
	}
	if rec.FormattedFrom != "" {
		t.Errorf("formatted_from = %q, want empty (no conversion)", rec.FormattedFrom)
	}
	if rec.Type.Format != "FASTA" {
		t.Errorf("format = %q, want FASTA", rec.Type.Format)
	}

	stored, err := os.ReadFile(filepath.Join(job.Dir, rec.File))
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if string(stored) != string(content) {
		t.Error("stored file differs from the uploaded content")
	}
}

func TestBindFile_PathSourceCarriesRawValue(t *testing.T) {
	engine, _ := testEngine(t, seqDef)
	job, err := engine.Create("aligner", "local", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	content := []byte(">seq1\nACGTACGT\n")
	srcPath := filepath.Join(t.TempDir(), "upstream.fasta")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	// A path-borne bind is how one job's output feeds the next; the
	// raw form value must survive so a delegated submission still
	// carries the file content.
	if err := job.BindFile("infile", typesys.Source{Name: "upstream.fasta", Path: srcPath}); err != nil {
		t.Fatalf("BindFile: %v", err)
	}

	params := job.backendJob(nil).Params
	if params["infile"] != string(content) {
		t.Errorf("params[infile] = %q, want the file content", params["infile"])
	}
}

const forceDef = `
name: strictaligner
type: program
command: [/bin/true]
parameters:
  - name: infile
    type: Sequence
    mandatory: true
    argpos: 10
    formats:
      - {format: PHYLIP, force: true}
`

// rewriter is a fake converter that recognizes FASTA and rewrites it
// into any requested format by prefixing a marker line.
type rewriter struct{}

func (rewriter) Name() string { return "rewriter" }

func (rewriter) Detect(path string) (string, int, bool) {
	data, err := os.ReadFile(path)
	if err != nil || !strings.HasPrefix(string(data), ">") {
		return "", 0, false
	}
	return "FASTA", strings.Count(string(data), ">"), true
}

func (rewriter) Outputs(from string) []string {
	if from == "FASTA" {
		return []string{"FASTA", "PHYLIP"}
	}
	return nil
}

func (rewriter) Convert(src, dst, fromFormat, toFormat string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, append([]byte("converted to "+toFormat+"\n"), data...), 0o644)
}

func TestBindFile_ForcedFormatConverts(t *testing.T) {
	engine, types := testEngine(t, forceDef)
	types.RegisterConverter(rewriter{})

	job, err := engine.Create("strictaligner", "local", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	content := []byte(">seq1\nACGT\n")
	if err := job.BindFile("infile", typesys.Source{Name: "input.fasta", Data: content}); err != nil {
		t.Fatalf("BindFile: %v", err)
	}

	doc := readDoc(t, job)
	rec := doc.Input("infile")
	if rec == nil {
		t.Fatal("no input record persisted")
	}
	if rec.Type.Format != "PHYLIP" {
		t.Errorf("format = %q, want PHYLIP (converted)", rec.Type.Format)
	}
	if rec.FormattedFrom != "input.fasta" {
		t.Errorf("formatted_from = %q, want the original file", rec.FormattedFrom)
	}
	if rec.File == "input.fasta" {
		t.Error("converted output must not replace the original file")
	}

	// The original is preserved untouched next to the conversion.
	original, err := os.ReadFile(filepath.Join(job.Dir, "input.fasta"))
	if err != nil {
		t.Fatalf("original file gone: %v", err)
	}
	if string(original) != string(content) {
		t.Error("original file was modified by the conversion")
	}
}

func TestBind_RejectsHiddenAndOutputParameters(t *testing.T) {
	def := `
name: fixed
type: program
command: [/bin/true]
parameters:
  - name: secret
    type: String
    hidden: true
  - name: outfile
    type: Filename
    output: true
`
	engine, _ := testEngine(t, def)
	job, err := engine.Create("fixed", "local", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, name := range []string{"secret", "outfile"} {
		err := job.Bind(name, "x")
		var user *model.UserValueError
		if !errors.As(err, &user) {
			t.Errorf("Bind(%s) = %v, want UserValueError", name, err)
		}
	}
}

func TestBind_DefaultRevertDeletesOverride(t *testing.T) {
	def := `
name: tunable
type: program
command: [/bin/true]
parameters:
  - name: gapopen
    type: Integer
    default: 10
    argpos: 10
`
	engine, _ := testEngine(t, def)
	job, err := engine.Create("tunable", "local", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := job.Bind("gapopen", "12"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if rec := readDoc(t, job).Input("gapopen"); rec == nil || rec.Value != "12" {
		t.Fatalf("override not persisted: %+v", rec)
	}

	// Reverting to the default removes the persisted override.
	if err := job.Bind("gapopen", "10"); err != nil {
		t.Fatalf("Bind default: %v", err)
	}
	if rec := readDoc(t, job).Input("gapopen"); rec != nil {
		t.Errorf("override still persisted after revert: %+v", rec)
	}
}

func TestCheckCollisions_InputRenamedOutOfTheWay(t *testing.T) {
	def := `
name: masker
type: program
command: [/bin/true]
parameters:
  - name: infile
    type: Text
    argpos: 10
  - name: outfile
    type: Text
    output: true
    filenames: "result.txt"
`
	engine, _ := testEngine(t, def)
	job, err := engine.Create("masker", "local", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The uploaded input happens to carry the output's name.
	if err := job.BindFile("infile", typesys.Source{Name: "result.txt", Data: []byte("data")}); err != nil {
		t.Fatalf("BindFile: %v", err)
	}
	if err := job.CheckCollisions(); err != nil {
		t.Fatalf("CheckCollisions: %v", err)
	}

	renamed := filepath.Join(job.Dir, "mob_result.txt_collision")
	if _, err := os.Stat(renamed); err != nil {
		t.Errorf("input not renamed out of the way: %v", err)
	}
	if rec := readDoc(t, job).Input("infile"); rec == nil || rec.File != "mob_result.txt_collision" {
		t.Errorf("rename not reflected in document: %+v", rec)
	}
}

func TestCheckCollisions_ForeignFileAborts(t *testing.T) {
	def := `
name: masker2
type: program
command: [/bin/true]
parameters:
  - name: outfile
    type: Text
    output: true
    filenames: "result.txt"
`
	engine, _ := testEngine(t, def)
	job, err := engine.Create("masker2", "local", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A file nobody bound matches the output mask.
	if err := os.WriteFile(filepath.Join(job.Dir, "result.txt"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	err = job.CheckCollisions()
	var internal *model.InternalError
	if !errors.As(err, &internal) {
		t.Errorf("CheckCollisions = %v, want internal error", err)
	}
}

func TestRun_EndToEndLocal(t *testing.T) {
	engine, _ := testEngine(t, echoDef)
	job, err := engine.Create("echoer", "local", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := job.Bind("word", "hello portal"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	status := waitForEnd(t, job)
	if status != model.StatusFinished {
		t.Fatalf("status = %s, want %s", status, model.StatusFinished)
	}

	out, err := os.ReadFile(filepath.Join(job.Dir, job.stdoutName()))
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if !strings.Contains(string(out), "hello portal") {
		t.Errorf("stdout = %q", out)
	}

	doc := readDoc(t, job)
	if doc.CommandLine != "/bin/echo hello portal" {
		t.Errorf("command line = %q", doc.CommandLine)
	}
	if doc.Output(job.stdoutName()) == nil {
		t.Error("stdout not collected as an output")
	}
	if doc.Ended == nil {
		t.Error("ended timestamp not set")
	}

	// A job runs once.
	if err := job.Run(context.Background()); err == nil {
		t.Error("second Run succeeded")
	}
}

func TestKill_StatusStaysKilled(t *testing.T) {
	def := `
name: sleeper
type: program
command: [/bin/sleep, "30"]
`
	engine, _ := testEngine(t, def)
	job, err := engine.Create("sleeper", "local", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := job.Kill(context.Background()); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	status, _, err := job.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != model.StatusKilled {
		t.Errorf("status = %s, want %s", status, model.StatusKilled)
	}

	// The backend's own view (signal death) never overwrites Killed.
	time.Sleep(100 * time.Millisecond)
	status, _, err = job.Status(context.Background())
	if err != nil {
		t.Fatalf("Status after end: %v", err)
	}
	if status != model.StatusKilled {
		t.Errorf("status after backend poll = %s, want %s", status, model.StatusKilled)
	}
}

func TestBuildCommand(t *testing.T) {
	def := `
name: phylo
type: program
command: [phylo]
parameters:
  - name: infile
    type: Text
    argpos: 10
  - name: fast
    type: Boolean
    argpos: 20
    flag: "-f"
    default: false
  - name: methods
    type: MultipleChoice
    argpos: 30
    flag: "-m"
    separator: ","
    values: [nj, ml, mp]
  - name: seed
    type: Integer
    argpos: 40
    paramfile: "seeds.txt"
`
	engine, _ := testEngine(t, def)
	job, err := engine.Create("phylo", "local", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := job.BindFile("infile", typesys.Source{Name: "in.txt", Data: []byte("x")}); err != nil {
		t.Fatalf("BindFile: %v", err)
	}
	if err := job.Bind("fast", "on"); err != nil {
		t.Fatalf("Bind fast: %v", err)
	}
	job.values["methods"] = []string{"nj", "ml"}
	if err := job.Bind("seed", "42"); err != nil {
		t.Fatalf("Bind seed: %v", err)
	}

	argv, paramfiles, err := job.buildCommand()
	if err != nil {
		t.Fatalf("buildCommand: %v", err)
	}

	want := []string{"phylo", "in.txt", "-f", "-m", "nj,ml"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv = %v, want %v", argv, want)
		}
	}
	if paramfiles["seeds.txt"] != "42\n" {
		t.Errorf("paramfile = %q, want the seed value", paramfiles["seeds.txt"])
	}
}

func TestCreate_DisabledService(t *testing.T) {
	engine, _ := testEngine(t, echoDef)
	engine.cfg.DisabledServices = []string{"local.echoer"}
	engine.services = registry.New(engine.cfg, discardLogger())

	defDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(defDir, "echoer.yaml"), []byte(echoDef), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := engine.services.Load("local", defDir); err != nil {
		t.Fatal(err)
	}

	_, err := engine.Create("echoer", "local", "", "")
	var user *model.UserValueError
	if !errors.As(err, &user) {
		t.Errorf("Create on disabled service = %v, want UserValueError", err)
	}
}

func waitForEnd(t *testing.T, job *Job) model.Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, _, err := job.Status(context.Background())
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.IsEnded() {
			return status
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not end in time")
	return model.StatusUnknown
}
