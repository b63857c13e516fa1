package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/me/mobgo/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

const programDef = `
name: %s
version: "1.0"
type: program
command: [%s]
parameters:
  - name: infile
    type: Sequence
    mandatory: true
    argpos: 10
    formats:
      - {format: FASTA}
  - name: outfile
    type: Filename
    output: true
    filenames: "result.aln"
`

func writeDef(t *testing.T, dir, file, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.DefaultPortal()
	cfg.ResultsURL = "http://portal.example.org/results"
	cfg.DisabledServices = []string{"local.secret*", "mirror.*"}
	cfg.AuthorizedClients = map[string][]string{
		"local.restricted": {"10.0.*"},
	}
	return New(cfg, discardLogger())
}

func TestLoad_MalformedDefinitionExcludedNotFatal(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 9; i++ {
		name := fmt.Sprintf("prog%d", i)
		writeDef(t, dir, name+".yaml", fmt.Sprintf(programDef, name, name))
	}
	writeDef(t, dir, "broken.yaml", "name: [this is: not valid\n  yaml")

	r := newRegistry(t)
	if err := r.Load("local", dir); err != nil {
		t.Fatalf("Load: %v", err)
	}

	services, err := r.Services("local")
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(services) != 9 {
		t.Errorf("cataloged services = %d, want 9 (one excluded)", len(services))
	}
}

func TestResolveService(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "clustalw.yaml", fmt.Sprintf(programDef, "clustalw", "clustalw"))

	r := newRegistry(t)
	if err := r.Load("local", dir); err != nil {
		t.Fatalf("Load: %v", err)
	}

	svc, err := r.ResolveService("clustalw", "local")
	if err != nil {
		t.Fatalf("ResolveService: %v", err)
	}
	if svc.Kind != KindProgram || svc.Version != "1.0" {
		t.Errorf("service = %+v, want program 1.0", svc)
	}
	if p := svc.Parameter("infile"); p == nil || !p.Mandatory {
		t.Errorf("infile parameter = %+v, want mandatory", p)
	}

	if _, err := r.ResolveService("absent", "local"); err == nil {
		t.Error("ResolveService resolved an unknown service")
	}
	if _, err := r.ResolveService("clustalw", "nowhere"); err == nil {
		t.Error("ResolveService resolved an unknown server")
	}
}

func TestJobPID(t *testing.T) {
	r := newRegistry(t)
	r.AddServer("mirror", "http://mirror.example.org", "http://mirror.example.org/jobs")

	pid, err := r.JobPID("http://mirror.example.org/jobs/clustalw/A00012")
	if err != nil {
		t.Fatalf("JobPID: %v", err)
	}
	if pid != "mirror.clustalw.A00012" {
		t.Errorf("JobPID = %q, want mirror.clustalw.A00012", pid)
	}

	pid, err = r.JobPID("http://portal.example.org/results/blast2/B9/")
	if err != nil {
		t.Fatalf("JobPID local: %v", err)
	}
	if pid != "local.blast2.B9" {
		t.Errorf("JobPID = %q, want local.blast2.B9", pid)
	}

	if _, err := r.JobPID("http://elsewhere.example.org/jobs/x/y"); err == nil {
		t.Error("JobPID resolved a URL no server owns")
	}
}

func TestIsDisabled(t *testing.T) {
	r := newRegistry(t)

	cases := []struct {
		id   string
		want bool
	}{
		{"local.secretprog", true},
		{"local.clustalw", false},
		{"mirror.anything", true},
	}
	for _, c := range cases {
		if got := r.IsDisabled(c.id); got != c.want {
			t.Errorf("IsDisabled(%q) = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestIsAuthorized(t *testing.T) {
	r := newRegistry(t)

	if !r.IsAuthorized("local.open", "192.168.1.5") {
		t.Error("unrestricted service refused a client")
	}
	if !r.IsAuthorized("local.restricted", "10.0.3.7") {
		t.Error("allow-listed client refused")
	}
	if r.IsAuthorized("local.restricted", "192.168.1.5") {
		t.Error("restricted service accepted an outside client")
	}
}

func TestCommandOrder(t *testing.T) {
	def := `
name: phylo
type: program
command: [phylo]
parameters:
  - paragraph: advanced
    parameters:
      - name: gapopen
        type: Integer
        argpos: 30
        flag: "-g"
  - name: infile
    type: Sequence
    argpos: 10
  - name: mode
    type: Choice
    argpos: 20
    values: [fast, slow]
`
	svc, err := ParseService([]byte(def))
	if err != nil {
		t.Fatalf("ParseService: %v", err)
	}
	order := svc.CommandOrder()
	got := make([]string, len(order))
	for i, p := range order {
		got[i] = p.Name
	}
	want := []string{"infile", "mode", "gapopen"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("CommandOrder = %v, want %v", got, want)
		}
	}
}

func TestParseService_Workflow(t *testing.T) {
	def := `
name: assemble_annotate
type: workflow
tasks:
  - id: assemble
    service: spades
  - id: annotate
    service: prokka
links:
  - {fromParam: reads, toTask: assemble, toParam: infile}
  - {fromTask: assemble, fromParam: contigs, toTask: annotate, toParam: infile}
  - {fromTask: annotate, fromParam: genome, toParam: genome}
`
	svc, err := ParseService([]byte(def))
	if err != nil {
		t.Fatalf("ParseService: %v", err)
	}
	if len(svc.Tasks) != 2 || len(svc.Links) != 3 {
		t.Errorf("graph = %d tasks, %d links, want 2, 3", len(svc.Tasks), len(svc.Links))
	}

	bad := `
name: broken
type: workflow
tasks:
  - id: a
    service: spades
links:
  - {fromTask: ghost, fromParam: x, toTask: a, toParam: y}
`
	if _, err := ParseService([]byte(bad)); err == nil {
		t.Error("ParseService accepted a link to an unknown task")
	}
}
