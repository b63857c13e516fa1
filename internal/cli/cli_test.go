package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/mobgo/internal/backend"
	"github.com/me/mobgo/internal/logging"
)

// fakePortal answers the delegation endpoints and records every form it
// receives.
type fakePortal struct {
	forms map[string]url.Values
	env   backend.Envelope
}

func startFakePortal(t *testing.T, env backend.Envelope) (*fakePortal, string) {
	t.Helper()
	fp := &fakePortal{forms: make(map[string]url.Values), env: env}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		fp.forms[r.URL.Path] = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fp.env)
	}))
	t.Cleanup(ts.Close)
	return fp, ts.URL
}

func TestClient_RefusalIsError(t *testing.T) {
	_, portalURL := startFakePortal(t, backend.Envelope{OK: false, Error: "service \"x\" is disabled"})
	c := NewClient(portalURL, logging.Discard())

	env, err := c.PostForm("/job_submit", url.Values{"service": {"x"}})
	if err == nil {
		t.Fatal("refusal not surfaced as an error")
	}
	if !strings.Contains(err.Error(), "disabled") {
		t.Errorf("error = %v, want the portal message carried", err)
	}
	if env == nil || env.OK {
		t.Errorf("envelope = %+v, want the refusal envelope", env)
	}
}

func TestSubmitCmd_SendsParamsAndFileContent(t *testing.T) {
	fp, portalURL := startFakePortal(t, backend.Envelope{
		OK: true, URL: "http://portal.example.org/results/echo/KEY", Status: "Pending",
	})

	seqPath := filepath.Join(t.TempDir(), "input.fasta")
	if err := os.WriteFile(seqPath, []byte(">s1\nACGT\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	root := NewRootCmd()
	root.SetArgs([]string{
		"--portal", portalURL,
		"submit", "echo", "word=hi", "seq=@" + seqPath,
		"--email", "a@example.org",
	})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	form := fp.forms["/job_submit"]
	if form == nil {
		t.Fatal("no submission received")
	}
	if got := form.Get("service"); got != "echo" {
		t.Errorf("service = %q", got)
	}
	if got := form.Get("email"); got != "a@example.org" {
		t.Errorf("email = %q", got)
	}
	if got := form.Get("param.word"); got != "hi" {
		t.Errorf("param.word = %q", got)
	}
	if got := form.Get("param.seq"); !strings.Contains(got, "ACGT") {
		t.Errorf("param.seq = %q, want the file content", got)
	}
}

func TestSubmitCmd_RejectsBareParameter(t *testing.T) {
	_, portalURL := startFakePortal(t, backend.Envelope{OK: true, URL: "u", Status: "Pending"})

	root := NewRootCmd()
	root.SetArgs([]string{"--portal", portalURL, "submit", "echo", "word"})
	if err := root.Execute(); err == nil {
		t.Fatal("parameter without = accepted")
	}
}

func TestKillCmd(t *testing.T) {
	fp, portalURL := startFakePortal(t, backend.Envelope{OK: true, Status: "Killed"})

	root := NewRootCmd()
	root.SetArgs([]string{"--portal", portalURL, "kill", "http://portal.example.org/results/echo/KEY"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	form := fp.forms["/job_kill"]
	if form == nil {
		t.Fatal("no kill received")
	}
	if got := form.Get("url"); got != "http://portal.example.org/results/echo/KEY" {
		t.Errorf("url = %q", got)
	}
}
