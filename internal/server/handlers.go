package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/me/mobgo/internal/backend"
	"github.com/me/mobgo/internal/index"
	"github.com/me/mobgo/internal/registry"
	"github.com/me/mobgo/internal/statestore"
	"github.com/me/mobgo/pkg/model"
)

// respond writes the delegation envelope. Protocol-level refusals are
// expressed through OK=false at HTTP 200; a non-200 answer means the
// portal itself misbehaved and is treated as a transport failure by
// peers.
func (s *Server) respond(w http.ResponseWriter, env backend.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(env)
}

func (s *Server) refuse(w http.ResponseWriter, err error) {
	s.respond(w, backend.Envelope{OK: false, Error: model.UserFacing(err)})
}

func (s *Server) refusef(w http.ResponseWriter, format string, args ...any) {
	s.respond(w, backend.Envelope{OK: false, Error: fmt.Sprintf(format, args...)})
}

// clientAddr is the originating client of a submission: the forwarded
// header when a peer delegates, the connection address otherwise.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get(backend.HeaderClient); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.refusef(w, "malformed form: %v", err)
		return
	}
	serviceName := r.PostFormValue("service")
	if serviceName == "" {
		s.refusef(w, "missing service")
		return
	}
	addr := clientAddr(r)

	svc, err := s.services.ResolveService(serviceName, "")
	if err != nil {
		s.refusef(w, "unknown service %q", serviceName)
		return
	}

	serviceID := "local." + strings.ToLower(svc.Name)
	if !s.services.IsAuthorized(serviceID, addr) {
		s.logger.Warn("submission refused",
			"service", svc.Name, "client", addr,
			"portal", r.Header.Get(backend.HeaderPortal))
		s.refusef(w, "client not authorized for %s", svc.Name)
		return
	}

	email := r.PostFormValue("email")
	params := make(map[string]string)
	for name, values := range r.PostForm {
		if p, ok := strings.CutPrefix(name, "param."); ok && len(values) > 0 {
			params[p] = values[0]
		}
	}

	if svc.Kind == registry.KindWorkflow {
		s.submitWorkflow(w, svc.Name, email, addr, params)
		return
	}
	s.submitJob(r.Context(), w, svc.Name, email, addr, params)
}

func (s *Server) submitJob(ctx context.Context, w http.ResponseWriter,
	service, email, addr string, params map[string]string) {
	job, err := s.jobs.Create(service, "", email, addr)
	if err != nil {
		s.refuse(w, err)
		return
	}
	for name, value := range params {
		if err := job.BindValue(name, value); err != nil {
			s.respond(w, backend.Envelope{OK: false, URL: job.URL, Error: model.UserFacing(err)})
			return
		}
	}

	if err := job.Run(ctx); err != nil {
		s.updateIndex(job.Dir)
		s.respond(w, backend.Envelope{OK: false, URL: job.URL, Error: model.UserFacing(err)})
		return
	}
	s.updateIndex(job.Dir)

	status, message := model.StatusPending, ""
	if doc, err := s.readDoc(job.Dir); err == nil {
		status, message = doc.Status, doc.Message
	}
	s.respond(w, backend.Envelope{
		OK: true, URL: job.URL, Status: string(status), Message: message,
	})
}

func (s *Server) submitWorkflow(w http.ResponseWriter,
	service, email, addr string, params map[string]string) {
	wf, err := s.workflows.Create(service, "", email, addr)
	if err != nil {
		s.refuse(w, err)
		return
	}
	for name, value := range params {
		if err := wf.Bind(name, value); err != nil {
			s.respond(w, backend.Envelope{OK: false, URL: wf.URL, Error: model.UserFacing(err)})
			return
		}
	}

	go s.workflows.Supervise(s.baseCtx, wf)
	s.updateIndex(wf.Dir)

	s.respond(w, backend.Envelope{
		OK: true, URL: wf.URL, Status: string(model.StatusRunning),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.jobDirOf(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.Attach(dir)
	if err != nil {
		s.refuseJobError(w, err)
		return
	}

	status, message, err := job.Status(r.Context())
	if err != nil {
		s.refuse(w, err)
		return
	}
	s.updateIndex(dir)

	s.respond(w, backend.Envelope{
		OK: true, URL: job.URL, Status: string(status), Message: message,
	})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.jobDirOf(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.Attach(dir)
	if err != nil {
		s.refuseJobError(w, err)
		return
	}

	if err := job.Kill(r.Context()); err != nil {
		s.refuse(w, err)
		return
	}
	s.updateIndex(dir)

	s.respond(w, backend.Envelope{
		OK: true, URL: job.URL, Status: string(model.StatusKilled),
	})
}

func (s *Server) handleSubJobs(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.jobDirOf(w, r)
	if !ok {
		return
	}
	doc, err := s.readDoc(dir)
	if err != nil {
		s.refuseJobError(w, err)
		return
	}

	var jobs []string
	for _, t := range doc.Tasks {
		if t.JobURL != "" {
			jobs = append(jobs, t.JobURL)
		}
	}
	s.respond(w, backend.Envelope{OK: true, URL: doc.URL, Jobs: jobs})
}

// refuseJobError distinguishes a job that does not exist from one whose
// document is momentarily locked. A busy answer tells the caller to
// retry; "unknown job" would let a supervising peer write the job off.
func (s *Server) refuseJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, statestore.ErrLocked) || errors.Is(err, statestore.ErrBusy) {
		s.refusef(w, "job is busy, retry later")
		return
	}
	s.refusef(w, "unknown job")
}

// jobDirOf resolves the "url" form field to a local job directory. A
// URL outside this portal's results base is refused; the job lives on
// whichever peer owns that base.
func (s *Server) jobDirOf(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobURL := r.PostFormValue("url")
	if jobURL == "" {
		s.refusef(w, "missing job url")
		return "", false
	}
	base := strings.TrimRight(s.cfg.ResultsURL, "/")
	if !strings.HasPrefix(jobURL, base) {
		s.refusef(w, "job URL not served by this portal")
		return "", false
	}
	rest := strings.Trim(strings.TrimPrefix(jobURL, base), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		s.refusef(w, "job URL does not name a service and key")
		return "", false
	}
	return s.jobs.JobDir(parts[0], parts[1]), true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"error": "job listing is not enabled"})
		return
	}

	q := r.URL.Query()
	f := index.Filter{
		Email:   q.Get("email"),
		Service: q.Get("service"),
	}
	if st := q.Get("status"); st != "" {
		f.Status = model.ParseStatus(st)
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = n
	}

	jobs, err := s.index.List(r.Context(), f)
	if err != nil {
		s.logger.Error("job listing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError,
			map[string]string{"error": "internal server error"})
		return
	}
	if jobs == nil {
		jobs = []model.JobSummary{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// serviceInfo is one entry of the /services listing.
type serviceInfo struct {
	Name       string   `json:"name"`
	Version    string   `json:"version,omitempty"`
	Title      string   `json:"title,omitempty"`
	Kind       string   `json:"kind"`
	Categories []string `json:"categories,omitempty"`
	Disabled   bool     `json:"disabled,omitempty"`
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	svcs, err := s.services.Services("")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			map[string]string{"error": "internal server error"})
		return
	}

	infos := make([]serviceInfo, 0, len(svcs))
	for _, svc := range svcs {
		infos = append(infos, serviceInfo{
			Name:       svc.Name,
			Version:    svc.Version,
			Title:      svc.Title,
			Kind:       string(svc.Kind),
			Categories: svc.Categories,
			Disabled:   s.services.IsDisabled("local." + strings.ToLower(svc.Name)),
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// readDoc snapshots a StateDocument under a shared lock.
func (s *Server) readDoc(dir string) (*statestore.Document, error) {
	txn, err := statestore.Open(filepath.Join(dir, statestore.DocumentName),
		statestore.READ, statestore.Options{
			Retries: s.cfg.LockRetries,
			Delay:   s.cfg.LockDelay,
			Logger:  s.logger,
		})
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()
	return txn.Doc()
}

// updateIndex mirrors a job's document into the catalog. Failures are
// logged, never surfaced: the documents stay the truth.
func (s *Server) updateIndex(dir string) {
	if s.index == nil {
		return
	}
	doc, err := s.readDoc(dir)
	if err != nil {
		s.logger.Warn("index update skipped", "dir", dir, "error", err)
		return
	}
	if err := s.index.Put(s.baseCtx, doc); err != nil {
		s.logger.Warn("index update failed", "key", doc.ID, "error", err)
	}
}
