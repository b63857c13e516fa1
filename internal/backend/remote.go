package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/me/mobgo/pkg/model"
)

// Peer portal endpoints, relative to a server's portal base URL.
const (
	epSubmit  = "job_submit"
	epStatus  = "job_status"
	epKill    = "job_kill"
	epSubjobs = "job_subjobs"
)

// Forwarding headers. The client header carries the originating
// address through the delegation chain; the portal header identifies
// the delegating portal.
const (
	HeaderClient = "X-Mobgo-Client"
	HeaderPortal = "X-Mobgo-Portal"
)

// ServerDirectory resolves server names and job URLs to peer portal
// base URLs.
type ServerDirectory interface {
	ServerURL(name string) (string, error)
	ServerURLForJob(jobURL string) (string, error)
}

// Envelope is the wire format shared by the peer endpoints on both
// sides of a delegation.
type Envelope struct {
	OK      bool     `json:"ok"`
	URL     string   `json:"url,omitempty"`
	Status  string   `json:"status,omitempty"`
	Message string   `json:"message,omitempty"`
	Jobs    []string `json:"jobs,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Remote delegates execution to a peer portal over HTTP. The handle is
// the peer-side job URL, so any portal in a mirror set can query it.
type Remote struct {
	dir      ServerDirectory
	portalID string
	client   *http.Client
	logger   *slog.Logger
}

// NewRemote creates the remote backend.
func NewRemote(dir ServerDirectory, portalID string, logger *slog.Logger) *Remote {
	return &Remote{
		dir:      dir,
		portalID: portalID,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With("backend", "remote"),
	}
}

func (r *Remote) Name() string { return "remote" }

func (r *Remote) Submit(ctx context.Context, job *Job) (string, error) {
	base, err := r.dir.ServerURL(job.Server)
	if err != nil {
		return "", model.Internal(err)
	}

	form := url.Values{}
	form.Set("service", job.Service)
	if job.Email != "" {
		form.Set("email", job.Email)
	}
	for name, value := range job.Params {
		form.Set("param."+name, value)
	}

	env, err := r.post(ctx, base, epSubmit, form, job.ClientAddr)
	if err != nil {
		return "", err
	}
	if !env.OK || env.URL == "" {
		return "", model.Comm(endpoint(base, epSubmit),
			fmt.Errorf("peer refused submission: %s", env.Error))
	}

	r.logger.Info("job delegated",
		"service", job.Service, "server", job.Server, "url", env.URL)
	return env.URL, nil
}

// Status queries the peer for the job's state. Transport and protocol
// failures degrade to StatusUnknown so a flaky mirror never poisons
// the local record.
func (r *Remote) Status(ctx context.Context, handle string) (model.Status, string, error) {
	base, err := r.dir.ServerURLForJob(handle)
	if err != nil {
		return model.StatusUnknown, "", model.Internal(err)
	}

	form := url.Values{}
	form.Set("url", handle)
	env, err := r.post(ctx, base, epStatus, form, "")
	if err != nil {
		return model.StatusUnknown, "", err
	}
	if !env.OK {
		return model.StatusUnknown, "", model.Comm(endpoint(base, epStatus),
			fmt.Errorf("peer error: %s", env.Error))
	}

	status := model.ParseStatus(env.Status)
	if !status.IsKnown() {
		return model.StatusUnknown, env.Message, nil
	}
	return status, env.Message, nil
}

func (r *Remote) Kill(ctx context.Context, handle string) error {
	base, err := r.dir.ServerURLForJob(handle)
	if err != nil {
		return model.Internal(err)
	}

	form := url.Values{}
	form.Set("url", handle)
	env, err := r.post(ctx, base, epKill, form, "")
	if err != nil {
		return err
	}
	if !env.OK {
		return model.Comm(endpoint(base, epKill),
			fmt.Errorf("peer error: %s", env.Error))
	}
	return nil
}

// SubJobs lists the child job URLs of a delegated workflow job, for
// cascade kill and monitoring.
func (r *Remote) SubJobs(ctx context.Context, handle string) ([]string, error) {
	base, err := r.dir.ServerURLForJob(handle)
	if err != nil {
		return nil, model.Internal(err)
	}

	form := url.Values{}
	form.Set("url", handle)
	env, err := r.post(ctx, base, epSubjobs, form, "")
	if err != nil {
		return nil, err
	}
	if !env.OK {
		return nil, model.Comm(endpoint(base, epSubjobs),
			fmt.Errorf("peer error: %s", env.Error))
	}
	return env.Jobs, nil
}

// Exists probes whether a remote job directory is still present.
// The answer is three-valued: a transport failure means we do not
// know, which callers must treat differently from a definite no.
func (r *Remote) Exists(ctx context.Context, jobURL string) model.Existence {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, jobURL, nil)
	if err != nil {
		return model.ExistsUnknown
	}
	r.setHeaders(req, "")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("existence probe failed", "url", jobURL, "error", err)
		return model.ExistsUnknown
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return model.ExistsNo
	case resp.StatusCode >= 200 && resp.StatusCode < 400:
		return model.ExistsYes
	default:
		return model.ExistsUnknown
	}
}

func (r *Remote) post(ctx context.Context, base, ep string, form url.Values, clientAddr string) (*Envelope, error) {
	target := endpoint(base, ep)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, model.Internal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.setHeaders(req, clientAddr)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, model.Comm(target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, model.Comm(target, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, model.Comm(target,
			fmt.Errorf("peer answered %s", resp.Status))
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, model.Comm(target, fmt.Errorf("malformed peer response: %w", err))
	}
	return &env, nil
}

func (r *Remote) setHeaders(req *http.Request, clientAddr string) {
	req.Header.Set(HeaderPortal, r.portalID)
	if clientAddr != "" {
		req.Header.Set(HeaderClient, clientAddr)
	}
}

func endpoint(base, ep string) string {
	return strings.TrimRight(base, "/") + "/" + ep
}
