package model

import (
	"fmt"
	"strings"
	"time"
)

// JobRef identifies one job: its key, its directory on disk and its
// public URL. The directory path doubles as the job's identity.
type JobRef struct {
	Key string `json:"key"`
	Dir string `json:"dir"`
	URL string `json:"url"`
}

// KeyFromURL extracts the trailing job key from a job URL.
func KeyFromURL(url string) string {
	url = strings.TrimRight(url, "/")
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}

// JobSummary is the listing projection of a job, used by list surfaces
// (index, CLI, peer protocol) only.
type JobSummary struct {
	Key     string     `json:"key"`
	Service string     `json:"service"`
	Server  string     `json:"server"`
	Status  Status     `json:"status"`
	Message string     `json:"message,omitempty"`
	Email   string     `json:"email,omitempty"`
	Created time.Time  `json:"created"`
	Ended   *time.Time `json:"ended,omitempty"`
}

// PID composes the portal-scoped identifier "server.service.key".
// It is unrelated to OS process ids.
func PID(server, service, key string) string {
	if key == "" {
		return fmt.Sprintf("%s.%s", server, service)
	}
	return fmt.Sprintf("%s.%s.%s", server, service, key)
}
