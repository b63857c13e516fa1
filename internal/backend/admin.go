package backend

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// The admin directory holds one transient symlink per actively
// executing local/grid job, named "<service>.<key>", pointing at the
// job's .admin directory. It is an external process inventory, not
// state: links are created at dispatch and removed on completion.

// adminLinkPath composes the inventory link path for a job.
func adminLinkPath(adminDir, service, key string) string {
	return filepath.Join(adminDir, fmt.Sprintf("%s.%s", service, key))
}

// createAdminLink registers the job in the process inventory.
func createAdminLink(adminDir string, job *Job) error {
	if adminDir == "" {
		return nil
	}
	if err := os.MkdirAll(adminDir, 0o755); err != nil {
		return fmt.Errorf("create admin dir: %w", err)
	}
	target := filepath.Join(job.Dir, ".admin")
	link := adminLinkPath(adminDir, job.Service, job.Key)
	if err := os.Symlink(target, link); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create admin link: %w", err)
	}
	return nil
}

// ReleaseAdmin drops a job's inventory link once it has ended. Grid
// jobs have no supervising process on this host, so the engine calls
// this when it records a terminal status. Idempotent.
func ReleaseAdmin(adminDir string, job *Job, logger *slog.Logger) {
	removeAdminLink(adminDir, job, logger)
}

// removeAdminLink drops the inventory link. Removal is guaranteed on
// every exit path and an already-missing link is fine.
func removeAdminLink(adminDir string, job *Job, logger *slog.Logger) {
	if adminDir == "" {
		return
	}
	link := adminLinkPath(adminDir, job.Service, job.Key)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove admin link", "link", link, "error", err)
	}
}
