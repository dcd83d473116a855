package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/osvaldoandrade/codegrade/pkg/domain"
)

// Manager hands out one directory per submission under a common root.
type Manager interface {
	Prepare(submissionID int64) (string, error)
	Destroy(path string)
	PathFor(submissionID int64) string
	List() ([]Entry, error)
}

// Entry describes a workspace directory found on disk.
type Entry struct {
	SubmissionID int64
	Path         string
	ModTime      time.Time
}

type manager struct {
	root   string
	logger *slog.Logger
}

func NewManager(root string, logger *slog.Logger) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &domain.WorkspaceError{Path: root, Err: err}
	}
	return &manager{root: abs, logger: logger}, nil
}

func (m *manager) PathFor(submissionID int64) string {
	return filepath.Join(m.root, strconv.FormatInt(submissionID, 10))
}

func (m *manager) Prepare(submissionID int64) (string, error) {
	dir := m.PathFor(submissionID)

	// A crashed run for the same id may have left its directory behind.
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("stale workspace removal failed", "submission_id", submissionID, "path", dir, "err", err)
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", &domain.WorkspaceError{Path: m.root, Err: err}
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", &domain.WorkspaceError{Path: dir, Err: err}
	}
	return dir, nil
}

func (m *manager) Destroy(path string) {
	if path == "" {
		return
	}
	if !m.owns(path) {
		m.logger.Error("refusing to remove path outside workspace root", "path", path, "root", m.root)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		m.logger.Error("workspace cleanup failed", "path", path, "err", err)
	}
}

func (m *manager) List() ([]Entry, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &domain.WorkspaceError{Path: m.root, Err: err}
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{SubmissionID: id, Path: filepath.Join(m.root, e.Name()), ModTime: info.ModTime()})
	}
	return out, nil
}

// owns reports whether path is a direct child of the root.
func (m *manager) owns(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !strings.Contains(rel, string(filepath.Separator))
}

func (m *manager) String() string {
	return fmt.Sprintf("workspace.Manager(%s)", m.root)
}
