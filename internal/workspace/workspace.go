// Package workspace owns a single run's temp files. Every file name is keyed
// by a random run id so concurrent runs sharing a temp directory never
// collide, and Cleanup only removes files this run created.
package workspace

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/fsutil"
	"github.com/banshee-data/lungseg/internal/monitoring"
	"github.com/banshee-data/lungseg/internal/security"
)

// Temp file suffixes, appended to the run id.
const (
	SuffixSignal         = ".npy"
	SuffixUpload         = ".npy.enc"
	SuffixReply          = ".processed.npy.gz"
	SuffixEncryptedReply = ".processed.npy.gz.enc"
)

// Workspace is a run-scoped view of the temp directory.
type Workspace struct {
	fs  fsutil.FileSystem
	dir string
	id  string

	mu      sync.Mutex
	created []string
	cleaned bool
}

// NewID returns a fresh run id: a random UUID as 32 hex characters.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// New creates dir if needed and returns a workspace with a fresh id.
func New(fsys fsutil.FileSystem, dir string) (*Workspace, error) {
	return NewWithID(fsys, dir, NewID())
}

// NewWithID is New with a caller-chosen id.
func NewWithID(fsys fsutil.FileSystem, dir, id string) (*Workspace, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id != filepath.Base(id) {
		return nil, errs.Newf(errs.KindFileSystem, "workspace", "invalid run id %q", id)
	}
	// MkdirAll is idempotent, so two runs racing to create dir both succeed.
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindFileSystem, "workspace", "create temp dir "+dir, err)
	}
	return &Workspace{fs: fsys, dir: dir, id: id}, nil
}

// ID returns the run id.
func (w *Workspace) ID() string { return w.id }

// Dir returns the temp directory.
func (w *Workspace) Dir() string { return w.dir }

// Path returns the temp path for suffix.
func (w *Workspace) Path(suffix string) string {
	return filepath.Join(w.dir, w.id+suffix)
}

func (w *Workspace) SignalPath() string         { return w.Path(SuffixSignal) }
func (w *Workspace) UploadPath() string         { return w.Path(SuffixUpload) }
func (w *Workspace) ReplyPath() string          { return w.Path(SuffixReply) }
func (w *Workspace) EncryptedReplyPath() string { return w.Path(SuffixEncryptedReply) }

func (w *Workspace) track(path string) error {
	if err := security.ValidateStagingPath(w.fs, path, w.dir); err != nil {
		return errs.Wrap(errs.KindFileSystem, "workspace", "", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cleaned {
		return errs.New(errs.KindFileSystem, "workspace", "workspace already cleaned up")
	}
	for _, p := range w.created {
		if p == path {
			return nil
		}
	}
	w.created = append(w.created, path)
	return nil
}

// WriteFile writes data to the temp file for suffix and records it.
func (w *Workspace) WriteFile(suffix string, data []byte) (string, error) {
	path := w.Path(suffix)
	if err := w.track(path); err != nil {
		return "", err
	}
	if err := w.fs.WriteFile(path, data, 0o600); err != nil {
		return "", errs.Wrap(errs.KindFileSystem, "workspace", "write "+path, err)
	}
	return path, nil
}

// Create opens the temp file for suffix for writing and records it.
func (w *Workspace) Create(suffix string) (io.WriteCloser, string, error) {
	path := w.Path(suffix)
	if err := w.track(path); err != nil {
		return nil, "", err
	}
	f, err := w.fs.Create(path)
	if err != nil {
		return nil, "", errs.Wrap(errs.KindFileSystem, "workspace", "create "+path, err)
	}
	return f, path, nil
}

// Open opens a recorded temp file for reading.
func (w *Workspace) Open(suffix string) (fs.File, error) {
	path := w.Path(suffix)
	f, err := w.fs.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindFileSystem, "workspace", "open "+path, err)
	}
	return f, nil
}

// FS returns the filesystem the workspace writes to.
func (w *Workspace) FS() fsutil.FileSystem { return w.fs }

// Files returns the recorded temp files in creation order.
func (w *Workspace) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.created...)
}

// CleanupReport describes what Cleanup did.
type CleanupReport struct {
	Removed []string
	Missing []string
	Failed  map[string]error
}

// OK reports whether every recorded file is gone.
func (r CleanupReport) OK() bool { return len(r.Failed) == 0 }

func (r CleanupReport) String() string {
	s := fmt.Sprintf("removed %d temp files", len(r.Removed))
	if len(r.Missing) > 0 {
		s += fmt.Sprintf(", %d already gone", len(r.Missing))
	}
	if len(r.Failed) > 0 {
		paths := make([]string, 0, len(r.Failed))
		for p := range r.Failed {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		s += fmt.Sprintf(", %d failed (%s)", len(r.Failed), strings.Join(paths, ", "))
	}
	return s
}

// Cleanup removes every recorded file. It never fails: problems are logged
// and reported, never returned as errors, and never retried. Only the first
// call does anything.
func (w *Workspace) Cleanup() CleanupReport {
	w.mu.Lock()
	files := w.created
	already := w.cleaned
	w.created = nil
	w.cleaned = true
	w.mu.Unlock()

	var r CleanupReport
	if already {
		return r
	}
	for i := len(files) - 1; i >= 0; i-- {
		p := files[i]
		err := w.fs.Remove(p)
		switch {
		case err == nil:
			r.Removed = append(r.Removed, p)
		case errors.Is(err, fs.ErrNotExist):
			r.Missing = append(r.Missing, p)
		default:
			if r.Failed == nil {
				r.Failed = make(map[string]error)
			}
			r.Failed[p] = err
			monitoring.Warnf("could not remove temp file %s: %v", p, err)
		}
	}
	monitoring.Progressf("cleaning temp files in %s: %s", w.dir, r)
	return r
}
