package container

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Extension is the file suffix of managed containers.
const Extension = ".parquet"

// Resource is the single owner of a managed container file. Exactly one of
// Commit or Discard takes effect: Commit hands the path to the caller, and
// Discard removes the file unless it was committed. Deferring Discard right
// after CreateTemp releases the file on every exit path.
type Resource struct {
	file      *os.File
	path      string
	committed bool
	discarded bool
}

// CreateTemp creates an empty container file in dir (os.TempDir when empty).
func CreateTemp(dir string) (*Resource, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create container dir: %w", err)
	}
	path := filepath.Join(dir, "chunks-"+uuid.NewString()+Extension)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640) //nolint:gosec // path is generated
	if err != nil {
		return nil, fmt.Errorf("create container file: %w", err)
	}
	return &Resource{file: f, path: path}, nil
}

// Path returns the file location.
func (r *Resource) Path() string { return r.path }

// File returns the sink to write into. It is nil after Commit or Discard.
func (r *Resource) File() *os.File { return r.file }

// Commit syncs and closes the file and transfers ownership of the path to
// the caller.
func (r *Resource) Commit() (string, error) {
	if r.discarded {
		return "", fmt.Errorf("commit %s: resource already discarded", r.path)
	}
	if r.committed {
		return r.path, nil
	}
	if err := r.closeFile(true); err != nil {
		return "", fmt.Errorf("commit %s: %w", r.path, err)
	}
	r.committed = true
	return r.path, nil
}

// Discard closes and removes the file. It is a no-op after Commit and safe to
// call more than once.
func (r *Resource) Discard() error {
	if r.committed || r.discarded {
		return nil
	}
	r.discarded = true
	closeErr := r.closeFile(false)
	rmErr := os.Remove(r.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	return errors.Join(closeErr, rmErr)
}

func (r *Resource) closeFile(sync bool) error {
	if r.file == nil {
		return nil
	}
	f := r.file
	r.file = nil
	if sync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}
