package storage

import (
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// ErrAlreadyLocked indicates another process already holds the exclusive
// OS-level lock on this data file (spec §6: "<base>.lock").
var ErrAlreadyLocked = errors.New("storage: database already locked by another process")

// FileLock wraps the `.lock` companion file with an exclusive OS advisory
// lock, preventing the multi-process access the spec's Non-goals explicitly
// excludes.
type FileLock struct {
	flock *flock.Flock
}

// AcquireFileLock creates (if needed) and locks path exclusively, failing
// immediately rather than blocking if another process already holds it.
func AcquireFileLock(path string) (*FileLock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "storage: acquire lock file")
	}
	if !ok {
		return nil, ErrAlreadyLocked
	}
	return &FileLock{flock: fl}, nil
}

// Release unlocks the file.
func (l *FileLock) Release() error {
	return l.flock.Unlock()
}
