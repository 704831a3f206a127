// Package lockfile guards a device root against concurrent sync runs. Two
// engines mirroring into the same mount would race each other's temp files
// and markers, so a run takes an exclusive JSON lock at the device root and
// releases it at finalize.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tunesync/tunesync/pkg/plog"
)

// LockFileName is the name of the lock file created at the device root.
const LockFileName = ".tunesync.lock"

// staleAfter is the age past which a leftover lock from a crashed run is
// considered abandoned and may be taken over.
var staleAfter = 24 * time.Hour

// content is what gets written into the lock file.
type content struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"startedAt"`
}

// ErrLockActive is returned when another run holds the device lock.
type ErrLockActive struct {
	PID      int
	Hostname string
	Age      time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("device is locked by PID %d on host '%s', started %s ago",
		e.PID, e.Hostname, e.Age.Truncate(time.Second))
}

// Lock represents a held device lock.
type Lock struct {
	path string
	held bool
}

// Acquire takes the device lock at dirPath. It returns *ErrLockActive when a
// live lock is present; stale locks from crashed runs are replaced.
func Acquire(dirPath string) (*Lock, error) {
	path := filepath.Join(dirPath, LockFileName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			hostname, _ := os.Hostname()
			c := content{PID: os.Getpid(), Hostname: hostname, StartedAt: time.Now().UTC()}
			enc := json.NewEncoder(f)
			if encErr := enc.Encode(&c); encErr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("could not write lock file %s: %w", path, encErr)
			}
			if err := f.Close(); err != nil {
				os.Remove(path)
				return nil, fmt.Errorf("could not close lock file %s: %w", path, err)
			}
			return &Lock{path: path, held: true}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("could not create lock file %s: %w", path, err)
		}

		// A lock exists. Read it to decide between "active" and "stale".
		existing, age, readErr := read(path)
		if readErr != nil {
			// Unreadable or corrupt lock: treat as stale.
			plog.Warn("Removing unreadable device lock", "path", path, "error", readErr)
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("could not remove corrupt lock file %s: %w", path, rmErr)
			}
			continue
		}
		if age < staleAfter {
			return nil, &ErrLockActive{PID: existing.PID, Hostname: existing.Hostname, Age: age}
		}
		plog.Warn("Taking over stale device lock", "path", path, "pid", existing.PID, "age", age.Truncate(time.Second))
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("could not remove stale lock file %s: %w", path, rmErr)
		}
	}
	return nil, fmt.Errorf("could not acquire device lock at %s after retry", path)
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not remove lock file %s: %w", l.path, err)
	}
	return nil
}

func read(path string) (content, time.Duration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return content{}, 0, err
	}
	var c content
	if err := json.Unmarshal(data, &c); err != nil {
		return content{}, 0, fmt.Errorf("corrupt lock file: %w", err)
	}
	return c, time.Since(c.StartedAt), nil
}
