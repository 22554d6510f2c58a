package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

var ErrLocked = errors.New("instance lock held")

const lockFileName = ".ladder.lock"

// InstanceLock keeps two runners from sharing one state dir.
type InstanceLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	InstanceID string
	// TakeoverEnabled lets a new runner replace a lock whose owner is gone,
	// or that is older than StaleAfter when the owner is unknown.
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
}

type lockOwner struct {
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

func AcquireInstanceLock(root string, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	path := filepath.Join(root, lockFileName)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	for attempts := 0; attempts < 3; attempts++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			owner := lockOwner{PID: os.Getpid(), InstanceID: opts.InstanceID, StartedAt: now().UTC()}
			if err := writeLockOwner(f, owner); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &InstanceLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.TakeoverEnabled {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		stale, reason, err := lockIsStale(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (stale check failed: %v)", ErrLocked, path, err)
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLocked, path, reason)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func writeLockOwner(f *os.File, owner lockOwner) error {
	if err := json.NewEncoder(f).Encode(owner); err != nil {
		return err
	}
	return f.Sync()
}

func lockIsStale(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		// unreadable owner: only age can free it, and there is no age
		return false, "unreadable_lock_owner", nil
	}
	if owner.PID > 0 {
		if processAlive(owner.PID) {
			return false, "owner_process_running", nil
		}
		return true, "owner_process_not_running", nil
	}
	if owner.StartedAt.IsZero() {
		return false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.Sub(owner.StartedAt) >= staleAfter {
		return true, "lock_age_exceeded", nil
	}
	return false, "lock_not_stale", nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "access is denied")
}

func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
