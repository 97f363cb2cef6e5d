// Package lockfile keeps two IntakePipe processes from sharing one SQLite state
// directory. The lock is an flock, so the kernel drops it when the holder exits.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created inside the state directory.
const LockFileName = "intakepipe.lock"

// ErrLocked is matched by every *LockError.
var ErrLocked = errors.New("state directory is locked by another IntakePipe process")

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Host    string
	Started time.Time
}

func (h Holder) encode() string {
	return fmt.Sprintf("pid=%d\nhost=%s\nstarted=%s\n", h.PID, h.Host, h.Started.UTC().Format(time.RFC3339))
}

// Alive reports whether the recorded process still exists on this host.
func (h Holder) Alive() bool {
	if h.PID <= 0 {
		return false
	}
	if host, _ := os.Hostname(); h.Host != "" && host != h.Host {
		return true
	}
	proc, err := os.FindProcess(h.PID)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ParseHolder reads the key=value lines written by AcquireLock. Unknown keys
// are ignored; ok is false when no pid is present.
func ParseHolder(content string) (h Holder, ok bool) {
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, found := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !found {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil && pid > 0 {
				h.PID = pid
				ok = true
			}
		case "host":
			h.Host = val
		case "started":
			h.Started, _ = time.Parse(time.RFC3339, val)
		}
	}
	return h, ok
}

// Lock is a held state directory lock.
type Lock struct {
	file   *os.File
	path   string
	holder Holder
}

// AcquireLock takes the lock on stateDir without blocking. A second caller,
// in this process or another, gets a *LockError naming the current holder.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// No O_TRUNC: a failed attempt must leave the holder's record readable.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{Path: path, Cause: err}
		if data, readErr := os.ReadFile(path); readErr == nil {
			if h, ok := ParseHolder(string(data)); ok {
				lockErr.Holder = &h
			}
		}
		slog.Error("lockfile.AcquireLock: directory already locked", "path", path, "holder", lockErr.holderText())
		return nil, lockErr
	}

	host, _ := os.Hostname()
	holder := Holder{PID: os.Getpid(), Host: host, Started: time.Now()}
	if err := writeHolder(file, holder); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.AcquireLock: acquired", "path", path, "pid", holder.PID)
	return &Lock{file: file, path: path, holder: holder}, nil
}

func writeHolder(file *os.File, h Holder) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(h.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeHolder: sync failed", "path", file.Name(), "error", err)
	}
	return nil
}

// Holder returns the record this lock wrote.
func (l *Lock) Holder() Holder { return l.holder }

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	// Removal is best effort; the flock is already gone.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: remove failed", "path", l.path, "error", err)
	}
	l.file = nil
	slog.Info("lockfile.Release: released", "path", l.path)
	return errors.Join(errs...)
}

// LockError is returned when the directory is held by someone else.
type LockError struct {
	Path   string
	Holder *Holder
	Cause  error
}

func (e *LockError) holderText() string {
	if e.Holder == nil {
		return "unknown"
	}
	state := "running"
	if !e.Holder.Alive() {
		state = "not running"
	}
	return fmt.Sprintf("PID %d on %s since %s (%s)", e.Holder.PID, e.Holder.Host,
		e.Holder.Started.Format(time.RFC3339), state)
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another IntakePipe instance is using this state directory\n\nlock file: %s\nholder: %s", e.Path, e.holderText())
	if e.Holder != nil && !e.Holder.Alive() {
		fmt.Fprintf(&b, "\n\nThe recorded process is gone but the lock is still held, so another process inherited it.\n"+
			"Stop that process, or remove %s only if nothing else uses the directory.", e.Path)
	}
	return b.String()
}

func (e *LockError) Unwrap() []error { return []error{ErrLocked, e.Cause} }
