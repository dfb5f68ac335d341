// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/stepwise/internal/fsutil"
	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/metrics"
	"github.com/tombee/stepwise/internal/retry"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

// ReasonAlreadyRunning is the refusal reason for a lock held by a live process.
const ReasonAlreadyRunning = "already running"

const (
	lockSuffix = ".lock"

	// pendingGrace is how long an empty or unparsable lock file is assumed to
	// belong to a claimer that has created it but not yet written it.
	pendingGrace = 2 * time.Second
)

var (
	// ErrInvalidLock is returned when a lock file cannot be parsed.
	ErrInvalidLock = errors.New("invalid lock file")

	// ErrUnsafeDirectory is returned when the lock directory is world-writable.
	ErrUnsafeDirectory = errors.New("lock directory is world-writable")

	// ErrNotHolder is returned when a lock is held by a process other than
	// the one expected.
	ErrNotHolder = errors.New("lock is held by another process")

	// ErrReleased is returned when a released handle is used.
	ErrReleased = errors.New("lock handle already released")

	// errLockRace marks a claim attempt that lost a race and should retry.
	errLockRace = errors.New("lock changed during claim")
)

// heldError is returned by a claim attempt that found a live, plausible holder.
type heldError struct{ pid int }

func (e *heldError) Error() string { return fmt.Sprintf("%s (pid %d)", ReasonAlreadyRunning, e.pid) }

// LockerConfig contains start lock configuration.
type LockerConfig struct {
	// Dir holds one lock file per job (<root>/locks).
	Dir string

	// Retry bounds stale-removal races and transient release failures.
	Retry retry.Policy

	// Inspector defaults to SystemInspector.
	Inspector ProcessInspector

	Events  *LifecycleLogger
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Locker claims and releases per-job start locks.
type Locker struct {
	dir       string
	policy    retry.Policy
	inspector ProcessInspector
	events    *LifecycleLogger
	logger    *slog.Logger
	metrics   *metrics.Collector
}

// NewLocker creates a locker, creating the lock directory if needed.
func NewLocker(cfg LockerConfig) (*Locker, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("lock directory is required")
	}
	if err := verifyDirectorySafety(cfg.Dir); err != nil {
		return nil, fmt.Errorf("unsafe lock location: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	if cfg.Inspector == nil {
		cfg.Inspector = SystemInspector{}
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Locker{
		dir:       cfg.Dir,
		policy:    cfg.Retry,
		inspector: cfg.Inspector,
		events:    cfg.Events,
		logger:    log.WithComponent(log.OrDiscard(cfg.Logger), "lock"),
		metrics:   cfg.Metrics,
	}, nil
}

// Dir returns the lock directory.
func (l *Locker) Dir() string { return l.dir }

// LockPath returns the lock file path for jobID.
func (l *Locker) LockPath(jobID string) string {
	return filepath.Join(l.dir, jobID+lockSuffix)
}

// ClaimResult is the outcome of a claim.
type ClaimResult struct {
	Acquired  bool   `json:"acquired"`
	LockPath  string `json:"lock_path"`
	Reason    string `json:"reason,omitempty"`
	HolderPID int    `json:"holder_pid,omitempty"`
}

// lockFile is the on-disk lock format:
//
//	<pid>
//	<RFC3339 acquisition time>
//	[<live log path>]
//	[<owner label>]
//	[<holder start time>]
//	[<PID of the running step>]
//
// The start time is empty where the platform cannot report it; older
// four-line locks parse with both trailing fields unset.
type lockFile struct {
	PID        int
	AcquiredAt time.Time
	LogPath    string
	Owner      string
	Started    string
	ChildPID   int
}

func (f lockFile) encode() []byte {
	child := ""
	if f.ChildPID > 0 {
		child = strconv.Itoa(f.ChildPID)
	}
	return fmt.Appendf(nil, "%d\n%s\n%s\n%s\n%s\n%s\n",
		f.PID, f.AcquiredAt.UTC().Format(time.RFC3339), f.LogPath, f.Owner, f.Started, child)
}

func parseLock(data []byte) (lockFile, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	pidStr := strings.TrimSpace(lines[0])
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return lockFile{}, fmt.Errorf("%w: %q", ErrInvalidLock, pidStr)
	}
	if pid <= 0 {
		return lockFile{}, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidLock, pid)
	}

	lf := lockFile{PID: pid}
	if len(lines) > 1 {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err == nil {
			lf.AcquiredAt = t
		}
	}
	if len(lines) > 2 {
		lf.LogPath = strings.TrimSpace(lines[2])
	}
	if len(lines) > 3 {
		lf.Owner = strings.TrimSpace(lines[3])
	}
	if len(lines) > 4 {
		lf.Started = strings.TrimSpace(lines[4])
	}
	if len(lines) > 5 {
		if child, err := strconv.Atoi(strings.TrimSpace(lines[5])); err == nil && child > 0 {
			lf.ChildPID = child
		}
	}
	return lf, nil
}

// Claim tries to take the start lock for jobID. A lock held by a live,
// plausible process is reported through ClaimResult (Acquired false, Reason
// "already running") with a nil error; errors are reserved for I/O failures.
func (l *Locker) Claim(ctx context.Context, jobID, owner string) (*LockHandle, ClaimResult, error) {
	if err := fsutil.ValidateName("job id", jobID); err != nil {
		return nil, ClaimResult{}, &stepwiseerrors.ValidationError{Field: "job_id", Message: err.Error()}
	}

	path := l.LockPath(jobID)
	result := ClaimResult{LockPath: path}
	logger := log.WithJobContext(l.logger, jobID)

	handle, err := retry.DoValue(ctx, l.policy, isRetryableClaim, func() (*LockHandle, error) {
		return l.attempt(jobID, owner, path, logger)
	})
	if err == nil {
		result.Acquired = true
		result.HolderPID = handle.HolderPID
		l.metrics.LockClaim(metrics.LockAcquired)
		_ = l.events.LogClaim(jobID, owner)
		logger.Debug("start lock acquired", slog.String(log.LockPathKey, path))
		return handle, result, nil
	}

	var held *heldError
	if errors.As(err, &held) {
		result.Reason = ReasonAlreadyRunning
		result.HolderPID = held.pid
		l.metrics.LockClaim(metrics.LockAlreadyRunning)
		_ = l.events.LogAlreadyRunning(jobID, owner, held.pid)
		logger.Info("job already running", slog.Int(log.PIDKey, held.pid))
		return nil, result, nil
	}

	result.Reason = err.Error()
	return nil, result, fmt.Errorf("claim lock for %s: %w", jobID, err)
}

func isRetryableClaim(err error) bool {
	return errors.Is(err, errLockRace) || errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EBUSY)
}

func (l *Locker) attempt(jobID, owner, path string, logger *slog.Logger) (*LockHandle, error) {
	now := time.Now().UTC().Truncate(time.Second)
	lf := lockFile{PID: os.Getpid(), AcquiredAt: now, Owner: owner}
	lf.Started = l.startTime(lf.PID)

	err := createExclusive(path, lf.encode())
	if err == nil {
		return &LockHandle{
			JobID:      jobID,
			HolderPID:  lf.PID,
			AcquiredAt: now,
			Owner:      owner,
			started:    lf.Started,
			path:       path,
			locker:     l,
			logger:     logger,
		}, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, err
	}

	// #nosec G304 -- lock path is derived from a validated job id.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errLockRace
		}
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	info := l.inspect(jobID, path, data)
	if info.StaleReason == "" {
		if !info.Valid {
			// Another claimer is between create and write.
			return nil, errLockRace
		}
		return nil, &heldError{pid: info.HolderPID}
	}

	if _, err := l.reclaim(jobID, path, data, info.HolderPID, info.StaleReason, logger); err != nil {
		return nil, err
	}
	return nil, errLockRace
}

// createExclusive creates path with O_EXCL and writes content.
func createExclusive(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return f.Close()
}

// reclaim removes a stale lock. The file is first renamed to a private
// tombstone so that two claimers reclaiming the same stale lock cannot remove
// each other's fresh lock: if the tombstone does not hold the content that was
// judged stale, it is linked back into place.
func (l *Locker) reclaim(jobID, path string, seen []byte, holderPID int, reason string, logger *slog.Logger) (bool, error) {
	tomb := fmt.Sprintf("%s.stale-%d-%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(path, tomb); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to remove stale lock: %w", err)
	}
	defer os.Remove(tomb)

	// #nosec G304 -- tombstone is a sibling of the lock file.
	moved, err := os.ReadFile(tomb)
	if err != nil || !bytes.Equal(moved, seen) {
		if linkErr := os.Link(tomb, path); linkErr != nil {
			logger.Warn("could not restore lock replaced during reclaim", log.Error(linkErr))
		}
		return false, nil
	}

	l.metrics.LockClaim(metrics.LockStaleReclaimed)
	_ = l.events.LogStaleReclaimed(jobID, holderPID, reason)
	logger.Warn("stale lock reclaimed",
		slog.Int(log.PIDKey, holderPID),
		slog.String("reason", reason))
	return true, nil
}

// startTime returns pid's start time, or "" if the inspector cannot tell.
func (l *Locker) startTime(pid int) string {
	st, ok := l.inspector.(StartTimeInspector)
	if !ok {
		return ""
	}
	started, err := st.StartTime(pid)
	if err != nil {
		return ""
	}
	return started
}

// staleReason returns why pid cannot be holding jobID's lock, or "".
//
// When the lock recorded the holder's start time and the process still
// reports one, the two decide: a match is the original holder whatever its
// command line, a mismatch is a reused PID. Otherwise the holder's command
// line must reference the job. A holder whose command line cannot be read
// is given the benefit of the doubt.
func (l *Locker) staleReason(jobID string, pid int, started string) string {
	if pid == os.Getpid() {
		return ""
	}
	if !l.inspector.Alive(pid) {
		return fmt.Sprintf("process %d not running", pid)
	}
	if started != "" {
		if current := l.startTime(pid); current != "" {
			if current != started {
				return fmt.Sprintf("process %d is not the process that claimed the lock", pid)
			}
			return ""
		}
	}
	args, err := l.inspector.Args(pid)
	if err != nil {
		return ""
	}
	if !ReferencesJob(args, jobID) {
		return fmt.Sprintf("process %d does not reference job %s", pid, jobID)
	}
	return ""
}

// LockInfo describes the current state of a job's lock.
type LockInfo struct {
	JobID       string    `json:"job_id"`
	Path        string    `json:"lock_path"`
	Exists      bool      `json:"exists"`
	Valid       bool      `json:"valid"`
	HolderPID   int       `json:"holder_pid,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at,omitzero"`
	LogPath     string    `json:"log_path,omitempty"`
	Owner       string    `json:"owner,omitempty"`
	ChildPID    int       `json:"child_pid,omitempty"`
	Alive       bool      `json:"alive"`
	Plausible   bool      `json:"plausible"`
	StaleReason string    `json:"stale_reason,omitempty"`

	// Dedicated reports whether the holder exists only to run this job (its
	// command line names the job). A controller embedded in a longer-lived
	// process is not dedicated; stopping the job must not signal it.
	Dedicated bool `json:"dedicated"`

	started string
}

// Live reports whether the lock is held by a running, plausible holder (or
// is being written by one).
func (i *LockInfo) Live() bool { return i.Exists && i.StaleReason == "" }

// Stale reports whether the lock file exists but nobody holds it.
func (i *LockInfo) Stale() bool { return i.Exists && i.StaleReason != "" }

// Inspect reads the current lock state for jobID. A missing lock is not an
// error; the returned info has Exists false.
func (l *Locker) Inspect(jobID string) (*LockInfo, error) {
	if err := fsutil.ValidateName("job id", jobID); err != nil {
		return nil, &stepwiseerrors.ValidationError{Field: "job_id", Message: err.Error()}
	}
	path := l.LockPath(jobID)

	// #nosec G304 -- lock path is derived from a validated job id.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &LockInfo{JobID: jobID, Path: path}, nil
		}
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	info := l.inspect(jobID, path, data)
	return &info, nil
}

func (l *Locker) inspect(jobID, path string, data []byte) LockInfo {
	info := LockInfo{JobID: jobID, Path: path, Exists: true}

	lf, err := parseLock(data)
	if err != nil {
		if st, statErr := os.Stat(path); statErr == nil && time.Since(st.ModTime()) < pendingGrace {
			return info
		}
		info.StaleReason = "unparsable lock file"
		return info
	}

	info.Valid = true
	info.HolderPID = lf.PID
	info.AcquiredAt = lf.AcquiredAt
	info.LogPath = lf.LogPath
	info.Owner = lf.Owner
	info.ChildPID = lf.ChildPID
	info.started = lf.Started
	info.StaleReason = l.staleReason(jobID, lf.PID, lf.Started)
	info.Alive = lf.PID == os.Getpid() || l.inspector.Alive(lf.PID)
	info.Plausible = info.StaleReason == ""
	info.Dedicated = l.dedicated(jobID, lf.PID)
	return info
}

func (l *Locker) dedicated(jobID string, pid int) bool {
	args, err := l.inspector.Args(pid)
	if err != nil {
		// Unreadable command line: assume a dedicated runner.
		return true
	}
	return ReferencesJob(args, jobID)
}

// List inspects every lock in the directory.
func (l *Locker) List() ([]*LockInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock directory: %w", err)
	}

	var infos []*LockInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, lockSuffix) {
			continue
		}
		info, err := l.Inspect(strings.TrimSuffix(name, lockSuffix))
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// RemoveStale removes jobID's lock only if it is stale. It reports whether a
// lock was removed.
func (l *Locker) RemoveStale(jobID string) (bool, error) {
	info, err := l.Inspect(jobID)
	if err != nil {
		return false, err
	}
	if !info.Stale() {
		return false, nil
	}
	// #nosec G304 -- lock path is derived from a validated job id.
	data, err := os.ReadFile(info.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return l.reclaim(jobID, info.Path, data, info.HolderPID, info.StaleReason, log.WithJobContext(l.logger, jobID))
}

// Adopt takes over a lock that a parent controller claimed on this process's
// behalf. The lock must record this process or parentPID as its holder; it is
// rewritten with this process's PID and logPath.
func (l *Locker) Adopt(jobID string, parentPID int, logPath string) (*LockHandle, error) {
	info, err := l.Inspect(jobID)
	if err != nil {
		return nil, err
	}
	if !info.Exists || !info.Valid {
		return nil, fmt.Errorf("adopt lock for %s: %w", jobID, ErrNotHolder)
	}
	self := os.Getpid()
	if info.HolderPID != self && info.HolderPID != parentPID {
		return nil, fmt.Errorf("adopt lock for %s: %w (pid %d)", jobID, ErrNotHolder, info.HolderPID)
	}

	h := &LockHandle{
		JobID:      jobID,
		HolderPID:  info.HolderPID,
		AcquiredAt: info.AcquiredAt,
		LogPath:    info.LogPath,
		Owner:      info.Owner,
		started:    info.started,
		path:       info.Path,
		locker:     l,
		logger:     log.WithJobContext(l.logger, jobID),
	}
	if err := h.UpdateChild(self, logPath); err != nil {
		return nil, err
	}
	_ = l.events.LogAdopt(jobID, parentPID)
	return h, nil
}

// Release removes the lock file at lockPath. It is idempotent: a missing file
// is success. Transient permission errors are retried with backoff.
func (l *Locker) Release(lockPath string) error {
	jobID := strings.TrimSuffix(filepath.Base(lockPath), lockSuffix)
	err := retry.Do(context.Background(), l.policy, func(err error) bool {
		return errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EBUSY)
	}, func() error {
		err := os.Remove(lockPath)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		return err
	})
	_ = l.events.LogRelease(jobID, err)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lockPath, err)
	}
	return nil
}

// ReleaseQuietly releases lockPath and logs instead of returning failures.
func (l *Locker) ReleaseQuietly(lockPath string) {
	if err := l.Release(lockPath); err != nil {
		l.logger.Warn("lock release failed", slog.String(log.LockPathKey, lockPath), log.Error(err))
	}
}

// WaitForRelease blocks until jobID's lock is gone or stale, or ctx is done.
func (l *Locker) WaitForRelease(ctx context.Context, jobID string) error {
	released := func() bool {
		info, err := l.Inspect(jobID)
		return err == nil && !info.Live()
	}
	if released() {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("failed to watch lock directory: %w", err)
	}

	// The holder can die without touching the file; poll liveness too.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	path := l.LockPath(jobID)
	for {
		if released() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("lock watcher closed")
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
		case err, ok := <-watcher.Errors:
			if ok {
				l.logger.Debug("lock watcher error", log.Error(err))
			}
		case <-ticker.C:
		}
	}
}

// LockHandle is a held start lock. It is owned by the call stack that claimed
// it and must be released on every exit path.
type LockHandle struct {
	JobID      string    `json:"job_id"`
	HolderPID  int       `json:"holder_pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	LogPath    string    `json:"log_path,omitempty"`
	Owner      string    `json:"owner,omitempty"`
	ChildPID   int       `json:"child_pid,omitempty"`

	started string
	path    string
	locker *Locker
	logger *slog.Logger

	mu       sync.Mutex
	released bool
}

// Path returns the lock file path.
func (h *LockHandle) Path() string { return h.path }

// UpdateChild rewrites the lock with the PID of the process that now holds
// it on the job's behalf, and its live log path. The step record is cleared.
func (h *LockHandle) UpdateChild(pid int, logPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updateLocked(pid, logPath, 0)
}

func (h *LockHandle) updateLocked(pid int, logPath string, childPID int) error {
	if h.released {
		return ErrReleased
	}
	started := h.started
	if pid != h.HolderPID {
		started = h.locker.startTime(pid)
	}
	content := lockFile{
		PID:        pid,
		AcquiredAt: h.AcquiredAt,
		LogPath:    logPath,
		Owner:      h.Owner,
		Started:    started,
		ChildPID:   childPID,
	}.encode()
	if err := fsutil.WriteFileAtomic(h.path, content, 0o600); err != nil {
		return stepwiseerrors.Persistence("rewrite lock", h.path, err)
	}
	h.HolderPID = pid
	h.started = started
	h.LogPath = logPath
	h.ChildPID = childPID
	_ = h.locker.events.LogUpdateChild(h.JobID, pid, logPath)
	return nil
}

// SetLogPath rewrites the lock's live log path, keeping the holder PID.
func (h *LockHandle) SetLogPath(logPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updateLocked(h.HolderPID, logPath, h.ChildPID)
}

// SetStep records the process running the current step and its log. The
// holder is unchanged; Stop signals the step's process group when the
// holder is not dedicated to the job.
func (h *LockHandle) SetStep(pid int, logPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updateLocked(h.HolderPID, logPath, pid)
}

// Transfer hands the lock to pid (a detached runner that will release it).
// After Transfer, Release on this handle is a no-op.
func (h *LockHandle) Transfer(pid int, logPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.updateLocked(pid, logPath, 0); err != nil {
		return err
	}
	h.released = true
	return nil
}

// Release removes the lock if it still records this handle's holder. It is
// safe to call more than once.
func (h *LockHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true

	// #nosec G304 -- handle path is derived from a validated job id.
	if data, err := os.ReadFile(h.path); err == nil {
		if lf, perr := parseLock(data); perr == nil && lf.PID != h.HolderPID {
			h.logger.Warn("lock no longer ours, leaving it in place",
				slog.Int(log.PIDKey, lf.PID),
				slog.String(log.LockPathKey, h.path))
			return nil
		}
	}
	return h.locker.Release(h.path)
}

// ReleaseQuietly is Release for deferred cleanup: failures are logged.
func (h *LockHandle) ReleaseQuietly() {
	if err := h.Release(); err != nil {
		h.logger.Warn("lock release failed", slog.String(log.LockPathKey, h.path), log.Error(err))
	}
}

// verifyDirectorySafety checks that the directory is not world-writable.
func verifyDirectorySafety(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	mode := info.Mode()
	if mode&0o002 != 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, mode&os.ModePerm)
	}

	return nil
}
