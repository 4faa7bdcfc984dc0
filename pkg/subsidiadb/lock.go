package subsidiadb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/calvinalkan/subsidiadb/pkg/sbdbfs"
)

// Mode is the lock mode requested for an entry.
type Mode int

const (
	// Shared allows multiple concurrent holders, blocks [Exclusive].
	Shared Mode = iota
	// Exclusive allows exactly one holder, blocks both [Shared] and [Exclusive].
	Exclusive
)

func (m Mode) flockType() int {
	if m == Exclusive {
		return syscall.LOCK_EX
	}

	return syscall.LOCK_SH
}

func (m Mode) openFlag() int {
	if m == Exclusive {
		return os.O_RDWR
	}

	return os.O_RDONLY
}

const (
	sidecarFilePerm = 0o600
	sidecarDirPerm  = 0o755
)

// primitive implements the per-sidecar advisory lock with the queue
// handshake: exclusively lock "<entry>.queue", then lock "<entry>.lock" in
// the requested mode, then release "<entry>.queue".
// Because every acquirer - reader or writer - briefly holds the queue lock,
// neither class can starve the other.
type primitive struct {
	fs          sbdbfs.FS
	flock       func(fd int, how int) error
	bypassAfter time.Duration // 0 disables the fairness-vs-liveness bypass
}

func newPrimitive(fsys sbdbfs.FS, bypassAfter time.Duration) *primitive {
	return &primitive{fs: fsys, flock: syscall.Flock, bypassAfter: bypassAfter}
}

// handle is a held "<entry>.lock" advisory lock. Call release to drop it.
type handle struct {
	path  string
	file  sbdbfs.File
	flock func(fd int, how int) error
}

func (h *handle) release() error {
	if h.file == nil {
		return nil
	}

	fd := int(h.file.Fd())
	unlockErr := flockRetryEINTR(h.flock, fd, syscall.LOCK_UN)
	closeErr := h.file.Close()
	h.file = nil

	return errors.Join(unlockErr, closeErr)
}

// acquire runs the queue handshake and returns a held handle on
// "<entryPath>.lock" in mode. entryPath is the full filesystem path to the
// entry (not a sidecar path).
func (p *primitive) acquire(ctx context.Context, entryPath string, mode Mode) (*handle, error) {
	queuePath := entryPath + queueSuffix
	lockPath := entryPath + lockSuffix

	queueFile, err := p.acquireQueue(ctx, queuePath)
	if err != nil {
		return nil, err
	}

	lockFile, err := p.flockPath(ctx, lockPath, mode)
	if err != nil {
		if queueFile != nil {
			_ = flockRetryEINTR(p.flock, int(queueFile.Fd()), syscall.LOCK_UN)
			_ = queueFile.Close()
		}

		return nil, err
	}

	if queueFile != nil {
		unlockErr := flockRetryEINTR(p.flock, int(queueFile.Fd()), syscall.LOCK_UN)
		closeErr := queueFile.Close()

		if unlockErr != nil || closeErr != nil {
			_ = (&handle{file: lockFile, flock: p.flock}).release()
			return nil, wrap(fmt.Errorf("%w: releasing queue lock: %w", ErrLockBackend, errors.Join(unlockErr, closeErr)), "")
		}
	}

	return &handle{path: lockPath, file: lockFile, flock: p.flock}, nil
}

// acquireQueue holds the exclusive queue lock, honoring the optional
// bypassAfter knob: if that duration elapses while still waiting for the
// queue, acquisition falls back to requesting the target lock directly
// (returning a nil queue file) rather than deadlocking behind a peer that
// crashed while holding ".queue".
func (p *primitive) acquireQueue(ctx context.Context, queuePath string) (sbdbfs.File, error) {
	if p.bypassAfter <= 0 {
		f, err := p.flockPath(ctx, queuePath, Exclusive)
		if err != nil {
			return nil, err
		}

		return f, nil
	}

	qctx, cancel := context.WithTimeout(ctx, p.bypassAfter)
	defer cancel()

	f, err := p.flockPath(qctx, queuePath, Exclusive)
	if err == nil {
		return f, nil
	}

	if errors.Is(qctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, nil // bypass: proceed straight to the target lock
	}

	return nil, err
}

// flockPath opens (creating lazily) the file at path and flocks it in mode,
// blocking until acquired, ctx is canceled, or a non-retryable error occurs.
// Uses non-blocking flock polled with capped exponential backoff so ctx
// cancellation is observable between attempts (true blocking flock can't be
// interrupted by a Go context). Reverifies the inode after each successful
// flock, since flock locks an inode, not a pathname, and the sidecar could
// in principle be replaced between open and lock.
func (p *primitive) flockPath(ctx context.Context, path string, mode Mode) (sbdbfs.File, error) {
	backoff := time.Millisecond

	for {
		if err := ctx.Err(); err != nil {
			return nil, wrap(fmt.Errorf("%w: %w", ErrAcquireTimeout, err), "")
		}

		file, err := p.openSidecar(path, mode.openFlag())
		if err != nil {
			return nil, wrap(fmt.Errorf("%w: opening %s: %w", ErrLockBackend, path, err), "")
		}

		fd := int(file.Fd())

		flockErr := flockRetryEINTR(p.flock, fd, mode.flockType()|syscall.LOCK_NB)
		if flockErr == nil {
			match, matchErr := inodeMatches(p.fs, path, file)
			if matchErr != nil {
				_ = flockRetryEINTR(p.flock, fd, syscall.LOCK_UN)
				_ = file.Close()

				if os.IsNotExist(matchErr) {
					continue // sidecar replaced between open and stat, retry
				}

				return nil, wrap(fmt.Errorf("%w: verifying lock target: %w", ErrLockBackend, matchErr), "")
			}

			if !match {
				_ = flockRetryEINTR(p.flock, fd, syscall.LOCK_UN)
				_ = file.Close()

				continue // sidecar replaced, retry on the new inode
			}

			return file, nil
		}

		_ = file.Close()

		if !isWouldBlock(flockErr) {
			return nil, wrap(fmt.Errorf("%w: %w", ErrLockBackend, flockErr), "")
		}

		select {
		case <-ctx.Done():
			return nil, wrap(fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err()), "")
		case <-time.After(backoff):
		}

		if backoff < 25*time.Millisecond {
			backoff *= 2
			if backoff > 25*time.Millisecond {
				backoff = 25 * time.Millisecond
			}
		}
	}
}

func (p *primitive) openSidecar(path string, flag int) (sbdbfs.File, error) {
	f, err := p.fs.OpenFile(path, flag|os.O_CREATE, sidecarFilePerm)
	if err == nil || !os.IsNotExist(err) {
		return f, err
	}

	if mkErr := p.fs.MkdirAll(filepath.Dir(path), sidecarDirPerm); mkErr != nil {
		return nil, mkErr
	}

	return p.fs.OpenFile(path, flag|os.O_CREATE, sidecarFilePerm)
}

// inodeMatches reports whether the already-open file f still refers to the
// inode currently found at path (see [primitive.flockPath]).
func inodeMatches(fsys sbdbfs.FS, path string, f sbdbfs.File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	pathInfo, err := fsys.Stat(path)
	if err != nil {
		return false, err
	}

	return os.SameFile(openInfo, pathInfo), nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}

// flockRetryEINTR wraps flock, retrying on EINTR (a blocking syscall
// interrupted by a signal, not a real failure).
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error

	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
