package subsidiadb

import "errors"

// Sentinel errors for every error kind in the design.
// Use [errors.Is] against these; use [*Error] via [errors.As] to recover the
// database-relative path the failure occurred at, when known.
var (
	// ErrInvalidPath is returned when a path contains a reserved segment,
	// an empty segment, or an absolute/relative-traversal segment.
	ErrInvalidPath = errors.New("invalid path")

	// ErrLockBackend is returned when an underlying advisory-lock syscall
	// fails for a reason other than contention (filesystem gone,
	// permission denied, and similar).
	ErrLockBackend = errors.New("lock backend failure")

	// ErrAcquireTimeout is returned when a caller-supplied deadline elapses
	// while waiting on the queue handshake or the target lock.
	ErrAcquireTimeout = errors.New("lock acquisition timed out")

	// ErrStageIO is returned when materializing a staging artifact fails, or
	// when checking the target before a directory commit fails. Cleanup of
	// an uncommitted staging artifact reports raw filesystem errors instead.
	ErrStageIO = errors.New("staging i/o failure")

	// ErrCommitRenameFailed is returned when the final installing rename of
	// a commit fails. The target is left unchanged.
	ErrCommitRenameFailed = errors.New("commit rename failed")

	// ErrAlreadyCommitted is returned when Commit is called twice on the
	// same staging handle.
	ErrAlreadyCommitted = errors.New("staging handle already committed")

	// ErrPathNotDeclared is returned when a transaction's FileCoW/DirCoW is
	// requested for a path that was not declared via Write.
	ErrPathNotDeclared = errors.New("path not declared as a write in this transaction")

	// ErrRootMissing is returned by Open when root does not exist or is not
	// a directory.
	ErrRootMissing = errors.New("root missing or not a directory")

	// ErrBackupOrphaned is returned by the two-rename directory commit
	// strategy when the final backup removal fails after the commit itself
	// succeeded. The commit is NOT rolled back: the target already holds
	// the new content. The backup directory is left in place for manual or
	// future automated cleanup.
	ErrBackupOrphaned = errors.New("commit succeeded but backup directory could not be removed")
)

// Error is the uniform error type returned by SubsidiaDB's public API when
// the database-relative path a failure occurred at is known.
//
// Error formats as "<cause> (path=<path>)" when Path is set, or just
// "<cause>" otherwise. Use [errors.Is] against the package's sentinel
// errors (e.g. [ErrInvalidPath]) to classify a failure; Error's Unwrap
// makes that work transparently.
type Error struct {
	// Path is the database-relative path the failure concerns, when known.
	Path string

	// Err is the underlying cause - normally one of this package's sentinel
	// errors, optionally wrapping a lower-level cause from the filesystem.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}

	return e.Err.Error() + " (path=" + e.Path + ")"
}

// Unwrap returns the underlying cause for use with [errors.Is]/[errors.As].
func (e *Error) Unwrap() error {
	return e.Err
}

// wrap attaches path context to err, producing an [*Error]. If err is
// already an [*Error] (checked by direct type assertion, not [errors.As],
// so we don't reach through an unrelated wrapper to find an unrelated
// *Error deeper in the chain), its cause is reused instead of double
// wrapping, and a path is never dropped once set.
func wrap(err error, path string) error {
	if err == nil {
		return nil
	}

	if existing, ok := err.(*Error); ok {
		if path == "" {
			path = existing.Path
		}

		return &Error{Path: path, Err: existing.Err}
	}

	return &Error{Path: path, Err: err}
}
