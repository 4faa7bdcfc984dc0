// Package sbdbfs provides the filesystem abstraction SubsidiaDB is built on.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using the [os] package
//
// Every lock-sidecar open, copy-on-write stage, and commit rename in
// SubsidiaDB goes through an [FS] so that tests can substitute a
// fault-injecting implementation without touching the real disk.
package sbdbfs

import (
	"io"
	"os"
)

// File represents an open file descriptor.
//
// Satisfied by [os.File]. Works with anything in [io] or [bufio] that
// accepts a [io.ReadWriteCloser].
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor, used for flock(2) via syscall.
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file.
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk.
	Sync() error

	// Truncate changes the size of the file.
	Truncate(size int64) error

	// Chmod changes the mode of the file.
	Chmod(mode os.FileMode) error
}

// FS defines the filesystem operations the locking and CoW-commit layers
// need. [Real] is the production implementation; tests may substitute a
// fake to inject faults at a specific call.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// ReadDir reads a directory and returns its entries, sorted by name. See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info, following symlinks. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Lstat returns file info without following a final symlink. See [os.Lstat].
	Lstat(path string) (os.FileInfo, error)

	// Exists reports whether a path exists. Returns (false, nil) if not
	// found, (false, err) for any other stat failure.
	Exists(path string) (bool, error)

	// Symlink creates newname as a symbolic link to oldname. See [os.Symlink].
	Symlink(oldname, newname string) error

	// Readlink returns the target of a symbolic link. See [os.Readlink].
	Readlink(path string) (string, error)

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// RemoveAll deletes a path and any children. See [os.RemoveAll]. No error
	// if path doesn't exist.
	RemoveAll(path string) error

	// Rename moves/renames a file or directory. See [os.Rename]. Atomic on
	// the same filesystem.
	Rename(oldpath, newpath string) error

	// CopyFile copies src to dst byte-for-byte, creating dst if it does not
	// exist. Used to materialize CoW staging copies.
	CopyFile(src, dst string, perm os.FileMode) error

	// CopyTree recursively copies the directory tree rooted at src to dst.
	// dst is created if it does not exist; if src does not exist, dst is
	// created empty.
	CopyTree(src, dst string) error
}

// Compile-time interface check.
var _ File = (*os.File)(nil)
