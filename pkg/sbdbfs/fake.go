package sbdbfs

import (
	"errors"
	"os"
	"sync"
)

// ErrInjected is returned by a [Fake] call configured to fail.
var ErrInjected = errors.New("sbdbfs: injected failure")

// Fake wraps an [FS] and can be told to fail the Nth call to a given method
// name, to test crash-mid-commit recovery deterministically without a real
// process kill.
//
// Method names match the [FS] interface (e.g. "Rename", "CopyFile"). Only
// CopyFile, CopyTree, Rename, Symlink and RemoveAll can be made to fail; the
// other methods pass straight through to the wrapped [FS]. The zero value
// wraps nothing useful; use [NewFake].
type Fake struct {
	FS

	mu       sync.Mutex
	calls    map[string]int
	failWhen map[string]int
}

// NewFake wraps fsys so individual method calls can be made to fail.
func NewFake(fsys FS) *Fake {
	return &Fake{
		FS:       fsys,
		calls:    make(map[string]int),
		failWhen: make(map[string]int),
	}
}

// FailNth configures method to return [ErrInjected] on its nth call (1-indexed).
func (f *Fake) FailNth(method string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failWhen[method] = n
}

// trip records a call to method and reports whether it should fail.
func (f *Fake) trip(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[method]++

	return f.calls[method] == f.failWhen[method]
}

func (f *Fake) CopyFile(src, dst string, perm os.FileMode) error {
	if f.trip("CopyFile") {
		return ErrInjected
	}

	return f.FS.CopyFile(src, dst, perm)
}

func (f *Fake) CopyTree(src, dst string) error {
	if f.trip("CopyTree") {
		return ErrInjected
	}

	return f.FS.CopyTree(src, dst)
}

func (f *Fake) Rename(oldpath, newpath string) error {
	if f.trip("Rename") {
		return ErrInjected
	}

	return f.FS.Rename(oldpath, newpath)
}

func (f *Fake) Symlink(oldname, newname string) error {
	if f.trip("Symlink") {
		return ErrInjected
	}

	return f.FS.Symlink(oldname, newname)
}

func (f *Fake) RemoveAll(path string) error {
	if f.trip("RemoveAll") {
		return ErrInjected
	}

	return f.FS.RemoveAll(path)
}

// Compile-time interface check.
var _ FS = (*Fake)(nil)
