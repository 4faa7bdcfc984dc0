package sbdbfs

import (
	"io"
	"os"
	"path/filepath"
)

// Real implements [FS] using the real filesystem.
//
// All methods are pure passthroughs to the [os] package with identical
// behavior and error semantics, except [Real.Exists] (wraps [os.Lstat]),
// and [Real.CopyFile]/[Real.CopyTree] which implement byte-for-byte copies
// used to materialize copy-on-write staging artifacts.
type Real struct{}

// NewReal returns a new [Real] filesystem.
func NewReal() *Real {
	return &Real{}
}

func (r *Real) Open(path string) (File, error) {
	return os.Open(path)
}

func (r *Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (r *Real) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (r *Real) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

func (r *Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (r *Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (r *Real) Lstat(path string) (os.FileInfo, error) {
	return os.Lstat(path)
}

// Exists checks if a path exists. Returns (true, nil) if it exists,
// (false, nil) if it does not, or (false, err) for any other stat failure.
func (r *Real) Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}

func (r *Real) Symlink(oldname, newname string) error {
	return os.Symlink(oldname, newname)
}

func (r *Real) Readlink(path string) (string, error) {
	return os.Readlink(path)
}

func (r *Real) Remove(path string) error {
	return os.Remove(path)
}

func (r *Real) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (r *Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// CopyFile copies src to dst byte-for-byte. If src does not exist, dst is
// created empty. The copy is not itself atomic - callers install it via a
// subsequent rename.
func (r *Real) CopyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			out, createErr := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
			if createErr != nil {
				return createErr
			}

			return out.Close()
		}

		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(out, in)
	syncErr := out.Sync()
	closeErr := out.Close()

	if copyErr != nil {
		return copyErr
	}

	if syncErr != nil {
		return syncErr
	}

	return closeErr
}

// CopyTree recursively copies the directory tree rooted at src to dst. dst
// is created if it does not exist. If src does not exist, dst is created
// empty.
func (r *Real) CopyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dst, 0o755)
		}

		return err
	}

	if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			if err := r.CopyTree(srcPath, dstPath); err != nil {
				return err
			}

			continue
		}

		entryInfo, err := entry.Info()
		if err != nil {
			return err
		}

		if err := r.CopyFile(srcPath, dstPath, entryInfo.Mode().Perm()); err != nil {
			return err
		}
	}

	return nil
}

// Compile-time interface check.
var _ FS = (*Real)(nil)
