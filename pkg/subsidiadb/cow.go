package subsidiadb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/calvinalkan/subsidiadb/pkg/sbdbfs"
)

// DirCommitStrategy selects how a directory entry's commit is installed.
// Chosen once per [Client] at construction.
type DirCommitStrategy int

const (
	// SymlinkFlip makes the target a symlink to a content directory; commit
	// renames a new symlink over the old one, which is atomic. The content
	// directory the old symlink pointed at is removed afterward.
	SymlinkFlip DirCommitStrategy = iota

	// TwoRename keeps the target a real directory: commit renames it to a
	// deterministic backup name, renames staging into place, then removes
	// the backup. Preserves path identity (no symlink) but has a
	// non-atomic window where the target transiently does not exist.
	TwoRename
)

const (
	stagedPerm    = 0o644
	stagedDirPerm = 0o755
	backupSuffix  = ".sbdb-backup"
	newLinkSuffix = ".sbdb-newlink"
	contentSuffix = ".sbdb-content-"
)

// newStagingPath returns a fresh UUID-named path under scratchDir
// ("unique name (UUID-based)").
func newStagingPath(scratchDir string) string {
	return filepath.Join(scratchDir, uuid.NewString())
}

// FileStage is the staging handle for a write guard over a file entry.
// Call [FileStage.Commit] to install the staged content atomically;
// otherwise the staged copy is discarded when the owning
// [Guard]/[Transaction] releases.
type FileStage struct {
	fs          sbdbfs.FS
	scratchPath string
	targetPath  string
	targetRel   string
	committed   bool
}

func openFileStage(fsys sbdbfs.FS, scratchDir, targetPath, targetRel string) (*FileStage, error) {
	scratchPath := newStagingPath(scratchDir)

	if err := fsys.CopyFile(targetPath, scratchPath, stagedPerm); err != nil {
		return nil, wrap(fmt.Errorf("%w: staging copy: %w", ErrStageIO, err), targetRel)
	}

	return &FileStage{fs: fsys, scratchPath: scratchPath, targetPath: targetPath, targetRel: targetRel}, nil
}

// Path returns the staging artifact's filesystem path. The caller mutates
// the entry by reading/writing this path directly.
func (s *FileStage) Path() string {
	return s.scratchPath
}

// Commit atomically installs the staged content over the target by
// renaming the staging path over it (same filesystem, atomic on POSIX).
// Commit may be called at most once.
func (s *FileStage) Commit() error {
	if s.committed {
		return wrap(ErrAlreadyCommitted, s.targetRel)
	}

	if err := s.fs.Rename(s.scratchPath, s.targetPath); err != nil {
		return wrap(fmt.Errorf("%w: %w", ErrCommitRenameFailed, err), s.targetRel)
	}

	s.committed = true
	_ = fsyncDir(s.fs, filepath.Dir(s.targetPath))

	return nil
}

// release removes the staging artifact if Commit was never called. Safe to
// call multiple times; a no-op once committed.
func (s *FileStage) release() error {
	if s.committed {
		return nil
	}

	return s.fs.Remove(s.scratchPath)
}

// DirStage is the staging handle for a write guard over a directory entry,
// implementing one of two commit strategies chosen at [Client] construction.
type DirStage struct {
	fs          sbdbfs.FS
	strategy    DirCommitStrategy
	scratchPath string
	targetPath  string
	targetRel   string
	committed   bool
}

func openDirStage(fsys sbdbfs.FS, scratchDir, targetPath, targetRel string, strategy DirCommitStrategy) (*DirStage, error) {
	scratchPath := newStagingPath(scratchDir)

	src := targetPath
	if strategy == SymlinkFlip {
		if link, err := resolveSymlinkTarget(fsys, targetPath); err == nil && link != "" {
			src = link
		}
	}

	if err := fsys.CopyTree(src, scratchPath); err != nil {
		return nil, wrap(fmt.Errorf("%w: staging copy: %w", ErrStageIO, err), targetRel)
	}

	return &DirStage{
		fs:          fsys,
		strategy:    strategy,
		scratchPath: scratchPath,
		targetPath:  targetPath,
		targetRel:   targetRel,
	}, nil
}

// resolveSymlinkTarget returns the content directory path if target is
// currently a symlink (the steady state under SymlinkFlip), or "" if it
// doesn't exist yet or isn't a symlink.
func resolveSymlinkTarget(fsys sbdbfs.FS, target string) (string, error) {
	info, err := fsys.Lstat(target)
	if err != nil {
		return "", err
	}

	if info.Mode()&os.ModeSymlink == 0 {
		return "", nil
	}

	return fsys.Readlink(target)
}

// Path returns the staging directory's filesystem path.
func (s *DirStage) Path() string {
	return s.scratchPath
}

// Commit installs the staged directory using the configured
// [DirCommitStrategy]. Commit may be called at most once.
func (s *DirStage) Commit() error {
	if s.committed {
		return wrap(ErrAlreadyCommitted, s.targetRel)
	}

	var err error
	if s.strategy == SymlinkFlip {
		err = s.commitSymlinkFlip()
	} else {
		err = s.commitTwoRename()
	}

	if err != nil {
		return err
	}

	s.committed = true

	return nil
}

// commitSymlinkFlip moves the staged content out of the reapable scratch
// area to a stable location beside the target ("materialized alongside"),
// materializes a new symlink pointing at it, then renames that symlink over
// the target in a single atomic step. On the first flip of an entry that is
// still a real directory (never yet flipped to a symlink), the real
// directory is cleared first - its content was already copied into staging
// when the stage was opened, and rename refuses to install a symlink over an
// existing non-symlink directory. The previous content directory (if any) is
// removed last - this is the one part of the commit that is not itself
// atomic, but it only ever discards already-superseded content.
func (s *DirStage) commitSymlinkFlip() error {
	oldContentDir, _ := resolveSymlinkTarget(s.fs, s.targetPath)

	contentPath := s.targetPath + contentSuffix + uuid.NewString()

	if err := s.fs.Rename(s.scratchPath, contentPath); err != nil {
		return wrap(fmt.Errorf("%w: materializing content directory: %w", ErrCommitRenameFailed, err), s.targetRel)
	}

	newLinkPath := s.targetPath + newLinkSuffix
	_ = s.fs.Remove(newLinkPath)

	if err := s.fs.Symlink(contentPath, newLinkPath); err != nil {
		_ = s.fs.RemoveAll(contentPath)
		return wrap(fmt.Errorf("%w: creating new symlink: %w", ErrCommitRenameFailed, err), s.targetRel)
	}

	if oldContentDir == "" {
		if exists, err := s.fs.Exists(s.targetPath); err != nil {
			_ = s.fs.Remove(newLinkPath)
			_ = s.fs.RemoveAll(contentPath)

			return wrap(fmt.Errorf("%w: checking target: %w", ErrStageIO, err), s.targetRel)
		} else if exists {
			if err := s.fs.RemoveAll(s.targetPath); err != nil {
				_ = s.fs.Remove(newLinkPath)
				_ = s.fs.RemoveAll(contentPath)

				return wrap(fmt.Errorf("%w: clearing existing directory: %w", ErrCommitRenameFailed, err), s.targetRel)
			}
		}
	}

	if err := s.fs.Rename(newLinkPath, s.targetPath); err != nil {
		_ = s.fs.Remove(newLinkPath)
		_ = s.fs.RemoveAll(contentPath)

		return wrap(fmt.Errorf("%w: flipping symlink: %w", ErrCommitRenameFailed, err), s.targetRel)
	}

	if oldContentDir != "" && oldContentDir != contentPath {
		_ = s.fs.RemoveAll(oldContentDir)
	}

	_ = fsyncDir(s.fs, filepath.Dir(s.targetPath))

	return nil
}

// commitTwoRename renames the target aside to a deterministic backup name,
// renames staging into its place, then removes the backup. There is a
// window after the first rename and before the second where the target
// transiently does not exist; a crash in that window leaves the backup in
// place, where [Client.RepairOrphanedBackups] can restore it ([Open] does
// not look for it).
func (s *DirStage) commitTwoRename() error {
	backupPath := s.targetPath + backupSuffix

	targetExists, err := s.fs.Exists(s.targetPath)
	if err != nil {
		return wrap(fmt.Errorf("%w: checking target: %w", ErrStageIO, err), s.targetRel)
	}

	if targetExists {
		if err := s.fs.Rename(s.targetPath, backupPath); err != nil {
			return wrap(fmt.Errorf("%w: backing up target: %w", ErrCommitRenameFailed, err), s.targetRel)
		}
	}

	if err := s.fs.Rename(s.scratchPath, s.targetPath); err != nil {
		if targetExists {
			_ = s.fs.Rename(backupPath, s.targetPath) // best-effort restore
		}

		return wrap(fmt.Errorf("%w: installing staged content: %w", ErrCommitRenameFailed, err), s.targetRel)
	}

	if targetExists {
		if err := s.fs.RemoveAll(backupPath); err != nil {
			return wrap(fmt.Errorf("%w: %w", ErrBackupOrphaned, err), s.targetRel)
		}
	}

	_ = fsyncDir(s.fs, filepath.Dir(s.targetPath))

	return nil
}

// release removes the staging artifact if Commit was never called.
func (s *DirStage) release() error {
	if s.committed {
		return nil
	}

	return s.fs.RemoveAll(s.scratchPath)
}

// fsyncDir syncs a directory's contents to disk after a rename, so the
// directory entry change itself survives a crash (not just the renamed
// file/symlink's own data). Best-effort: not every platform/filesystem
// supports fsync on a directory descriptor, and there's no defined
// distinct failure kind for it, so the commit paths discard the error it
// returns rather than surfacing it as a commit failure - the rename itself
// already succeeded.
func fsyncDir(fsys sbdbfs.FS, dir string) error {
	f, err := fsys.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Sync()
}
