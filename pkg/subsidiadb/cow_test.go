package subsidiadb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/subsidiadb/pkg/sbdbfs"
)

func TestFileStage_CommitInstallsStagedContent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	scratch := filepath.Join(root, ".scratch")

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatalf("MkdirAll scratch: %v", err)
	}

	target := filepath.Join(root, "notes.md")
	if err := os.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatalf("seed target: %v", err)
	}

	fsys := sbdbfs.NewReal()

	stage, err := openFileStage(fsys, scratch, target, "notes.md")
	if err != nil {
		t.Fatalf("openFileStage: %v", err)
	}

	if err := os.WriteFile(stage.Path(), []byte("updated"), 0o644); err != nil {
		t.Fatalf("writing staged content: %v", err)
	}

	if err := stage.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading target after commit: %v", err)
	}

	if string(got) != "updated" {
		t.Fatalf("target content = %q, want %q", got, "updated")
	}

	if err := stage.Commit(); !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("second Commit: err=%v, want ErrAlreadyCommitted", err)
	}
}

func TestFileStage_ReleaseDiscardsUncommittedStage(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	scratch := filepath.Join(root, ".scratch")

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatalf("MkdirAll scratch: %v", err)
	}

	target := filepath.Join(root, "notes.md")
	if err := os.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatalf("seed target: %v", err)
	}

	fsys := sbdbfs.NewReal()

	stage, err := openFileStage(fsys, scratch, target, "notes.md")
	if err != nil {
		t.Fatalf("openFileStage: %v", err)
	}

	if err := stage.release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := os.Stat(stage.Path()); !os.IsNotExist(err) {
		t.Fatalf("staging artifact still exists after release: err=%v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading target after release: %v", err)
	}

	if string(got) != "original" {
		t.Fatalf("target content changed after release: %q", got)
	}
}

func TestDirStage_SymlinkFlip_CommitReplacesTarget(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	scratch := filepath.Join(root, ".scratch")

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatalf("MkdirAll scratch: %v", err)
	}

	target := filepath.Join(root, "notes")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatalf("seed target dir: %v", err)
	}

	if err := os.WriteFile(filepath.Join(target, "a.md"), []byte("a"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	fsys := sbdbfs.NewReal()

	stage, err := openDirStage(fsys, scratch, target, "notes", SymlinkFlip)
	if err != nil {
		t.Fatalf("openDirStage: %v", err)
	}

	if err := os.WriteFile(filepath.Join(stage.Path(), "b.md"), []byte("b"), 0o644); err != nil {
		t.Fatalf("adding staged file: %v", err)
	}

	if err := stage.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	info, err := os.Lstat(target)
	if err != nil {
		t.Fatalf("Lstat target after commit: %v", err)
	}

	if info.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("target is not a symlink after SymlinkFlip commit")
	}

	if _, err := os.Stat(filepath.Join(target, "b.md")); err != nil {
		t.Fatalf("b.md missing through symlink: %v", err)
	}

	linkTarget, err := os.Readlink(target)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}

	if filepath.Dir(linkTarget) == scratch {
		t.Fatalf("committed content directory %q still lives under the reapable scratch dir %q", linkTarget, scratch)
	}

	scratchEntries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatalf("reading scratch dir: %v", err)
	}

	if len(scratchEntries) != 0 {
		t.Fatalf("scratch dir not empty after commit: %v", scratchEntries)
	}
}

// TestDirStage_SymlinkFlip_CommitClearsPreexistingRealDirectory covers the
// first flip of an entry that is still a real directory (not yet a
// symlink): the real directory must be cleared so the rename that installs
// the new symlink doesn't fail with a directory still in its place.
func TestDirStage_SymlinkFlip_CommitClearsPreexistingRealDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	scratch := filepath.Join(root, ".scratch")

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatalf("MkdirAll scratch: %v", err)
	}

	target := filepath.Join(root, "notes")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatalf("seed target dir: %v", err)
	}

	if err := os.WriteFile(filepath.Join(target, "original.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	fsys := sbdbfs.NewReal()

	stage, err := openDirStage(fsys, scratch, target, "notes", SymlinkFlip)
	if err != nil {
		t.Fatalf("openDirStage: %v", err)
	}

	if err := stage.Commit(); err != nil {
		t.Fatalf("Commit on a pre-existing real directory: %v", err)
	}

	info, err := os.Lstat(target)
	if err != nil {
		t.Fatalf("Lstat target after commit: %v", err)
	}

	if info.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("target is not a symlink after SymlinkFlip commit")
	}

	if _, err := os.Stat(filepath.Join(target, "original.md")); err != nil {
		t.Fatalf("original.md missing through symlink: %v", err)
	}
}

func TestDirStage_TwoRename_CommitReplacesTarget(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	scratch := filepath.Join(root, ".scratch")

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatalf("MkdirAll scratch: %v", err)
	}

	target := filepath.Join(root, "notes")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatalf("seed target dir: %v", err)
	}

	fsys := sbdbfs.NewReal()

	stage, err := openDirStage(fsys, scratch, target, "notes", TwoRename)
	if err != nil {
		t.Fatalf("openDirStage: %v", err)
	}

	if err := os.WriteFile(filepath.Join(stage.Path(), "c.md"), []byte("c"), 0o644); err != nil {
		t.Fatalf("adding staged file: %v", err)
	}

	if err := stage.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	info, err := os.Lstat(target)
	if err != nil {
		t.Fatalf("Lstat target after commit: %v", err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		t.Fatalf("target became a symlink under TwoRename strategy")
	}

	if _, err := os.Stat(filepath.Join(target, "c.md")); err != nil {
		t.Fatalf("c.md missing: %v", err)
	}

	if _, err := os.Stat(target + backupSuffix); !os.IsNotExist(err) {
		t.Fatalf("backup directory left behind after successful commit: err=%v", err)
	}
}

func TestDirStage_TwoRename_InstallFailureRestoresFromBackup(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	scratch := filepath.Join(root, ".scratch")

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatalf("MkdirAll scratch: %v", err)
	}

	target := filepath.Join(root, "notes")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatalf("seed target dir: %v", err)
	}

	if err := os.WriteFile(filepath.Join(target, "original.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	fake := sbdbfs.NewFake(sbdbfs.NewReal())
	fake.FailNth("Rename", 2) // the second Rename installs staging; fail it so the best-effort restore runs

	stage, err := openDirStage(fake, scratch, target, "notes", TwoRename)
	if err != nil {
		t.Fatalf("openDirStage: %v", err)
	}

	err = stage.Commit()
	if !errors.Is(err, ErrCommitRenameFailed) {
		t.Fatalf("Commit: err=%v, want ErrCommitRenameFailed", err)
	}

	if _, statErr := os.Stat(filepath.Join(target, "original.md")); statErr != nil {
		t.Fatalf("target not restored to its pre-commit content: %v", statErr)
	}

	if _, statErr := os.Stat(target + backupSuffix); !os.IsNotExist(statErr) {
		t.Fatalf("backup directory left behind after successful restore: err=%v", statErr)
	}
}

// TestDirStage_TwoRename_BackupRemovalFailureReturnsErrBackupOrphaned covers
// the case where the commit itself succeeds (staging installed over target)
// but the final backup cleanup fails - the commit is not rolled back, and
// the caller learns about the orphaned backup via ErrBackupOrphaned.
func TestDirStage_TwoRename_BackupRemovalFailureReturnsErrBackupOrphaned(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	scratch := filepath.Join(root, ".scratch")

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatalf("MkdirAll scratch: %v", err)
	}

	target := filepath.Join(root, "notes")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatalf("seed target dir: %v", err)
	}

	fake := sbdbfs.NewFake(sbdbfs.NewReal())
	fake.FailNth("RemoveAll", 1)

	stage, err := openDirStage(fake, scratch, target, "notes", TwoRename)
	if err != nil {
		t.Fatalf("openDirStage: %v", err)
	}

	if err := os.WriteFile(filepath.Join(stage.Path(), "d.md"), []byte("d"), 0o644); err != nil {
		t.Fatalf("adding staged file: %v", err)
	}

	err = stage.Commit()
	if !errors.Is(err, ErrBackupOrphaned) {
		t.Fatalf("Commit: err=%v, want ErrBackupOrphaned", err)
	}

	if _, statErr := os.Stat(filepath.Join(target, "d.md")); statErr != nil {
		t.Fatalf("commit content missing despite successful install: %v", statErr)
	}

	if _, statErr := os.Stat(target + backupSuffix); statErr != nil {
		t.Fatalf("orphaned backup directory missing: %v", statErr)
	}
}

func TestFsyncDir_ReturnsErrorForMissingDir(t *testing.T) {
	t.Parallel()

	fsys := sbdbfs.NewReal()

	err := fsyncDir(fsys, filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("expected an error for a missing directory")
	}
}
