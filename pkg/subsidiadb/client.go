package subsidiadb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	natomic "github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/subsidiadb/pkg/sbdbfs"
)

// atomicWriteFile writes data to path via a temp file + rename so a reader
// never observes a partially written options file. This is a small,
// single-file write outside any database root, so it goes straight through
// natefinch/atomic rather than the scratch-dir CoW machinery in cow.go, which is
// scoped to entries under a [Client]'s root.
func atomicWriteFile(path string, data []byte) error {
	return natomic.WriteFile(path, bytes.NewReader(data))
}

const defaultScratchSubdirName = ".sbdb-scratch"

// Options configures a [Client]. The zero value is not valid; use
// [DefaultOptions] and the With* functions, or [Open] with functional
// [Option]s.
type Options struct {
	// DirCommit selects the directory commit strategy.
	DirCommit DirCommitStrategy

	// ReaderTimeout bounds how long a single-entry guard acquisition
	// ([Client.ReadFile], [Client.WriteFile], [Client.ReadDir],
	// [Client.WriteDir]) waits before returning [ErrAcquireTimeout]; it
	// applies to read and write guards alike. [TxBuilder.Begin] is bounded
	// only by the context passed to it. Zero means no deadline.
	ReaderTimeout time.Duration

	// ScratchSubdirName names the sibling scratch directory staged copies
	// are written under. Reserved as a path segment.
	ScratchSubdirName string

	// QueueBypassAfter is the fairness-vs-liveness bypass knob: if set, an
	// acquirer waiting on the queue handshake this long gives up on it and
	// requests the target lock directly, to avoid starving forever behind a
	// peer that crashed while holding ".queue". Zero disables the bypass
	// (the default, favoring fairness).
	QueueBypassAfter time.Duration
}

// DefaultOptions returns the default [Options]: [SymlinkFlip] directory
// commits, no reader timeout, scratch directory ".sbdb-scratch", and the
// queue bypass disabled.
func DefaultOptions() Options {
	return Options{
		DirCommit:         SymlinkFlip,
		ScratchSubdirName: defaultScratchSubdirName,
	}
}

// Option mutates [Options] during [Open].
type Option func(*Options)

// WithDirCommitStrategy sets the directory commit strategy.
func WithDirCommitStrategy(s DirCommitStrategy) Option {
	return func(o *Options) { o.DirCommit = s }
}

// WithReaderTimeout sets the single-entry guard acquisition deadline (see
// [Options.ReaderTimeout]).
func WithReaderTimeout(d time.Duration) Option {
	return func(o *Options) { o.ReaderTimeout = d }
}

// WithScratchSubdirName overrides the scratch directory's name.
func WithScratchSubdirName(name string) Option {
	return func(o *Options) { o.ScratchSubdirName = name }
}

// WithQueueBypassAfter sets the queue-handshake fairness-vs-liveness bypass
// duration.
func WithQueueBypassAfter(d time.Duration) Option {
	return func(o *Options) { o.QueueBypassAfter = d }
}

// optionsFile mirrors [Options] for JSONC (de)serialization via
// [LoadOptions]/[SaveOptions]. Durations are stored as Go duration strings
// ("2s", "500ms") so a human editing the file by hand writes what they mean.
type optionsFile struct {
	DirCommit         string `json:"dir_commit,omitempty"`          //nolint:tagliatelle
	ReaderTimeout     string `json:"reader_timeout,omitempty"`      //nolint:tagliatelle
	ScratchSubdirName string `json:"scratch_subdir_name,omitempty"` //nolint:tagliatelle
	QueueBypassAfter  string `json:"queue_bypass_after,omitempty"`  //nolint:tagliatelle
}

// LoadOptions reads a JSONC (JSON-with-comments) options file at path,
// overlaying it onto [DefaultOptions]. Missing fields keep their default.
// Never called implicitly by [Open].
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled configuration
	if err != nil {
		return Options{}, fmt.Errorf("subsidiadb: reading options file %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Options{}, fmt.Errorf("subsidiadb: invalid JSONC in %s: %w", path, err)
	}

	var raw optionsFile

	if err := json.Unmarshal(standardized, &raw); err != nil {
		return Options{}, fmt.Errorf("subsidiadb: invalid options JSON in %s: %w", path, err)
	}

	if raw.DirCommit != "" {
		switch raw.DirCommit {
		case "symlink":
			opts.DirCommit = SymlinkFlip
		case "two_rename":
			opts.DirCommit = TwoRename
		default:
			return Options{}, fmt.Errorf("subsidiadb: %s: unknown dir_commit %q", path, raw.DirCommit)
		}
	}

	if raw.ReaderTimeout != "" {
		d, err := time.ParseDuration(raw.ReaderTimeout)
		if err != nil {
			return Options{}, fmt.Errorf("subsidiadb: %s: invalid reader_timeout: %w", path, err)
		}

		opts.ReaderTimeout = d
	}

	if raw.ScratchSubdirName != "" {
		opts.ScratchSubdirName = raw.ScratchSubdirName
	}

	if raw.QueueBypassAfter != "" {
		d, err := time.ParseDuration(raw.QueueBypassAfter)
		if err != nil {
			return Options{}, fmt.Errorf("subsidiadb: %s: invalid queue_bypass_after: %w", path, err)
		}

		opts.QueueBypassAfter = d
	}

	return opts, nil
}

// SaveOptions writes opts to path as formatted JSON, atomically (temp file +
// rename) so a crash mid-write never leaves a truncated config file behind.
func SaveOptions(path string, opts Options) error {
	raw := optionsFile{
		ReaderTimeout:     opts.ReaderTimeout.String(),
		ScratchSubdirName: opts.ScratchSubdirName,
		QueueBypassAfter:  opts.QueueBypassAfter.String(),
	}

	if opts.DirCommit == SymlinkFlip {
		raw.DirCommit = "symlink"
	} else {
		raw.DirCommit = "two_rename"
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("subsidiadb: marshaling options: %w", err)
	}

	if err := atomicWriteFile(path, data); err != nil {
		return fmt.Errorf("subsidiadb: writing options file %s: %w", path, err)
	}

	return nil
}

// Client owns a database root and its scratch directory and hands out
// guards and transactions over it. Create one per
// process per root with [Open]. Safe for concurrent use from multiple
// goroutines: a Client's own fields are immutable after construction: only
// the guards/transactions it produces are single-owner.
type Client struct {
	root       string
	scratchDir string
	opts       Options
	fs         sbdbfs.FS
	primitive  *primitive
}

// Open opens root as a SubsidiaDB database. root must already exist and be
// a directory, or [ErrRootMissing] is returned. The scratch directory is
// created if missing.
func Open(root string, opts ...Option) (*Client, error) {
	return openWithFS(sbdbfs.NewReal(), root, opts...)
}

// openWithFS is [Open] parameterized over the filesystem, used by tests to
// inject a fault-injecting [sbdbfs.FS].
func openWithFS(fsys sbdbfs.FS, root string, opts ...Option) (*Client, error) {
	options := DefaultOptions()
	for _, o := range opts {
		o(&options)
	}

	if options.ScratchSubdirName == "" {
		options.ScratchSubdirName = defaultScratchSubdirName
	}

	info, err := fsys.Stat(root)
	if err != nil {
		return nil, wrap(fmt.Errorf("%w: %w", ErrRootMissing, err), "")
	}

	if !info.IsDir() {
		return nil, wrap(fmt.Errorf("%w: not a directory", ErrRootMissing), "")
	}

	scratchDir := filepath.Join(root, options.ScratchSubdirName)
	if err := fsys.MkdirAll(scratchDir, sidecarDirPerm); err != nil {
		return nil, wrap(fmt.Errorf("%w: creating scratch dir: %w", ErrRootMissing, err), "")
	}

	return &Client{
		root:       root,
		scratchDir: scratchDir,
		opts:       options,
		fs:         fsys,
		primitive:  newPrimitive(fsys, options.QueueBypassAfter),
	}, nil
}

// entryPath returns the absolute filesystem path for a database-relative path.
func (c *Client) entryPath(p Path) string {
	return filepath.Join(c.root, p.String())
}

func (c *Client) newPath(segments ...string) (Path, error) {
	return NewPath(c.opts.ScratchSubdirName, segments...)
}

func (c *Client) acquireCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.opts.ReaderTimeout <= 0 {
		return context.WithCancel(parent)
	}

	return context.WithTimeout(parent, c.opts.ReaderTimeout)
}

// Guard is an owning handle over a single entry's locks, returned by
// [Client.ReadFile], [Client.WriteFile], [Client.ReadDir], and
// [Client.WriteDir]. Release it with [Guard.Close] on every exit path.
type Guard struct {
	client  *Client
	path    Path
	mode    Mode
	isDir   bool
	guard   *guard
	staging releaser
}

// Path returns the absolute filesystem path of the guarded entry. The
// caller performs raw filesystem I/O directly against this path (or, for
// write guards, against the path returned by [Guard.OpenCoW]).
func (g *Guard) Path() string {
	return g.client.entryPath(g.path)
}

// OpenCoW returns a copy-on-write staging handle for a write guard. Only
// valid for guards returned by [Client.WriteFile]/[Client.WriteDir].
func (g *Guard) OpenCoW() (interface{ Commit() error }, error) {
	if g.mode != Exclusive {
		return nil, wrap(errors.New("subsidiadb: OpenCoW requires a write guard"), g.path.String())
	}

	if g.isDir {
		stage, err := openDirStage(g.client.fs, g.client.scratchDir, g.Path(), g.path.String(), g.client.opts.DirCommit)
		if err != nil {
			return nil, err
		}

		g.staging = stage

		return &dirStageHandle{stage}, nil
	}

	stage, err := openFileStage(g.client.fs, g.client.scratchDir, g.Path(), g.path.String())
	if err != nil {
		return nil, err
	}

	g.staging = stage

	return &fileStageHandle{stage}, nil
}

// fileStageHandle/dirStageHandle expose the public Path()/Commit() surface
// over *FileStage/*DirStage while keeping release() (cleanup-on-drop)
// package-private.
type fileStageHandle struct{ *FileStage }

type dirStageHandle struct{ *DirStage }

// Close releases the guard's locks and, if a staging artifact was opened but
// never committed, discards it. Idempotent; best-effort on release errors.
func (g *Guard) Close() error {
	if g.staging != nil {
		_ = g.staging.release()
		g.staging = nil
	}

	if g.guard != nil {
		g.guard.release()
		g.guard = nil
	}

	return nil
}

func (c *Client) openGuard(ctx context.Context, mode Mode, isDir bool, segments []string) (*Guard, error) {
	p, err := c.newPath(segments...)
	if err != nil {
		return nil, err
	}

	acqCtx, cancel := c.acquireCtx(ctx)
	defer cancel()

	plan := buildPlan(p, mode)

	g, err := acquireGuard(acqCtx, c.primitive, c.root, plan)
	if err != nil {
		return nil, err
	}

	return &Guard{client: c, path: p, mode: mode, isDir: isDir, guard: g}, nil
}

// ReadFile returns a read guard over the file entry at the given
// database-relative path segments.
func (c *Client) ReadFile(ctx context.Context, segments ...string) (*Guard, error) {
	return c.openGuard(ctx, Shared, false, segments)
}

// WriteFile returns a write guard over the file entry at the given
// database-relative path segments.
func (c *Client) WriteFile(ctx context.Context, segments ...string) (*Guard, error) {
	return c.openGuard(ctx, Exclusive, false, segments)
}

// ReadDir returns a read guard over the directory entry at the given
// database-relative path segments.
func (c *Client) ReadDir(ctx context.Context, segments ...string) (*Guard, error) {
	return c.openGuard(ctx, Shared, true, segments)
}

// WriteDir returns a write guard over the directory entry at the given
// database-relative path segments.
func (c *Client) WriteDir(ctx context.Context, segments ...string) (*Guard, error) {
	return c.openGuard(ctx, Exclusive, true, segments)
}

// Tx returns a new transaction builder for declaring a read/write set
// before batch-acquiring it.
func (c *Client) Tx() *TxBuilder {
	return newTxBuilder(c)
}

// PruneScratch removes scratch entries older than minAge. It is never
// called automatically by [Open]: there
// is no way for a freshly opened Client to distinguish a scratch entry
// abandoned by a crashed process from one a live peer is still staging, so
// pruning is always an explicit, opt-in call the caller makes when they have
// out-of-band knowledge (e.g. "I am the only process that ever opens this
// root").
func (c *Client) PruneScratch(minAge time.Duration) error {
	entries, err := c.fs.ReadDir(c.scratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("subsidiadb: listing scratch dir: %w", err)
	}

	cutoff := time.Now().Add(-minAge)

	var firstErr error

	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		if err := c.fs.RemoveAll(filepath.Join(c.scratchDir, e.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// RepairOrphanedBackups finds directory entries left behind by a crash
// between the two renames of the [TwoRename] commit strategy (a
// deterministically-named "<target>.sbdb-backup" whose target is missing)
// and restores them. It is opt-in for the same reason [PruneScratch] is -
// an interrupted commit's backup should only be restored once the caller
// knows no other process still holds a lock over that target.
func (c *Client) RepairOrphanedBackups(dir string) error {
	absDir := filepath.Join(c.root, dir)

	entries, err := c.fs.ReadDir(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("subsidiadb: listing %s: %w", absDir, err)
	}

	for _, e := range entries {
		name := e.Name()
		if len(name) <= len(backupSuffix) || name[len(name)-len(backupSuffix):] != backupSuffix {
			continue
		}

		target := filepath.Join(absDir, name[:len(name)-len(backupSuffix)])
		backup := filepath.Join(absDir, name)

		exists, err := c.fs.Exists(target)
		if err != nil {
			return fmt.Errorf("subsidiadb: checking %s: %w", target, err)
		}

		if exists {
			continue // target was restored/recreated since the crash; leave the backup alone
		}

		if err := c.fs.Rename(backup, target); err != nil {
			return fmt.Errorf("subsidiadb: restoring %s: %w", target, err)
		}
	}

	return nil
}
