package subsidiadb

import (
	"context"
	"sort"
)

// TxBuilder accumulates a declared read/write set before acquiring a
// [Transaction]. The zero value is not usable; obtain one from [Client.Tx].
type TxBuilder struct {
	client *Client
	reads  map[string]Path
	writes map[string]Path
}

func newTxBuilder(c *Client) *TxBuilder {
	return &TxBuilder{client: c, reads: make(map[string]Path), writes: make(map[string]Path)}
}

// Read declares path as part of the transaction's read set.
func (b *TxBuilder) Read(segments ...string) (*TxBuilder, error) {
	p, err := NewPath(b.client.opts.ScratchSubdirName, segments...)
	if err != nil {
		return b, err
	}

	b.reads[p.String()] = p

	return b, nil
}

// Write declares path as part of the transaction's write set.
func (b *TxBuilder) Write(segments ...string) (*TxBuilder, error) {
	p, err := NewPath(b.client.opts.ScratchSubdirName, segments...)
	if err != nil {
		return b, err
	}

	b.writes[p.String()] = p

	return b, nil
}

// declared is one member of the union U = R ∪ W with its resolved mode.
type declared struct {
	path Path
	mode Mode
}

// Begin finalizes the declared read/write sets and batch-acquires them:
//  1. Compute U = R ∪ W, deduplicated; a path in both sets is Exclusive.
//  2. Sort U by [Path.Less] - the single total order every participant
//     uses, which is what guarantees deadlock freedom.
//  3. For each entry in order, acquire its ancestors (shared, deduplicated
//     across the whole declared set) and then the entry itself in its mode.
//
// On any mid-acquisition failure, previously acquired locks are released in
// reverse order before the error is returned.
func (b *TxBuilder) Begin(ctx context.Context) (*Transaction, error) {
	byPath := make(map[string]*declared, len(b.reads)+len(b.writes))

	for key, p := range b.reads {
		byPath[key] = &declared{path: p, mode: Shared}
	}

	for key, p := range b.writes {
		byPath[key] = &declared{path: p, mode: Exclusive}
	}

	entries := make([]*declared, 0, len(byPath))
	for _, d := range byPath {
		entries = append(entries, d)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].path.Less(entries[j].path) })

	// Seed with every declared path, not just ancestors seen so far: a
	// declared entry that is itself an ancestor of another declared entry
	// (e.g. Write("a") and Write("a/b")) already gets its own >=Shared lock
	// from its own entry below, so the ancestor walk below must not also
	// queue a second, redundant acquisition of it - doing so would request
	// the same "<entry>.lock" sidecar twice from one process, and a Shared
	// request on the second fd would deadlock against this process's own
	// Exclusive hold on the first.
	plan := make([]step, 0, len(entries)*2)
	acquiredAncestors := make(map[string]bool, len(entries))

	for _, d := range entries {
		acquiredAncestors[d.path.String()] = true
	}

	for _, d := range entries {
		for _, a := range d.path.Ancestors() {
			key := a.String()
			if acquiredAncestors[key] {
				continue
			}

			acquiredAncestors[key] = true
			plan = append(plan, step{path: a, mode: Shared})
		}

		plan = append(plan, step{path: d.path, mode: d.mode})
	}

	g, err := acquireGuard(ctx, b.client.primitive, b.client.root, plan)
	if err != nil {
		return nil, err
	}

	writeSet := make(map[string]Path, len(b.writes))
	for key, p := range b.writes {
		writeSet[key] = p
	}

	return &Transaction{client: b.client, guard: g, writeSet: writeSet}, nil
}

// Transaction is a held conservative-2PL lock over a declared read/write set.
// Obtain one via [TxBuilder.Begin]; release it with [Transaction.Close] once
// the caller is done reading/writing.
type Transaction struct {
	client   *Client
	guard    *guard
	writeSet map[string]Path
	stagings []releaser
}

type releaser interface {
	release() error
}

// FileCoW returns a copy-on-write staging handle for path, which must have
// been declared via [TxBuilder.Write]. Returns [ErrPathNotDeclared]
// otherwise.
func (tx *Transaction) FileCoW(path Path) (*FileStage, error) {
	if _, ok := tx.writeSet[path.String()]; !ok {
		return nil, wrap(ErrPathNotDeclared, path.String())
	}

	target := tx.client.entryPath(path)

	stage, err := openFileStage(tx.client.fs, tx.client.scratchDir, target, path.String())
	if err != nil {
		return nil, err
	}

	tx.stagings = append(tx.stagings, stage)

	return stage, nil
}

// DirCoW returns a copy-on-write staging handle for the directory at path,
// which must have been declared via [TxBuilder.Write]. Returns
// [ErrPathNotDeclared] otherwise.
func (tx *Transaction) DirCoW(path Path) (*DirStage, error) {
	if _, ok := tx.writeSet[path.String()]; !ok {
		return nil, wrap(ErrPathNotDeclared, path.String())
	}

	target := tx.client.entryPath(path)

	stage, err := openDirStage(tx.client.fs, tx.client.scratchDir, target, path.String(), tx.client.opts.DirCommit)
	if err != nil {
		return nil, err
	}

	tx.stagings = append(tx.stagings, stage)

	return stage, nil
}

// Close releases every lock held by the transaction and discards any
// staging artifact that was never committed. Idempotent; release errors are
// suppressed (best effort).
func (tx *Transaction) Close() error {
	for _, s := range tx.stagings {
		_ = s.release()
	}

	tx.stagings = nil

	if tx.guard != nil {
		tx.guard.release()
		tx.guard = nil
	}

	return nil
}
