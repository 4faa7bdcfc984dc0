package subsidiadb

import (
	"context"
	"path/filepath"
)

// step is one entry in an ordered lock-acquisition plan.
type step struct {
	path Path
	mode Mode
}

// buildPlan constructs the ordered lock plan for a single target: a shared
// lock on every strict ancestor root-to-target-exclusive, then the target in
// mode. Ancestors are never reordered - that is what
// makes the scheme deadlock-free across independent acquirers.
func buildPlan(target Path, mode Mode) []step {
	ancestors := target.Ancestors()
	plan := make([]step, 0, len(ancestors)+1)

	for _, a := range ancestors {
		plan = append(plan, step{path: a, mode: Shared})
	}

	plan = append(plan, step{path: target, mode: mode})

	return plan
}

// guard owns a set of held sidecar locks acquired in plan order and
// releases them in reverse order.
type guard struct {
	handles []*handle
}

// acquireGuard applies plan in order against root, using p for each step's
// lock acquisition. On any mid-acquisition failure, already-acquired
// handles are released in reverse order before the error is returned.
func acquireGuard(ctx context.Context, p *primitive, root string, plan []step) (*guard, error) {
	handles := make([]*handle, 0, len(plan))

	for _, s := range plan {
		entryPath := filepath.Join(root, s.path.String())

		h, err := p.acquire(ctx, entryPath, s.mode)
		if err != nil {
			releaseReverse(handles)
			return nil, wrap(err, s.path.String())
		}

		handles = append(handles, h)
	}

	return &guard{handles: handles}, nil
}

// release drops every held handle in reverse acquisition order, best
// effort: release errors during drop are never actionable by the caller and
// are suppressed here. release is idempotent.
func (g *guard) release() {
	releaseReverse(g.handles)
	g.handles = nil
}

func releaseReverse(handles []*handle) {
	for i := len(handles) - 1; i >= 0; i-- {
		_ = handles[i].release()
	}
}
