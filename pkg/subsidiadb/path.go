package subsidiadb

import (
	"path/filepath"
	"strings"
)

// reserved sidecar suffixes.
const (
	lockSuffix  = ".lock"
	queueSuffix = ".queue"
)

// Path is a validated, database-relative path: a non-empty sequence of
// segments, none of which is empty, ".", "..", a reserved sidecar suffix, or
// the configured scratch directory name.
//
// Paths compare as a sequence of segments (see [Path.Less]), never as a raw
// joined string - segment-wise comparison is what avoids the "/" vs file
// contents ordering trap.
//
// The zero value is not a valid Path; construct one with [NewPath].
type Path struct {
	segments []string
}

// NewPath validates and constructs a [Path] from segments. scratchDirName is
// the client's configured scratch subdirectory name (also reserved, since an
// entry by that name would collide with the scratch area).
func NewPath(scratchDirName string, segments ...string) (Path, error) {
	if len(segments) == 0 {
		return Path{}, wrap(ErrInvalidPath, "")
	}

	clean := make([]string, len(segments))

	for i, seg := range segments {
		if err := validateSegment(seg, scratchDirName); err != nil {
			return Path{}, err
		}

		clean[i] = seg
	}

	return Path{segments: clean}, nil
}

func validateSegment(seg, scratchDirName string) error {
	if seg == "" {
		return wrap(ErrInvalidPath, seg)
	}

	if seg == "." || seg == ".." {
		return wrap(ErrInvalidPath, seg)
	}

	if strings.ContainsRune(seg, filepath.Separator) || strings.ContainsRune(seg, '/') || strings.ContainsRune(seg, 0) {
		return wrap(ErrInvalidPath, seg)
	}

	if strings.HasSuffix(seg, lockSuffix) || strings.HasSuffix(seg, queueSuffix) {
		return wrap(ErrInvalidPath, seg)
	}

	if scratchDirName != "" && seg == scratchDirName {
		return wrap(ErrInvalidPath, seg)
	}

	return nil
}

// Segments returns the path's validated segments. The returned slice must
// not be mutated.
func (p Path) Segments() []string {
	return p.segments
}

// String returns the os-joined relative path, e.g. "a/b/c".
func (p Path) String() string {
	return filepath.Join(p.segments...)
}

// Less reports whether p sorts before other under segment-wise lexicographic
// comparison: segments are compared pairwise, and a path that is a strict
// prefix of another sorts before it. This guarantees every ancestor of a
// path sorts before that path - the property the transaction coordinator's
// total acquisition order relies on for deadlock freedom.
func (p Path) Less(other Path) bool {
	n := len(p.segments)
	if len(other.segments) < n {
		n = len(other.segments)
	}

	for i := range n {
		if p.segments[i] != other.segments[i] {
			return p.segments[i] < other.segments[i]
		}
	}

	return len(p.segments) < len(other.segments)
}

// Equal reports whether p and other have identical segments.
func (p Path) Equal(other Path) bool {
	if len(p.segments) != len(other.segments) {
		return false
	}

	for i, s := range p.segments {
		if s != other.segments[i] {
			return false
		}
	}

	return true
}

// Ancestors returns p's strict ancestors, root-to-parent, excluding p
// itself. The root database directory is not itself represented as a Path.
func (p Path) Ancestors() []Path {
	if len(p.segments) <= 1 {
		return nil
	}

	out := make([]Path, 0, len(p.segments)-1)

	for i := 1; i < len(p.segments); i++ {
		out = append(out, Path{segments: append([]string(nil), p.segments[:i]...)})
	}

	return out
}
