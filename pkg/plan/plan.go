// Package plan builds the ordered change set for a sync run by comparing the
// library tree against the device tree.
package plan

// OpKind identifies what a planned operation does to its destination path.
type OpKind int

const (
	// OpCopy copies (or overwrites) the source file to the destination.
	OpCopy OpKind = iota
	// OpSkip records that the destination already matches the source.
	OpSkip
	// OpDeleteExtra removes a destination path absent from the source scope.
	OpDeleteExtra
)

func (k OpKind) String() string {
	switch k {
	case OpCopy:
		return "copy"
	case OpSkip:
		return "skip"
	case OpDeleteExtra:
		return "delete-extra"
	default:
		return "unknown"
	}
}

// Operation is one planned unit of work. Operations are immutable once
// planned and every destination path appears in at most one operation.
type Operation struct {
	Kind OpKind

	// SourcePath is the absolute library path. Empty for OpDeleteExtra.
	SourcePath string

	// DestPath is the absolute device path the operation targets.
	DestPath string

	// RelPath is the normalized (slash-separated) path relative to the
	// roots, shared by source and destination.
	RelPath string

	// Size is the source size for copy/skip, the on-device size for
	// delete-extra (0 for directories).
	Size int64

	// KnownHash is the source content hash captured at plan time when the
	// verifier already had it. Empty means the worker computes it.
	KnownHash string
}

// Failure records a non-fatal planning error for one path or subtree.
// Planning continues for siblings.
type Failure struct {
	Path string
	Err  error
}

// Result is the full outcome of a planning pass. Ops is ordered: copy/skip
// decisions in lexicographic source order, then every delete-extra.
type Result struct {
	Ops      []Operation
	Failures []Failure
}

// Totals sums the plan for progress accounting: the number of copies, skips
// and extras, and the byte volume the copies will move.
func (r *Result) Totals() (copies, skips, extras int, copyBytes int64) {
	for _, op := range r.Ops {
		switch op.Kind {
		case OpCopy:
			copies++
			copyBytes += op.Size
		case OpSkip:
			skips++
		case OpDeleteExtra:
			extras++
		}
	}
	return copies, skips, extras, copyBytes
}
