// Package report aggregates live progress and the terminal summary of a sync
// run. Workers push per-file events; consumers read snapshots or subscribe to
// the event stream without ever blocking the workers.
package report

import (
	"sync"
	"time"
)

// etaWindow is how many recently completed files feed the throughput
// estimate. A short window keeps the ETA responsive after a transient slow
// file instead of skewing it for the rest of the run.
const etaWindow = 16

// eventBuffer is the capacity of the push stream. A consumer that falls
// behind loses intermediate snapshots, never the terminal summary.
const eventBuffer = 64

// FailureKind classifies a recorded per-file failure.
type FailureKind string

const (
	FailPlanning    FailureKind = "planning"
	FailTransfer    FailureKind = "transfer"
	FailVerify      FailureKind = "verification"
	FailPostProcess FailureKind = "post-process"
)

// Failure is one per-file failure destined for the summary. Per-file
// failures never abort a run.
type Failure struct {
	Path   string
	Kind   FailureKind
	Reason string
}

// Outcome is the terminal state of one dispatched operation.
type Outcome int

const (
	OutcomeCopied Outcome = iota
	OutcomeSkipped
	OutcomeDeleted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCopied:
		return "copied"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of run progress.
type Snapshot struct {
	FilesDone  int
	FilesTotal int
	BytesDone  int64
	BytesTotal int64

	// CurrentFile is the most recently started in-flight file.
	CurrentFile string

	// ETASeconds estimates the remaining transfer time from a moving
	// average over the most recent completed files. Negative means no
	// estimate is available yet.
	ETASeconds float64
}

// Summary is the terminal result of a run.
type Summary struct {
	Copied           int
	Skipped          int
	DeletedExtras    int
	NotAttempted     int
	Failed           []Failure
	BytesTransferred int64
	Elapsed          time.Duration
}

type completion struct {
	bytes   int64
	elapsed time.Duration
}

// Reporter collects progress events from concurrent workers. All exported
// methods are safe for concurrent use; the critical sections are short
// enough that snapshot reads never stall writers noticeably.
type Reporter struct {
	mu sync.Mutex

	now       func() time.Time
	startedAt time.Time

	filesTotal int
	bytesTotal int64
	filesDone  int
	bytesDone  int64 // bytes of fully completed copies

	inFlight   map[string]int64 // path -> bytes written so far
	fileStarts map[string]time.Time
	current    string

	window []completion

	copied, skipped, deleted int
	notAttempted             int
	failed                   []Failure
	bytesTransferred         int64

	events chan Snapshot
	closed bool
}

// New creates an idle reporter. The run clock starts at OnPlanned.
func New() *Reporter {
	return &Reporter{
		now:        time.Now,
		inFlight:   make(map[string]int64),
		fileStarts: make(map[string]time.Time),
		events:     make(chan Snapshot, eventBuffer),
	}
}

// Events is the push stream of progress snapshots. Slow consumers drop
// intermediate snapshots; the channel closes after OnRunDone.
func (r *Reporter) Events() <-chan Snapshot {
	return r.events
}

// OnPlanned records the run totals and starts the run clock.
func (r *Reporter) OnPlanned(totalFiles int, totalBytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filesTotal = totalFiles
	r.bytesTotal = totalBytes
	r.startedAt = r.now()
	r.publishLocked()
}

// OnFileStarted marks a copy as in flight.
func (r *Reporter) OnFileStarted(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight[path] = 0
	r.fileStarts[path] = r.now()
	r.current = path
	r.publishLocked()
}

// OnFileProgress records the cumulative bytes written for an in-flight copy.
func (r *Reporter) OnFileProgress(path string, bytesSoFar int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight[path] = bytesSoFar
	r.publishLocked()
}

// OnFileDone finishes one operation with its outcome.
func (r *Reporter) OnFileDone(path string, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.filesDone++
	switch outcome {
	case OutcomeCopied:
		bytes := r.inFlight[path]
		r.bytesDone += bytes
		r.bytesTransferred += bytes
		if start, ok := r.fileStarts[path]; ok {
			r.window = append(r.window, completion{bytes: bytes, elapsed: r.now().Sub(start)})
			if len(r.window) > etaWindow {
				r.window = r.window[1:]
			}
		}
		r.copied++
	case OutcomeSkipped:
		r.skipped++
	case OutcomeDeleted:
		r.deleted++
	case OutcomeFailed:
		// Partial bytes of a failed copy do not count as done.
	}

	delete(r.inFlight, path)
	delete(r.fileStarts, path)
	if r.current == path {
		r.current = ""
	}
	r.publishLocked()
}

// OnFileAbandoned drops an in-flight copy that was cancelled mid-transfer.
// The file counts as not attempted: it is neither done nor failed, and its
// resumable state lets the next run finish it.
func (r *Reporter) OnFileAbandoned(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, path)
	delete(r.fileStarts, path)
	if r.current == path {
		r.current = ""
	}
	r.notAttempted++
	r.publishLocked()
}

// OnFailure records a per-file failure for the summary. A transfer or
// verification failure is additionally finished via OnFileDone; a
// post-process failure is not, because its copy already counted.
func (r *Reporter) OnFailure(f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, f)
}

// OnNotAttempted records operations that were never dispatched, e.g. after
// cancellation.
func (r *Reporter) OnNotAttempted(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notAttempted += n
}

// Snapshot returns the current progress view.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// OnRunDone assembles the terminal summary and closes the event stream.
func (r *Reporter) OnRunDone() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := Summary{
		Copied:           r.copied,
		Skipped:          r.skipped,
		DeletedExtras:    r.deleted,
		NotAttempted:     r.notAttempted,
		Failed:           append([]Failure(nil), r.failed...),
		BytesTransferred: r.bytesTransferred,
	}
	if !r.startedAt.IsZero() {
		summary.Elapsed = r.now().Sub(r.startedAt)
	}
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return summary
}

func (r *Reporter) snapshotLocked() Snapshot {
	snap := Snapshot{
		FilesDone:   r.filesDone,
		FilesTotal:  r.filesTotal,
		BytesDone:   r.bytesDone,
		BytesTotal:  r.bytesTotal,
		CurrentFile: r.current,
		ETASeconds:  -1,
	}
	for _, partial := range r.inFlight {
		snap.BytesDone += partial
	}

	var windowBytes int64
	var windowElapsed time.Duration
	for _, c := range r.window {
		windowBytes += c.bytes
		windowElapsed += c.elapsed
	}
	if windowBytes > 0 && windowElapsed > 0 {
		throughput := float64(windowBytes) / windowElapsed.Seconds()
		remaining := snap.BytesTotal - snap.BytesDone
		if remaining < 0 {
			remaining = 0
		}
		snap.ETASeconds = float64(remaining) / throughput
	}
	return snap
}

// publishLocked pushes a snapshot to the event stream without ever blocking
// the calling worker.
func (r *Reporter) publishLocked() {
	if r.closed {
		return
	}
	select {
	case r.events <- r.snapshotLocked():
	default:
	}
}
