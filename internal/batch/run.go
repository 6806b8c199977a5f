package batch

import (
	"sync"
	"sync/atomic"
	"time"

	"metaextract/internal/processor"
)

// RunOptions seeds a new run.
type RunOptions struct {
	ID         string
	TotalFiles int
	MaxRetries int
	RetryDelay int
	Mode       Mode
}

// Run is the context object of one batch run. Only the Runner's
// coordinating goroutine mutates its state; everyone else reads snapshots.
type Run struct {
	mu    sync.RWMutex
	state State

	processing atomic.Bool
	cancelled  atomic.Bool
	finished   atomic.Bool

	subMu       sync.Mutex
	subscribers map[int]func(State)
	nextSub     int

	done chan struct{}
}

// NewRun creates a run in the processing state with all counters zeroed.
func NewRun(opts RunOptions) *Run {
	if !opts.Mode.Valid() {
		opts.Mode = ModeSequential
	}
	r := &Run{
		state: State{
			RunID:            opts.ID,
			IsProcessing:     true,
			TotalFiles:       opts.TotalFiles,
			CurrentFileIndex: -1,
			Results:          make(map[string]map[string]any),
			Errors:           make(map[string]string),
			Retries:          make(map[string]int),
			MaxRetries:       opts.MaxRetries,
			RetryDelay:       opts.RetryDelay,
			ProcessingMode:   opts.Mode,
			StartedAt:        time.Now(),
		},
		subscribers: make(map[int]func(State)),
		done:        make(chan struct{}),
	}
	r.processing.Store(true)
	return r
}

// Restore wraps a persisted state in a run that is no longer processing.
func Restore(s State) *Run {
	r := &Run{
		state:       s.clone(),
		subscribers: make(map[int]func(State)),
		done:        make(chan struct{}),
	}
	r.state.IsProcessing = false
	r.state.CurrentFile = ""
	r.cancelled.Store(s.Cancelled)
	r.finished.Store(true)
	close(r.done)
	return r
}

func (r *Run) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.RunID
}

// IsProcessing reports whether the run is still considered active.
func (r *Run) IsProcessing() bool {
	return r.processing.Load()
}

// RequestCancel marks the run as not processing. Sequential runs stop before
// the next file; parallel work already submitted still completes. It returns
// false when the run was not processing.
func (r *Run) RequestCancel() bool {
	if !r.processing.CompareAndSwap(true, false) {
		return false
	}
	r.cancelled.Store(true)
	return true
}

// Done is closed once the runner has finished with the run.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Snapshot returns a deep copy of the current state.
func (r *Run) Snapshot() State {
	r.mu.RLock()
	s := r.state.clone()
	r.mu.RUnlock()
	s.IsProcessing = r.processing.Load()
	s.Cancelled = r.cancelled.Load()
	return s
}

// Subscribe registers fn to receive a snapshot after every state change.
// Callbacks run on the coordinating goroutine and must not block for long.
func (r *Run) Subscribe(fn func(State)) (unsubscribe func()) {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.subscribers, id)
		r.subMu.Unlock()
	}
}

func (r *Run) notify() {
	r.subMu.Lock()
	fns := make([]func(State), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()
	if len(fns) == 0 {
		return
	}
	snap := r.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

func (r *Run) begin(total int) {
	r.mu.Lock()
	r.state.TotalFiles = total
	r.mu.Unlock()
	r.notify()
}

func (r *Run) setCurrent(index int, name string) {
	r.mu.Lock()
	r.state.CurrentFileIndex = index
	r.state.CurrentFile = name
	r.mu.Unlock()
	r.notify()
}

func (r *Run) record(fileID string, res processor.Result, clearCurrent bool) {
	r.mu.Lock()
	r.state.ProcessedFiles++
	if clearCurrent {
		r.state.CurrentFile = ""
	}
	if res.Success {
		delete(r.state.Errors, fileID)
		r.state.Results[fileID] = res.Data
	} else {
		delete(r.state.Results, fileID)
		r.state.Errors[fileID] = res.Error
	}
	r.mu.Unlock()
	r.notify()
}

// finish marks the run stopped and closes Done. Only the first call has effect.
func (r *Run) finish() {
	if !r.finished.CompareAndSwap(false, true) {
		return
	}
	now := time.Now()
	r.processing.Store(false)
	r.mu.Lock()
	r.state.IsProcessing = false
	r.state.CurrentFile = ""
	r.state.Cancelled = r.cancelled.Load()
	r.state.FinishedAt = &now
	r.mu.Unlock()
	r.notify()
	close(r.done)
}
