package txnz

import (
	"sync"
	"sync/atomic"
	"time"
)

// Transaction is the aggregate trace for one inbound request: the root
// segment, the mutable name-state, and a monotonic finished flag.
// Safe for concurrent use by multiple goroutines.
type Transaction struct {
	id     string
	method string
	path   string
	root   *Segment
	tracer *Tracer

	response *ResponseState

	mu          sync.Mutex
	name        nameState
	lastPattern Pattern

	finished   atomic.Bool
	finishOnce sync.Once
}

// nameState is the overwritable record of which segment should name
// the transaction. The most recent write at finish time wins.
type nameState struct {
	pattern  Pattern
	identity Identity
	written  bool
}

// FinishedTransaction is the immutable notification delivered once per
// transaction after finalization.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type FinishedTransaction struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Pattern   string        `json:"pattern,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Root      SegmentData   `json:"root"`
}

// ID returns the transaction's unique identifier.
func (t *Transaction) ID() string {
	return t.id
}

// Method returns the inbound request method.
func (t *Transaction) Method() string {
	return t.method
}

// Path returns the inbound request path.
func (t *Transaction) Path() string {
	return t.path
}

// Root returns the transaction's root segment.
func (t *Transaction) Root() *Segment {
	return t.root
}

// Response returns the transaction's observable response state.
func (t *Transaction) Response() *ResponseState {
	return t.response
}

// Finished reports whether the transaction has been finalized.
func (t *Transaction) Finished() bool {
	return t.finished.Load()
}

// NoticePattern records a matched route pattern. A later name-state
// write from a segment with no pattern of its own falls back to the
// pattern noticed most recently.
func (t *Transaction) NoticePattern(pattern Pattern) {
	if pattern == "" || t.finished.Load() {
		return
	}
	t.mu.Lock()
	t.lastPattern = pattern
	t.mu.Unlock()
}

// noticeNameWrite records a name-state write attributed to seg,
// unconditionally overwriting any earlier write. Writes racing
// finalization are discarded; finalization wins.
func (t *Transaction) noticeNameWrite(seg *Segment) {
	if t.finished.Load() {
		return
	}

	var pattern Pattern
	var identity Identity
	if seg != nil {
		pattern = seg.pattern
		identity = seg.identity
	}

	t.mu.Lock()
	if pattern == "" {
		pattern = t.lastPattern
	}
	t.name = nameState{pattern: pattern, identity: identity, written: true}
	t.mu.Unlock()
}

// Name composes the transaction name from the current name-state:
// {category}/{method}/{pattern}, falling back to the generic pattern
// when no middleware ever wrote response state. Final once the
// transaction has finished.
func (t *Transaction) Name() string {
	t.mu.Lock()
	pattern := t.name.pattern
	written := t.name.written
	t.mu.Unlock()

	if !written || pattern == "" {
		pattern = PatternUnknown
	}
	return CategoryWeb + "/" + t.method + "/" + pattern
}

// Finish finalizes the transaction: the finished flag flips once, any
// still-open segments are closed best-effort, the name and tree are
// frozen, and exactly one notification is delivered to the tracer's
// handlers. Safe to call multiple times; later calls are no-ops.
func (t *Transaction) Finish() {
	t.finishOnce.Do(func() {
		t.finished.Store(true)

		now := t.tracer.now()
		t.root.closeOpen(now)

		t.mu.Lock()
		pattern := t.name.pattern
		t.mu.Unlock()

		root := t.root.snapshot()
		t.tracer.finishTransaction(FinishedTransaction{
			ID:        t.id,
			Name:      t.Name(),
			Method:    t.method,
			Path:      t.path,
			Pattern:   pattern,
			StartTime: root.StartTime,
			EndTime:   root.EndTime,
			Duration:  root.Duration,
			Root:      root,
		})
	})
}
