package txnz

import (
	"sync"
	"time"
)

// Segment is one timed node in a transaction's trace tree, representing
// a single instrumented middleware invocation. Safe for concurrent use.
type Segment struct {
	name     string
	identity string
	pattern  string

	mu        sync.Mutex
	start     time.Time
	end       time.Time
	children  []*Segment
	childTime time.Duration
	parent    *Segment
}

// SegmentData is the immutable export view of a Segment, produced when
// its transaction finishes.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type SegmentData struct {
	Name          string        `json:"name"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Duration      time.Duration `json:"duration"`
	ExclusiveTime time.Duration `json:"exclusive_time"`
	Children      []SegmentData `json:"children,omitempty"`
}

// segmentName composes a middleware segment's display name. The route
// pattern, when present, is appended as-is, leading slash included.
func segmentName(identity Identity, pattern Pattern) string {
	if pattern == "" {
		return SegmentNamespace + "/" + identity
	}
	return SegmentNamespace + "/" + identity + "/" + pattern
}

func newSegment(name string, identity Identity, pattern Pattern, start time.Time) *Segment {
	return &Segment{
		name:     name,
		identity: identity,
		pattern:  pattern,
		start:    start,
	}
}

// Name returns the segment's composed display name.
func (s *Segment) Name() string {
	return s.name
}

// addChild appends c to the segment's ordered children and reports
// whether the insertion was accepted. Children may only be added while
// the segment is still open.
func (s *Segment) addChild(c *Segment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.end.IsZero() {
		return false
	}
	c.parent = s
	s.children = append(s.children, c)
	return true
}

// finish sets the segment's end time. The first call wins; subsequent
// calls are no-ops. The segment's elapsed time is attributed to its
// parent's child-time accumulator for exclusive-time bookkeeping.
func (s *Segment) finish(now time.Time) {
	s.mu.Lock()
	if !s.end.IsZero() {
		s.mu.Unlock()
		return
	}
	s.end = now
	elapsed := s.end.Sub(s.start)
	parent := s.parent
	s.mu.Unlock()

	// Locks are never nested: the child's lock is released before the
	// parent's is taken.
	if parent != nil {
		parent.mu.Lock()
		parent.childTime += elapsed
		parent.mu.Unlock()
	}
}

// finished reports whether the segment's end time has been set.
func (s *Segment) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.end.IsZero()
}

// closeOpen finishes any still-open segments in the subtree, children
// first so a parent's end time is never earlier than its children's.
// Used for best-effort closure at finalization.
func (s *Segment) closeOpen(now time.Time) {
	s.mu.Lock()
	children := make([]*Segment, len(s.children))
	copy(children, s.children)
	s.mu.Unlock()

	for _, c := range children {
		c.closeOpen(now)
	}
	s.finish(now)
}

// snapshot produces the immutable export view of the subtree.
// Exclusive time is elapsed time minus time attributed to children,
// clamped at zero for overlapping concurrent children.
func (s *Segment) snapshot() SegmentData {
	s.mu.Lock()
	data := SegmentData{
		Name:      s.name,
		StartTime: s.start,
		EndTime:   s.end,
	}
	childTime := s.childTime
	children := make([]*Segment, len(s.children))
	copy(children, s.children)
	s.mu.Unlock()

	if !data.EndTime.IsZero() {
		data.Duration = data.EndTime.Sub(data.StartTime)
	}
	data.ExclusiveTime = data.Duration - childTime
	if data.ExclusiveTime < 0 {
		data.ExclusiveTime = 0
	}

	if len(children) > 0 {
		data.Children = make([]SegmentData, len(children))
		for i, c := range children {
			data.Children[i] = c.snapshot()
		}
	}
	return data
}
