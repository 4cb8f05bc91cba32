package txnz

import "context"

// Next transfers control to the next middleware in the chain. The
// context passed in determines attribution for work the next
// middleware performs; code running after Next returns remains
// attributed to the caller's segment.
type Next func(ctx context.Context) error

// Handler is one middleware: a unit of work that, when invoked,
// eventually settles and may invoke zero or more nested units of work
// through next. A handler that starts background work must wait for it
// to settle before returning, binding resumed goroutines with a Token.
type Handler func(ctx context.Context, txn *Transaction, next Next) error

type step struct {
	identity Identity
	pattern  Pattern
	handler  Handler
}

// Chain instruments an ordered sequence of middleware. Each invocation
// creates a segment under the caller's active segment, so the trace
// tree mirrors who called whom, while name-state writes keep their
// temporal order. Registration is not safe concurrently with Run.
type Chain struct {
	tracer *Tracer
	steps  []step
}

// NewChain creates an empty middleware chain bound to the tracer.
func (t *Tracer) NewChain() *Chain {
	return &Chain{tracer: t}
}

// Use appends a middleware to the chain. The pattern may be empty for
// non-route middleware; such middleware still produces a segment but
// names the transaction only through the last pattern matched by the
// chain.
func (c *Chain) Use(identity Identity, pattern Pattern, h Handler) {
	c.steps = append(c.steps, step{identity: identity, pattern: pattern, handler: h})
}

// Len returns the number of registered middleware.
func (c *Chain) Len() int {
	return len(c.steps)
}

// Run executes the chain under ctx's transaction. Middleware failures
// propagate out unchanged; the chain never swallows an error or a
// panic. Running an empty chain is a no-op.
func (c *Chain) Run(ctx context.Context) error {
	return c.nextFrom(0)(ctx)
}

func (c *Chain) nextFrom(i int) Next {
	return func(ctx context.Context) error {
		if i >= len(c.steps) {
			return nil
		}
		return c.invoke(i, ctx)
	}
}

// invoke wraps one middleware execution: resolve the parent segment,
// create and enter a child, delegate, attribute failures, and finish
// the segment when the handler settles.
func (c *Chain) invoke(i int, ctx context.Context) error {
	st := c.steps[i]
	txn := FromContext(ctx)

	seg := newSegment(segmentName(st.identity, st.pattern), st.identity, st.pattern, c.tracer.now())
	c.attach(txn, Current(ctx), seg)

	if txn != nil && st.pattern != "" {
		txn.NoticePattern(st.pattern)
	}

	ctx, _ = Enter(ctx, seg)

	// Failures are attributed to their source segment only. A failure
	// that merely passes through on its way out of the chain must not
	// re-attribute, so the continue capability marks what came from
	// deeper in the chain.
	var nextErr error
	nextPanicked := false
	next := func(nextCtx context.Context) error {
		inner := false
		defer func() {
			if !inner {
				nextPanicked = true
			}
		}()
		err := c.nextFrom(i+1)(nextCtx)
		inner = true
		nextErr = err
		return err
	}

	var settled bool
	defer func() {
		if settled {
			return
		}
		// The handler panicked. Attribute it here unless it is an
		// inner segment's panic unwinding through, then let it
		// continue out of the chain unchanged.
		if txn != nil && !nextPanicked {
			txn.noticeNameWrite(seg)
		}
		seg.finish(c.tracer.now())
	}()

	err := st.handler(ctx, txn, next)
	settled = true

	if err != nil && err != nextErr && txn != nil {
		txn.noticeNameWrite(seg)
	}
	seg.finish(c.tracer.now())
	return err
}

// attach inserts seg under parent, falling back to the transaction
// root when the parent has already ended, and to the tracer's orphan
// root when no transaction is bound at all.
func (c *Chain) attach(txn *Transaction, parent, seg *Segment) {
	if parent == nil && txn != nil {
		parent = txn.root
	}
	if parent != nil && parent.addChild(seg) {
		return
	}
	if txn != nil && parent != txn.root && txn.root.addChild(seg) {
		return
	}
	c.tracer.adoptOrphan(seg)
}
