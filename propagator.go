package txnz

import "context"

// bindingKeyType is a private type for context keys to avoid collisions.
type bindingKeyType struct{}

var bindingKey bindingKeyType

// binding associates a transaction with its currently active segment.
// One binding value is immutable; entering a segment derives a new
// context rather than mutating any shared state, so interleaved
// transactions can never observe each other's active segment.
type binding struct {
	txn *Transaction
	seg *Segment
}

// Token captures an active-segment binding at a scheduling point.
// Work that runs later (a goroutine, a queued callback) passes its
// Token to Bind to resume with the segment that was active when the
// work was scheduled, not whatever happens to be active at resume time.
type Token struct {
	b *binding
}

// Enter marks seg as the active segment for code running under the
// returned context, and returns a Token for re-binding resumed work.
// The transaction association is inherited from ctx.
func Enter(ctx context.Context, seg *Segment) (context.Context, Token) {
	b := &binding{txn: FromContext(ctx), seg: seg}
	return context.WithValue(ctx, bindingKey, b), Token{b: b}
}

// Capture returns a Token for the binding active in ctx. Middleware
// captures at the point it schedules continuation work, so the work
// can later Bind back to the segment that scheduled it.
func Capture(ctx context.Context) Token {
	if ctx == nil {
		return Token{}
	}
	if b, ok := ctx.Value(bindingKey).(*binding); ok {
		return Token{b: b}
	}
	return Token{}
}

// Bind re-establishes a previously captured binding on ctx. Returns
// ctx unchanged for the zero Token.
func Bind(ctx context.Context, tok Token) context.Context {
	if tok.b == nil {
		return ctx
	}
	return context.WithValue(ctx, bindingKey, tok.b)
}

// Current returns the active segment for the calling logical context,
// or nil if none is bound.
func Current(ctx context.Context) *Segment {
	if ctx == nil {
		return nil
	}
	if b, ok := ctx.Value(bindingKey).(*binding); ok {
		return b.seg
	}
	return nil
}

// FromContext returns the transaction bound to ctx, or nil.
func FromContext(ctx context.Context) *Transaction {
	if ctx == nil {
		return nil
	}
	if b, ok := ctx.Value(bindingKey).(*binding); ok {
		return b.txn
	}
	return nil
}
