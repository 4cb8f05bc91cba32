// Package txnz provides in-process web transaction tracing.
//
// txnz observes a chain of middleware handling one inbound request,
// builds a tree of timed segments mirroring call nesting, and names
// the transaction after the last middleware to touch response state
// (or to fail). It deliberately stops there: no distributed context
// propagation, no sampling, no export format.
//
// Core Components:.
//   - Tracer: Manages transaction lifecycle and finish notification.
//   - Transaction: The aggregate trace for one inbound request.
//   - Segment: One timed node in the trace tree.
//   - Chain: Instruments a sequence of middleware with next() semantics.
//   - Collector: Buffers finished transactions for export.
//
// Basic Usage:.
//
//	tracer := txnz.New()
//	defer tracer.Close()
//
//	chain := tracer.NewChain()
//	chain.Use("auth", "", authMiddleware)
//	chain.Use("users", "/users/:id", usersMiddleware)
//
//	ctx, txn := tracer.StartTransaction(ctx, "GET", "/users/42")
//	err := chain.Run(ctx)
//	txn.Finish()
//
// Naming:.
//
// The transaction name has the form {category}/{method}/{pattern},
// e.g. "WebTransaction/GET//users/:id". Every write to response state
// overwrites the pending name with the writing middleware's route
// pattern; the write in effect when the transaction finishes wins,
// regardless of nesting depth. A middleware that fails names the
// transaction the same way, attributing the failure to its source.
//
// Context Propagation:.
//
// The active segment travels in context.Context values, never in a
// package-level variable. Work resumed later (a goroutine, a queued
// callback) re-establishes its segment with a Token captured when the
// work was scheduled, so interleaved transactions cannot corrupt each
// other's attribution.
//
// Thread Safety:.
//
// Tracer, Transaction, Segment and Collector are safe for concurrent
// use by multiple goroutines.
package txnz

// Identity is a middleware's declared name.
type Identity = string

// Pattern is a route pattern string, opaque to this package.
type Pattern = string

const (
	// CategoryWeb prefixes every transaction name.
	CategoryWeb = "WebTransaction"

	// SegmentNamespace prefixes every middleware segment's display name.
	SegmentNamespace = "Middleware"

	// PatternUnknown is the fallback pattern used when no middleware
	// ever wrote response state.
	PatternUnknown = "unknown"
)
