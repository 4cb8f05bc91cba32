package txnz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// runChain dispatches one GET request through the chain and returns
// the single finish notification alongside the chain's result.
func runChain(t *testing.T, tracer *Tracer, chain *Chain, path string) (FinishedTransaction, error) {
	t.Helper()

	var finished []FinishedTransaction
	id := tracer.OnTransactionFinish(func(txn FinishedTransaction) {
		finished = append(finished, txn)
	})
	defer tracer.RemoveHandler(id)

	ctx, txn := tracer.StartTransaction(context.Background(), "GET", path)
	err := chain.Run(ctx)
	txn.Finish()

	if len(finished) != 1 {
		t.Fatalf("Expected 1 finished transaction, got %d", len(finished))
	}
	return finished[0], err
}

// childNames flattens one level of the tree for assertions.
func childNames(data SegmentData) []string {
	names := make([]string, len(data.Children))
	for i, c := range data.Children {
		names[i] = c.Name
	}
	return names
}

func TestChainSingleSyncResponder(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	chain := tracer.NewChain()
	chain.Use("responder", "/resource", func(ctx context.Context, txn *Transaction, _ Next) error {
		txn.Response().WriteBody(ctx, []byte("ok"))
		return nil
	})

	finished, err := runChain(t, tracer, chain, "/resource")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if finished.Name != "WebTransaction/GET//resource" {
		t.Errorf("Expected name from /resource, got %s", finished.Name)
	}
	if len(finished.Root.Children) != 1 {
		t.Fatalf("Expected 1 segment under root, got %d", len(finished.Root.Children))
	}
	if finished.Root.Children[0].Name != "Middleware/responder//resource" {
		t.Errorf("Unexpected segment name %s", finished.Root.Children[0].Name)
	}
}

func TestChainNestedLastWriterNames(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	chain := tracer.NewChain()
	chain.Use("a", "/:first", func(ctx context.Context, _ *Transaction, next Next) error {
		return next(ctx)
	})
	chain.Use("b", "/:second", func(ctx context.Context, txn *Transaction, _ Next) error {
		txn.Response().WriteBody(ctx, []byte("from b"))
		return nil
	})

	finished, err := runChain(t, tracer, chain, "/x")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if finished.Name != "WebTransaction/GET//:second" {
		t.Errorf("Expected b's pattern to name the transaction, got %s", finished.Name)
	}

	// Nesting follows invocation order: root -> a -> b.
	if len(finished.Root.Children) != 1 {
		t.Fatalf("Expected root -> a, got children %v", childNames(finished.Root))
	}
	a := finished.Root.Children[0]
	if a.Name != "Middleware/a//:first" {
		t.Errorf("Unexpected outer segment %s", a.Name)
	}
	if len(a.Children) != 1 || a.Children[0].Name != "Middleware/b//:second" {
		t.Fatalf("Expected a -> b, got %v", childNames(a))
	}
}

func TestChainContinuationOverwritesInnerWrite(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	chain := tracer.NewChain()
	chain.Use("a", "/:first", func(ctx context.Context, txn *Transaction, next Next) error {
		if err := next(ctx); err != nil {
			return err
		}
		// Runs after b settled: a later write, from a shallower
		// segment, overwrites b's.
		txn.Response().WriteBody(ctx, []byte("from a"))
		return nil
	})
	chain.Use("b", "/:second", func(ctx context.Context, txn *Transaction, _ Next) error {
		txn.Response().WriteBody(ctx, []byte("from b"))
		return nil
	})

	finished, err := runChain(t, tracer, chain, "/x")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if finished.Name != "WebTransaction/GET//:first" {
		t.Errorf("Expected a's continuation write to win, got %s", finished.Name)
	}

	// The tree still reflects invocation order, not write order.
	a := finished.Root.Children[0]
	if len(a.Children) != 1 || a.Children[0].Name != "Middleware/b//:second" {
		t.Fatalf("Expected a -> b despite a naming the transaction, got %v", childNames(a))
	}
}

func TestChainShortCircuitSkipsRest(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	invoked := false
	chain := tracer.NewChain()
	chain.Use("a", "/:first", func(ctx context.Context, txn *Transaction, _ Next) error {
		txn.Response().WriteBody(ctx, []byte("from a"))
		return nil
	})
	chain.Use("b", "/:second", func(_ context.Context, _ *Transaction, _ Next) error {
		invoked = true
		return nil
	})

	finished, err := runChain(t, tracer, chain, "/x")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if invoked {
		t.Error("Expected b to never be invoked")
	}
	if finished.Name != "WebTransaction/GET//:first" {
		t.Errorf("Expected a's pattern, got %s", finished.Name)
	}
	if names := childNames(finished.Root); len(names) != 1 || names[0] != "Middleware/a//:first" {
		t.Errorf("Expected only a's segment, got %v", names)
	}
	if len(finished.Root.Children[0].Children) != 0 {
		t.Error("Expected a to have no children")
	}
}

func TestChainErrorAttribution(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	boom := errors.New("boom")
	chain := tracer.NewChain()
	chain.Use("a", "/:first", func(ctx context.Context, _ *Transaction, next Next) error {
		return next(ctx)
	})
	chain.Use("b", "/:second", func(_ context.Context, _ *Transaction, _ Next) error {
		return boom
	})

	finished, err := runChain(t, tracer, chain, "/x")

	// The failure propagates out of the chain unchanged.
	if !errors.Is(err, boom) {
		t.Errorf("Expected original error to propagate, got %v", err)
	}

	if finished.Name != "WebTransaction/GET//:second" {
		t.Errorf("Expected failure attributed to its source, got %s", finished.Name)
	}

	a := finished.Root.Children[0]
	if len(a.Children) != 1 || a.Children[0].Name != "Middleware/b//:second" {
		t.Fatalf("Expected root -> a -> b, got %v", childNames(a))
	}
	if a.Children[0].EndTime.IsZero() {
		t.Error("Expected failing segment to be closed")
	}
}

func TestChainWrappedErrorReattributes(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	boom := errors.New("boom")
	chain := tracer.NewChain()
	chain.Use("a", "/:first", func(ctx context.Context, _ *Transaction, next Next) error {
		if err := next(ctx); err != nil {
			// A new failure value makes this middleware the source.
			return fmt.Errorf("a gave up: %w", err)
		}
		return nil
	})
	chain.Use("b", "/:second", func(_ context.Context, _ *Transaction, _ Next) error {
		return boom
	})

	finished, err := runChain(t, tracer, chain, "/x")
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped error to carry the original, got %v", err)
	}
	if finished.Name != "WebTransaction/GET//:first" {
		t.Errorf("Expected wrapping middleware to be the new source, got %s", finished.Name)
	}
}

func TestChainPanicAttribution(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	var finished []FinishedTransaction
	tracer.OnTransactionFinish(func(txn FinishedTransaction) {
		finished = append(finished, txn)
	})

	chain := tracer.NewChain()
	chain.Use("a", "/:first", func(ctx context.Context, _ *Transaction, next Next) error {
		return next(ctx)
	})
	chain.Use("b", "/:second", func(_ context.Context, _ *Transaction, _ Next) error {
		panic("unrecoverable")
	})

	ctx, txn := tracer.StartTransaction(context.Background(), "GET", "/x")

	func() {
		defer func() {
			r := recover()
			if r != "unrecoverable" {
				t.Errorf("Expected panic to propagate unchanged, got %v", r)
			}
			// The boundary finalizes on the unrecovered-error signal.
			txn.Finish()
		}()
		_ = chain.Run(ctx)
	}()

	if len(finished) != 1 {
		t.Fatalf("Expected 1 finished transaction, got %d", len(finished))
	}
	if finished[0].Name != "WebTransaction/GET//:second" {
		t.Errorf("Expected panic attributed to its source, got %s", finished[0].Name)
	}
}

func TestChainNonRouteNesting(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	chain := tracer.NewChain()
	chain.Use("logger", "", func(ctx context.Context, _ *Transaction, next Next) error {
		return next(ctx)
	})
	chain.Use("users", "/users", func(ctx context.Context, txn *Transaction, next Next) error {
		txn.Response().WriteBody(ctx, []byte("users"))
		return next(ctx)
	})
	chain.Use("audit", "", func(ctx context.Context, _ *Transaction, _ Next) error {
		return nil
	})

	finished, err := runChain(t, tracer, chain, "/users")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Route and non-route segments nest alike, in call order.
	logger := finished.Root.Children[0]
	if logger.Name != "Middleware/logger" {
		t.Errorf("Unexpected outer segment %s", logger.Name)
	}
	users := logger.Children[0]
	if users.Name != "Middleware/users//users" {
		t.Errorf("Unexpected middle segment %s", users.Name)
	}
	if len(users.Children) != 1 || users.Children[0].Name != "Middleware/audit" {
		t.Fatalf("Expected users -> audit, got %v", childNames(users))
	}

	// Only the route-bearing writer contributes to the name.
	if finished.Name != "WebTransaction/GET//users" {
		t.Errorf("Expected route-bearing writer to name the transaction, got %s", finished.Name)
	}
}

func TestChainNonRouteWriterFallsBack(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	chain := tracer.NewChain()
	chain.Use("users", "/users", func(ctx context.Context, _ *Transaction, next Next) error {
		return next(ctx)
	})
	chain.Use("render", "", func(ctx context.Context, txn *Transaction, _ Next) error {
		// A non-route middleware mutating the response names the
		// transaction through the last matched pattern.
		txn.Response().WriteBody(ctx, []byte("rendered"))
		return nil
	})

	finished, err := runChain(t, tracer, chain, "/users")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if finished.Name != "WebTransaction/GET//users" {
		t.Errorf("Expected fallback to ancestor's pattern, got %s", finished.Name)
	}
}

func TestChainAsyncContinuationAttribution(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	chain := tracer.NewChain()
	chain.Use("a", "/:first", func(ctx context.Context, txn *Transaction, next Next) error {
		if err := next(ctx); err != nil {
			return err
		}

		// Schedule continuation work; the token pins attribution to
		// the segment active now, whatever runs before it resumes.
		tok := Capture(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resumed := Bind(context.Background(), tok)
			txn.Response().WriteBody(resumed, []byte("from a, later"))
		}()
		<-done
		return nil
	})
	chain.Use("b", "/:second", func(ctx context.Context, txn *Transaction, _ Next) error {
		txn.Response().WriteBody(ctx, []byte("from b"))
		return nil
	})

	finished, err := runChain(t, tracer, chain, "/x")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if finished.Name != "WebTransaction/GET//:first" {
		t.Errorf("Expected resumed continuation to attribute to a, got %s", finished.Name)
	}
}

func TestChainConcurrentTransactionsIsolated(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	var mu sync.Mutex
	finished := make([]FinishedTransaction, 0)
	tracer.OnTransactionFinish(func(txn FinishedTransaction) {
		mu.Lock()
		finished = append(finished, txn)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	numTxns := 25

	for i := 0; i < numTxns; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			pattern := fmt.Sprintf("/p%d", n)
			chain := tracer.NewChain()
			chain.Use("handler", pattern, func(ctx context.Context, txn *Transaction, _ Next) error {
				txn.Response().WriteBody(ctx, []byte(pattern))
				return nil
			})

			ctx, txn := tracer.StartTransaction(context.Background(), "GET", pattern)
			if err := chain.Run(ctx); err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			txn.Finish()
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(finished) != numTxns {
		t.Fatalf("Expected %d finished transactions, got %d", numTxns, len(finished))
	}
	// Each transaction is named from its own writes, never a neighbor's.
	for _, txn := range finished {
		if txn.Name != CategoryWeb+"/GET/"+txn.Path {
			t.Errorf("Cross-transaction naming leak: path %s named %s", txn.Path, txn.Name)
		}
	}
}

func TestChainOrphanSegment(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	chain := tracer.NewChain()
	chain.Use("lonely", "", func(_ context.Context, txn *Transaction, _ Next) error {
		if txn != nil {
			t.Error("Expected nil transaction outside any request")
		}
		return nil
	})

	// No transaction bound: the chain fails soft instead of raising.
	if err := chain.Run(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	root := tracer.OrphanRoot()
	if root == nil {
		t.Fatal("Expected synthetic orphan root to exist")
	}
	root.mu.Lock()
	defer root.mu.Unlock()
	if len(root.children) != 1 || root.children[0].Name() != "Middleware/lonely" {
		t.Errorf("Expected orphan segment under synthetic root, got %d children", len(root.children))
	}
}

func TestChainEmptyRun(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	chain := tracer.NewChain()
	if chain.Len() != 0 {
		t.Errorf("Expected empty chain, got %d", chain.Len())
	}

	ctx, txn := tracer.StartTransaction(context.Background(), "GET", "/empty")
	if err := chain.Run(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	txn.Finish()

	if len(txn.Root().children) != 0 {
		t.Error("Expected no segments from an empty chain")
	}
}
