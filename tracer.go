package txnz

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// TransactionHandler is called when a transaction finishes.
type TransactionHandler func(txn FinishedTransaction)

type handlerEntry struct {
	handler TransactionHandler
	id      uint64
	async   bool
}

// Tracer manages transaction lifecycle and finish notification.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	handlers  []handlerEntry
	panicHook func(handlerID uint64, r interface{})
	workers   *workerPool
	idPool    *IDPool
	clock     clockz.Clock
	logger    *zap.Logger

	orphanMu   sync.Mutex
	orphanRoot *Segment

	handlersLock sync.RWMutex
	idPoolOnce   sync.Once
	nextID       atomic.Uint64
	dropped      atomic.Uint64
}

// New creates a new tracer.
// Uses the real clock for production behavior.
func New() *Tracer {
	return &Tracer{
		handlers: make([]handlerEntry, 0),
		clock:    clockz.RealClock,
	}
}

// WithClock returns a new tracer with the specified clock.
// Enables clock injection for deterministic testing.
func (*Tracer) WithClock(clock clockz.Clock) *Tracer {
	return &Tracer{
		handlers: make([]handlerEntry, 0),
		clock:    clock,
	}
}

// SetLogger sets an optional diagnostics logger. Used for handler
// panics, orphan segments, and dropped notifications. Nil disables
// logging.
func (t *Tracer) SetLogger(logger *zap.Logger) {
	t.logger = logger
}

func (t *Tracer) now() time.Time {
	return t.clock.Now()
}

// ensureIDPool initializes the transaction ID pool if not already created.
func (t *Tracer) ensureIDPool() {
	t.idPoolOnce.Do(func() {
		// Pool size based on number of CPUs for optimal contention balance.
		poolSize := runtime.NumCPU() * 100
		t.idPool = NewIDPool(poolSize, func() string {
			return xid.New().String()
		})
	})
}

// StartTransaction creates a transaction with its root segment for one
// inbound request and binds it to the returned context. The method and
// path come from the framework's per-request hook.
func (t *Tracer) StartTransaction(ctx context.Context, method, path string) (context.Context, *Transaction) {
	// Handle nil context by creating a new one.
	if ctx == nil {
		ctx = context.Background()
	}

	t.ensureIDPool()
	txn := &Transaction{
		id:     t.idPool.Get(),
		method: method,
		path:   path,
		tracer: t,
		root:   newSegment("Request/"+method+" "+path, "", "", t.now()),
	}
	txn.response = newResponseState(txn)

	b := &binding{txn: txn, seg: txn.root}
	return context.WithValue(ctx, bindingKey, b), txn
}

// adoptOrphan parents seg under the tracer's synthetic orphan root.
// Used when a wrap point runs outside any tracked transaction; failing
// soft here keeps instrumentation from destabilizing request handling.
func (t *Tracer) adoptOrphan(seg *Segment) {
	t.orphanMu.Lock()
	if t.orphanRoot == nil {
		t.orphanRoot = newSegment("Orphan", "", "", t.now())
	}
	root := t.orphanRoot
	t.orphanMu.Unlock()

	root.addChild(seg)
	if t.logger != nil {
		t.logger.Warn("segment created outside any transaction",
			zap.String("segment", seg.Name()))
	}
}

// OrphanRoot returns the synthetic root for segments created outside
// any transaction, or nil if none were.
func (t *Tracer) OrphanRoot() *Segment {
	t.orphanMu.Lock()
	defer t.orphanMu.Unlock()
	return t.orphanRoot
}

// OnTransactionFinish registers a synchronous handler called when
// transactions finish.
func (t *Tracer) OnTransactionFinish(handler TransactionHandler) uint64 {
	return t.registerHandler(handler, false)
}

// OnTransactionFinishAsync registers an asynchronous handler called
// when transactions finish.
func (t *Tracer) OnTransactionFinishAsync(handler TransactionHandler) uint64 {
	return t.registerHandler(handler, true)
}

func (t *Tracer) registerHandler(handler TransactionHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := t.nextID.Add(1)

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (t *Tracer) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	// Preserve order
	for i, h := range t.handlers {
		if h.id == id {
			copy(t.handlers[i:], t.handlers[i+1:])
			t.handlers = t.handlers[:len(t.handlers)-1]
			return
		}
	}
}

// HasHandlers reports whether any finish handler is registered.
func (t *Tracer) HasHandlers() bool {
	t.handlersLock.RLock()
	defer t.handlersLock.RUnlock()
	return len(t.handlers) > 0
}

// SetPanicHook sets a function to be called when a handler panics.
func (t *Tracer) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	t.panicHook = hook
}

// finishTransaction delivers the finished transaction to all
// registered handlers. Called exactly once per transaction.
func (t *Tracer) finishTransaction(txn FinishedTransaction) {
	t.handlersLock.RLock()
	if len(t.handlers) == 0 {
		t.handlersLock.RUnlock()
		return
	}

	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	t.handlersLock.RUnlock()

	for _, h := range handlers {
		if h.async {
			// Make a copy of h for closure
			entry := h
			if t.workers != nil {
				t.workers.submit(func() {
					t.safeCall(entry, txn)
				})
			} else {
				go t.safeCall(entry, txn)
			}
		} else {
			t.safeCall(h, txn)
		}
	}
}

func (t *Tracer) safeCall(entry handlerEntry, txn FinishedTransaction) {
	defer func() {
		if r := recover(); r != nil {
			if t.logger != nil {
				t.logger.Error("transaction handler panicked",
					zap.Uint64("handler_id", entry.id),
					zap.Any("panic", r))
			}
			if t.panicHook != nil {
				t.panicHook(entry.id, r)
			}
		}
	}()
	entry.handler(txn)
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (t *Tracer) EnableWorkerPool(workers, queueSize int) error {
	if t.workers != nil {
		return errors.New("worker pool already enabled")
	}
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	t.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &t.dropped,
	}

	t.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.workers.run()
	}

	return nil
}

// DroppedTransactions returns the number of finish notifications
// dropped due to a full worker queue.
func (t *Tracer) DroppedTransactions() uint64 {
	return t.dropped.Load()
}

// Close shuts down the tracer gracefully and cleans up resources.
// This should be called when the tracer is no longer needed.
func (t *Tracer) Close() {
	// Stop new handler executions
	t.handlersLock.Lock()
	t.handlers = nil
	t.handlersLock.Unlock()

	// Wait for in-flight async tasks
	if t.workers != nil {
		t.workers.shutdown()
		t.workers = nil
	}

	if t.idPool != nil {
		t.idPool.Close()
	}
}

// workerPool manages a fixed number of workers for processing async handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			return
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
