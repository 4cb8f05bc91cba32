package txnz

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector buffers finished transactions for batch export.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	txns         []FinishedTransaction
	txnsCh       chan FinishedTransaction
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	name         string
	mu           sync.Mutex
	closed       atomic.Bool // Track if collector is closed.
	syncMode     bool        // Bypass channel for synchronous collection.
}

// NewCollector creates a new collector with the specified name and buffer size.
func NewCollector(name string, bufferSize int) *Collector {
	c := &Collector{
		name:   name,
		txns:   make([]FinishedTransaction, 0, 8), // Start with small capacity.
		txnsCh: make(chan FinishedTransaction, bufferSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.start()
	return c
}

// Attach registers the collector as a finish handler on the tracer and
// returns the handler ID.
func (c *Collector) Attach(tracer *Tracer) uint64 {
	return tracer.OnTransactionFinish(c.Collect)
}

// start runs the collector's main loop, receiving transactions from the channel.
func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining transactions before shutdown.
			for {
				select {
				case txn := <-c.txnsCh:
					c.buffer(txn)
				default:
					return // Clean shutdown.
				}
			}
		case txn := <-c.txnsCh:
			c.buffer(txn)
		}
	}
}

// Close shuts down the collector gracefully.
func (c *Collector) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.stopCh)
	select {
	case <-c.done:
		// Clean shutdown completed.
	case <-time.After(100 * time.Millisecond):
		// Timeout - shut down anyway.
	}
}

// Collect buffers a finished transaction with backpressure protection.
// If the internal channel is full, the transaction is dropped and the
// drop counter is incremented. In sync mode, transactions are buffered
// directly for deterministic testing.
func (c *Collector) Collect(txn FinishedTransaction) {
	if c.syncMode {
		// Direct synchronous collection for tests.
		if c.closed.Load() {
			c.droppedCount.Add(1)
			return
		}
		c.buffer(txn)
		return
	}

	select {
	case c.txnsCh <- txn:
		// Successfully queued.
	default:
		// Channel full - drop to prevent blocking request handling.
		c.droppedCount.Add(1)
	}
}

// buffer adds a transaction to the internal slice, growing it
// geometrically under load.
func (c *Collector) buffer(txn FinishedTransaction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.txns) >= cap(c.txns) {
		currentCap := cap(c.txns)
		var newCap int
		if currentCap < 1024 {
			// Double capacity for small buffers.
			newCap = currentCap * 2
		} else {
			// Grow by 50% for large buffers to avoid excessive memory usage.
			newCap = currentCap + currentCap/2
		}
		if newCap < 32 {
			newCap = 32
		}
		grown := make([]FinishedTransaction, len(c.txns), newCap)
		copy(grown, c.txns)
		c.txns = grown
	}
	c.txns = append(c.txns, txn)
}

// Export returns all buffered transactions and clears the internal
// buffer. FinishedTransaction values are immutable snapshots, so the
// returned slice shares no mutable state with the collector.
func (c *Collector) Export() []FinishedTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.txns) == 0 {
		return nil
	}

	result := make([]FinishedTransaction, len(c.txns))
	copy(result, c.txns)

	// Only shrink if the buffer is very oversized to avoid allocation churn.
	if cap(c.txns) > 256 && len(c.txns) < cap(c.txns)/8 {
		newCap := cap(c.txns) / 4
		if newCap < 32 {
			newCap = 32
		}
		c.txns = make([]FinishedTransaction, 0, newCap)
	} else {
		c.txns = c.txns[:0] // Keep capacity, reset length.
	}

	return result
}

// Count returns the current number of buffered transactions.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txns)
}

// DroppedCount returns the total number of transactions dropped due to backpressure.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
// When enabled, transactions are buffered directly without the channel,
// making tests deterministic by eliminating async behavior.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode = sync
}

// Reset clears all buffered transactions and resets the drop counter.
// Does not affect the running goroutine - use Close for that.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.txns = c.txns[:0]
	c.droppedCount.Store(0)
}
