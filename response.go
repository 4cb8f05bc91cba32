package txnz

import (
	"context"
	"net/http"
	"sync"
)

// ResponseState is the observable response of one transaction. Every
// mutation records a name-state write on the owning transaction,
// attributed to the segment active in the caller's context. Safe for
// concurrent use by multiple goroutines.
type ResponseState struct {
	txn *Transaction

	mu     sync.Mutex
	status int
	body   []byte
	wrote  bool
}

func newResponseState(txn *Transaction) *ResponseState {
	return &ResponseState{txn: txn}
}

// SetStatus sets the response status code. The write is attributed to
// the segment active in ctx.
func (r *ResponseState) SetStatus(ctx context.Context, status int) {
	r.mu.Lock()
	r.status = status
	r.wrote = true
	r.mu.Unlock()

	r.txn.noticeNameWrite(Current(ctx))
}

// WriteBody replaces the response body. The write is attributed to the
// segment active in ctx.
func (r *ResponseState) WriteBody(ctx context.Context, body []byte) {
	r.mu.Lock()
	r.body = body
	r.wrote = true
	r.mu.Unlock()

	r.txn.noticeNameWrite(Current(ctx))
}

// Status returns the response status code, defaulting to 200 once any
// write occurred and 0 before.
func (r *ResponseState) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == 0 && r.wrote {
		return http.StatusOK
	}
	return r.status
}

// Body returns the response body.
func (r *ResponseState) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body
}

// Written reports whether any middleware mutated the response.
func (r *ResponseState) Written() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wrote
}
