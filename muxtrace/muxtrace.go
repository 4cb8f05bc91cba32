// Package muxtrace adapts gorilla/mux to txnz: one transaction per
// inbound request, named from the matched route's path template.
package muxtrace

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zoobzio/txnz"
)

// Middleware returns a mux middleware that starts a transaction for
// every request and finishes it when the response has been produced,
// including when the handler panics. Install it with router.Use.
func Middleware(tracer *txnz.Tracer) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, txn := tracer.StartTransaction(r.Context(), r.Method, r.URL.Path)
			if pattern := routePattern(r); pattern != "" {
				txn.NoticePattern(pattern)
			}
			// The completion signal: the handler has returned (or
			// panicked), so the response is as produced as it will get.
			defer txn.Finish()

			ww := &responseWriter{ResponseWriter: w, txn: txn, ctx: ctx}
			next.ServeHTTP(ww, r.WithContext(ctx))
		})
	}
}

// routePattern extracts the matched route's path template, or "" for
// unrouted requests.
func routePattern(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	pattern, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return pattern
}

// responseWriter mirrors observable response mutations into the
// transaction's response state so the naming policy sees them.
type responseWriter struct {
	http.ResponseWriter
	txn         *txnz.Transaction
	ctx         context.Context
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.txn.Response().SetStatus(w.ctx, status)
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
