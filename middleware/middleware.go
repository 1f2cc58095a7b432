// Package middleware wraps the server's request handler.
//
// A handler answers by calling reply exactly once, from any goroutine and at
// any time, so a middleware that wants to see the outcome wraps reply rather
// than waiting for next to return.
package middleware

import (
	"context"

	"protorpc/message"
)

// ReplyFunc sends the response envelope for the request being handled.
// Calls after the first are dropped.
type ReplyFunc func(resp *message.Response)

type HandlerFunc func(ctx context.Context, req *message.Request, reply ReplyFunc)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one. Chain(A, B, C)(h) is A(B(C(h))):
// A sees the request first and the reply last.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
