package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"protorpc/message"
)

// RateLimit admits r requests per second with bursts of up to burst, using a
// token bucket shared by all connections. Requests over the limit are answered
// RPC_FAILED "rate limit exceeded" without reaching the handler.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, reply ReplyFunc) {
			if !limiter.Allow() {
				reply(message.Failed(req.ID, message.RPCFailed, "rate limit exceeded"))
				return
			}
			next(ctx, req, reply)
		}
	}
}
