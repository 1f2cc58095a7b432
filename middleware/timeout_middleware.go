package middleware

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"protorpc/message"
)

// Timeout answers RPC_ERROR "request timed out" when the handler has not
// replied within timeout. The handler's ctx is canceled at that point, and its
// late reply is dropped.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, reply ReplyFunc) {
			ctx, cancel := context.WithTimeout(ctx, timeout)

			var replied atomic.Bool
			timer := time.AfterFunc(timeout, func() {
				if replied.CompareAndSwap(false, true) {
					cancel()
					reply(message.Failed(req.ID, message.RPCError, "request timed out"))
				}
			})

			next(ctx, req, func(resp *message.Response) {
				if replied.CompareAndSwap(false, true) {
					timer.Stop()
					cancel()
					reply(resp)
				}
			})
		}
	}
}
