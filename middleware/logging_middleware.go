package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"protorpc/message"
)

// Logging logs every request when its reply is sent, with the time it took.
// Failed requests are logged at Info, successful ones at Debug.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, reply ReplyFunc) {
			start := time.Now()
			next(ctx, req, func(resp *message.Response) {
				fields := []zap.Field{
					zap.Uint64("id", req.ID),
					zap.String("service", req.ServiceName),
					zap.String("method", req.MethodName),
					zap.Duration("duration", time.Since(start)),
				}
				if resp.HasFailed {
					if resp.ErrorCode != nil {
						fields = append(fields, zap.Stringer("code", resp.ErrorCode))
					}
					logger.Info("request failed", append(fields, zap.String("error", resp.ErrorMessage))...)
				} else {
					logger.Debug("request handled", fields...)
				}
				reply(resp)
			})
		}
	}
}
