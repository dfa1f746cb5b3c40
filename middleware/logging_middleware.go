package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-relay/message"
)

// LoggingMiddleware logs the action, serial, response time and reply code of each request.
// Failed replies are logged at warn level.
func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			reply := next(ctx, req)
			fields := []zap.Field{
				zap.String("action", req.Action),
				zap.Uint64("sn", req.Serial),
				zap.Duration("elapsed", time.Since(start)),
			}
			if reply == nil {
				log.Debug("request handled, no reply", fields...)
				return nil
			}
			if code := reply.Code(); code != message.CodeOK {
				log.Warn("request failed", append(fields, zap.Int("code", code), zap.Any("data", reply.Data()))...)
			} else {
				log.Debug("request handled", fields...)
			}
			return reply
		}
	}
}
