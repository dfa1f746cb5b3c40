package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mini-relay/message"
)

// RecoverMiddleware turns a handler panic into a CodeFailure reply.
func RecoverMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (reply *message.Message) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panic", zap.String("action", req.Action), zap.Uint64("sn", req.Serial), zap.Any("panic", r), zap.Stack("stack"))
					reply = message.NewReply(req, message.CodeFailure, fmt.Sprint(r))
				}
			}()
			return next(ctx, req)
		}
	}
}
