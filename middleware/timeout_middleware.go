package middleware

import (
	"context"
	"time"

	"mini-relay/message"
)

// TimeOutMiddleware bounds handler time. The handler keeps running in the background after
// the deadline, but its context is cancelled and its reply discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return message.NewReply(req, message.CodeFailure, "request timed out")
			}
		}
	}
}
