package gateway

import (
	"time"

	"github.com/jpillora/backoff"

	"mini-relay/message"
)

// Retry calls call up to attempts times, sleeping a jittered exponential backoff between
// attempts, and returns the first non-nil reply. Only handlers whose call is idempotent
// should use it; the Router itself never retries.
func Retry(attempts int, min, max time.Duration, call func() *message.Message) *message.Message {
	b := &backoff.Backoff{Min: min, Max: max, Factor: 2, Jitter: true}
	for {
		if reply := call(); reply != nil {
			return reply
		}
		if int(b.Attempt())+1 >= attempts {
			return nil
		}
		time.Sleep(b.Duration())
	}
}
