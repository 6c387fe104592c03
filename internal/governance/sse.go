package governance

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// subscriberBuffer is the per-subscriber queue length. A subscriber that
// falls further behind misses escalations rather than blocking Notify.
const subscriberBuffer = 16

// Broker fans escalations out to in-process subscribers, typically
// server-sent-event streams.
type Broker struct {
	mu     sync.Mutex
	subs   map[chan Escalation]struct{}
	logger *zap.Logger
}

// NewBroker creates an empty Broker.
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{subs: make(map[chan Escalation]struct{}), logger: logger}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel.
func (b *Broker) Subscribe() (<-chan Escalation, func()) {
	ch := make(chan Escalation, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Notify implements Notifier. It never blocks.
func (b *Broker) Notify(_ context.Context, e Escalation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("governance: sse subscriber lagging, escalation dropped",
				zap.String("escalation_id", e.ID),
			)
		}
	}
	return nil
}

// Stream handles GET /governance/stream. It writes one "escalation" event
// per notification and a comment heartbeat every keepAlive.
func (b *Broker) Stream(keepAlive time.Duration) gin.HandlerFunc {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return func(c *gin.Context) {
		ch, cancel := b.Subscribe()
		defer cancel()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-ch:
				c.SSEvent("escalation", e)
				c.Writer.Flush()
			case <-ticker.C:
				if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
					return
				}
				c.Writer.Flush()
			}
		}
	}
}
