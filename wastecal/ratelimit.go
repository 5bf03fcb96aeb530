package wastecal

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	Overall float64 // messages per second over all chats
	PerChat float64 // messages per second into one chat
}

// RateLimitedTransport throttles sends to stay inside the chat API limits.
type RateLimitedTransport struct {
	next    Transport
	overall *rate.Limiter
	perChat rate.Limit

	mu    sync.Mutex
	chats map[int64]*chatLimiter
}

type chatLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const chatLimiterIdle = 10 * time.Minute

func NewRateLimitedTransport(next Transport, cfg RateLimitConfig) *RateLimitedTransport {
	if cfg.Overall <= 0 {
		cfg.Overall = 30
	}
	if cfg.PerChat <= 0 {
		cfg.PerChat = 1
	}
	return &RateLimitedTransport{
		next:    next,
		overall: rate.NewLimiter(rate.Limit(cfg.Overall), max(1, int(cfg.Overall))),
		perChat: rate.Limit(cfg.PerChat),
		chats:   map[int64]*chatLimiter{},
	}
}

func (t *RateLimitedTransport) Send(ctx context.Context, chatID int64, text string) error {
	if err := t.chat(chatID).Wait(ctx); err != nil {
		return err
	}
	if err := t.overall.Wait(ctx); err != nil {
		return err
	}
	return t.next.Send(ctx, chatID, text)
}

func (t *RateLimitedTransport) chat(chatID int64) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	cl, ok := t.chats[chatID]
	if !ok {
		cl = &chatLimiter{limiter: rate.NewLimiter(t.perChat, 1)}
		t.chats[chatID] = cl
	}
	cl.lastSeen = now
	for id, other := range t.chats {
		if now.Sub(other.lastSeen) > chatLimiterIdle {
			delete(t.chats, id)
		}
	}
	return cl.limiter
}
