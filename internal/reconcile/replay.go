package reconcile

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard remembers processed webhook event ids so exact redeliveries are
// acknowledged without touching the store.
type ReplayGuard struct {
	R      redis.Cmdable
	Prefix string
	TTL    time.Duration
}

func (g *ReplayGuard) key(eventID string) string {
	prefix := g.Prefix
	if prefix == "" {
		prefix = "m1cart:webhook"
	}
	return prefix + ":seen:" + eventID
}

// Claim reports whether eventID is seen for the first time.
func (g *ReplayGuard) Claim(ctx context.Context, eventID string) (bool, error) {
	ttl := g.TTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return g.R.SetNX(ctx, g.key(eventID), time.Now().Unix(), ttl).Result()
}

// Release forgets eventID so a redelivery is processed again.
func (g *ReplayGuard) Release(ctx context.Context, eventID string) {
	_ = g.R.Del(context.WithoutCancel(ctx), g.key(eventID)).Err()
}
