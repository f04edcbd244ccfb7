package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/m1cart-orders/internal/order"
)

// DraftStore keeps order drafts whose payment intent exists at the processor
// but which could not be persisted locally, keyed by payment intent id.
type DraftStore struct {
	R      redis.Cmdable
	Prefix string
	TTL    time.Duration
}

type draftRecord struct {
	Order      order.Order `json:"order"`
	BuyerEmail string      `json:"buyerEmail,omitempty"`
	SavedAt    time.Time   `json:"savedAt"`
}

func (d *DraftStore) key(intentID string) string {
	prefix := d.Prefix
	if prefix == "" {
		prefix = "m1cart:checkout"
	}
	return prefix + ":draft:" + intentID
}

// Save stores o under its payment intent id.
func (d *DraftStore) Save(ctx context.Context, o *order.Order) error {
	raw, err := json.Marshal(draftRecord{Order: *o, BuyerEmail: o.BuyerEmail, SavedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	ttl := d.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return d.R.Set(ctx, d.key(o.PaymentIntentID), raw, ttl).Err()
}

// Load returns the draft for intentID or order.ErrNotFound.
func (d *DraftStore) Load(ctx context.Context, intentID string) (*order.Order, error) {
	raw, err := d.R.Get(ctx, d.key(intentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec draftRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	o := rec.Order
	o.BuyerEmail = rec.BuyerEmail
	return &o, nil
}

// Delete removes the draft for intentID.
func (d *DraftStore) Delete(ctx context.Context, intentID string) error {
	return d.R.Del(ctx, d.key(intentID)).Err()
}

// Pending lists the intent ids that still have a stored draft.
func (d *DraftStore) Pending(ctx context.Context, limit int64) ([]string, error) {
	prefix := d.key("")
	var out []string
	iter := d.R.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(prefix):])
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, iter.Err()
}
