package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers processed message ids per service.
type Deduper struct {
	rdb     *redis.Client
	service string
	ttl     time.Duration
}

func NewDeduper(rdb *redis.Client, service string) *Deduper {
	return &Deduper{rdb: rdb, service: service, ttl: TTLDedup}
}

// Claim marks id as being processed. It returns false when id was already
// claimed.
func (d *Deduper) Claim(ctx context.Context, id string) (bool, error) {
	return d.rdb.SetNX(ctx, DedupKey(d.service, id), 1, d.ttl).Result()
}

// Forget drops a claim so a failed message can be processed again.
func (d *Deduper) Forget(ctx context.Context, id string) error {
	return d.rdb.Del(ctx, DedupKey(d.service, id)).Err()
}
