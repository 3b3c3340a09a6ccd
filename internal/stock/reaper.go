package stock

import (
	"context"
	"log"
	"time"
)

// Sweeper releases reservations whose hold has ended.
type Sweeper interface {
	ReleaseExpired(ctx context.Context) (int64, error)
}

// Locker grants a short-lived lease so only one instance sweeps per tick.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

const (
	defaultReapInterval = time.Minute
	reaperLockKey       = "stock:reaper"
)

// Reaper periodically returns expired reservations to the pool. It never
// looks at orders; a PENDING order whose hold lapsed stays PENDING.
type Reaper struct {
	store    Sweeper
	interval time.Duration
	locker   Locker
	logger   *log.Logger
}

type ReaperOption func(*Reaper)

func WithLocker(l Locker) ReaperOption {
	return func(r *Reaper) { r.locker = l }
}

func WithReaperLogger(l *log.Logger) ReaperOption {
	return func(r *Reaper) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewReaper(store Sweeper, interval time.Duration, opts ...ReaperOption) *Reaper {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	r := &Reaper{store: store, interval: interval, logger: log.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	r.logger.Printf("reaper started interval=%s", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Printf("reaper stopped")
			return nil
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Printf("WARN: reaper sweep failed: %v", err)
			}
		}
	}
}

// Sweep performs one pass. It returns 0 without touching the store when
// another instance holds the lease.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	if r.locker != nil {
		unlock, ok, err := r.locker.TryLock(ctx, reaperLockKey, r.interval)
		if err != nil {
			// Without the lease we still sweep; releaseExpired is safe to run twice.
			r.logger.Printf("WARN: reaper lock unavailable: %v", err)
		} else if !ok {
			return 0, nil
		} else {
			defer func() {
				if err := unlock(context.Background()); err != nil {
					r.logger.Printf("WARN: reaper unlock failed: %v", err)
				}
			}()
		}
	}

	n, err := r.store.ReleaseExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Printf("reaper released expired reservations count=%d", n)
	}
	return n, nil
}
