package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultPendingTTL is how long an order may sit in PENDING before the
// expirer cancels it.
const DefaultPendingTTL = 24 * time.Hour

// Expirer periodically cancels PENDING orders nobody picked up.
type Expirer struct {
	engine   *Engine
	store    Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
}

// NewExpirer creates a new expirer. ttl <= 0 selects DefaultPendingTTL.
func NewExpirer(engine *Engine, store Store, ttl time.Duration, logger *slog.Logger) *Expirer {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &Expirer{
		engine:   engine,
		store:    store,
		ttl:      ttl,
		interval: time.Minute,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the expirer loop is actively running.
func (x *Expirer) Running() bool {
	return x.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (x *Expirer) Start(ctx context.Context) {
	x.running.Store(true)
	defer x.running.Store(false)

	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-x.stop:
			return
		case <-ticker.C:
			x.safeExpire(ctx)
		}
	}
}

// Stop signals the expirer to stop.
func (x *Expirer) Stop() {
	select {
	case x.stop <- struct{}{}:
	default:
	}
}

func (x *Expirer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("panic in order expirer", "panic", fmt.Sprint(r))
		}
	}()
	x.expireStale(ctx)
}

// expireStale cancels one batch of stale orders and returns how many it
// cancelled.
func (x *Expirer) expireStale(ctx context.Context) int {
	stale, err := x.store.ListStale(ctx, StatusPending, x.now().Add(-x.ttl), 100)
	if err != nil {
		x.logger.Warn("failed to list stale orders", "error", err)
		return 0
	}

	n := 0
	for _, o := range stale {
		if _, err := x.engine.Expire(ctx, o.ID); err != nil {
			// Lost a race with an admin approval; not an error.
			x.logger.Debug("order not expired", "orderId", o.ID, "error", err)
			continue
		}
		n++
		ordersExpired.Inc()
		x.logger.Info("expired pending order",
			"orderId", o.ID, "user", o.UserAddr, "age", x.now().Sub(o.CreatedAt).Round(time.Second))
	}
	return n
}
