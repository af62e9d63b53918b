// Package ratelimit implements fixed-window request quotas per identity,
// with a global ceiling shared by every caller.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scanguard/gateway/internal/keystore"
	"github.com/scanguard/gateway/internal/models"
	"github.com/scanguard/gateway/pkg/store"
)

// Pool selects which quota a request is counted against.
type Pool string

const (
	PoolTier    Pool = "tier"
	PoolReports Pool = "reports"
	PoolGlobal  Pool = "global"
)

const globalIdentity = "all"

type Quota struct {
	Limit  int
	Window time.Duration
}

var (
	TierQuotas = map[models.Tier]Quota{
		models.TierUnauthenticated: {Limit: 5, Window: 15 * time.Minute},
		models.TierBasic:           {Limit: 10, Window: 15 * time.Minute},
		models.TierPremium:         {Limit: 50, Window: 15 * time.Minute},
		models.TierEnterprise:      {Limit: 200, Window: 15 * time.Minute},
	}
	ReportsQuota = Quota{Limit: 50, Window: 5 * time.Minute}
	GlobalQuota  = Quota{Limit: 100, Window: time.Minute}
)

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Pool      Pool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the time left until the window resets, rounded up to a second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return (wait + time.Second - 1).Truncate(time.Second)
}

type Limiter struct {
	windows store.Store[models.RateWindow]
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(windows store.Store[models.RateWindow], opts ...Option) *Limiter {
	l := &Limiter{windows: windows, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// QuotaFor returns the quota a pool applies to a tier. Unknown tiers get the
// unauthenticated quota.
func QuotaFor(tier models.Tier, pool Pool) Quota {
	switch pool {
	case PoolReports:
		return ReportsQuota
	case PoolGlobal:
		return GlobalQuota
	}
	if q, ok := TierQuotas[tier]; ok {
		return q
	}
	return TierQuotas[models.TierUnauthenticated]
}

func windowFor(pool Pool) time.Duration {
	return QuotaFor(models.TierUnauthenticated, pool).Window
}

// ResolveIdentity picks the rate-limit identity: the key digest, else the
// client address, else "unknown".
func ResolveIdentity(apiKey, remoteAddr string) string {
	if apiKey != "" {
		return "key:" + keystore.Digest(apiKey)[:16]
	}
	if remoteAddr == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return "ip:" + host
}

// Check counts one request for identity against the global ceiling and then
// against the pool. A request denied by the pool is refunded from the global
// window so that denials are never counted.
func (l *Limiter) Check(ctx context.Context, identity string, tier models.Tier, pool Pool) (Decision, error) {
	now := l.now()

	global, globalStart, err := l.admit(ctx, PoolGlobal, globalIdentity, GlobalQuota, now)
	if err != nil {
		return Decision{}, err
	}
	if !global.Allowed {
		log.Warn().Str("identity", identity).Int("limit", global.Limit).Msg("Global rate limit exceeded")
		return global, nil
	}

	d, _, err := l.admit(ctx, pool, identity, QuotaFor(tier, pool), now)
	if err != nil {
		l.refund(ctx, globalStart)
		return Decision{}, err
	}
	if !d.Allowed {
		l.refund(ctx, globalStart)
		log.Warn().
			Str("identity", identity).
			Str("pool", string(pool)).
			Int("limit", d.Limit).
			Msg("Rate limit exceeded")
	}
	return d, nil
}

func windowKey(pool Pool, identity string) string {
	return string(pool) + ":" + identity
}

func (l *Limiter) admit(ctx context.Context, pool Pool, identity string, q Quota, now time.Time) (Decision, time.Time, error) {
	var d Decision
	var start time.Time

	_, err := l.windows.Update(ctx, windowKey(pool, identity), func(cur models.RateWindow, exists bool) (models.RateWindow, store.Op, error) {
		if !exists || now.Sub(cur.WindowStart) >= q.Window {
			cur = models.RateWindow{Identity: identity, WindowStart: now}
		}
		cur.Limit = q.Limit
		start = cur.WindowStart

		d = Decision{Pool: pool, Limit: q.Limit, ResetAt: cur.WindowStart.Add(q.Window)}
		if cur.Count >= q.Limit {
			d.Remaining = 0
			return cur, store.OpNone, nil
		}

		cur.Count++
		d.Allowed = true
		d.Remaining = q.Limit - cur.Count
		return cur, store.OpPut, nil
	})
	if err != nil {
		return Decision{}, time.Time{}, fmt.Errorf("rate window %s: %w", windowKey(pool, identity), err)
	}
	return d, start, nil
}

func (l *Limiter) refund(ctx context.Context, start time.Time) {
	_, err := l.windows.Update(ctx, windowKey(PoolGlobal, globalIdentity), func(cur models.RateWindow, exists bool) (models.RateWindow, store.Op, error) {
		if !exists || !cur.WindowStart.Equal(start) || cur.Count == 0 {
			return cur, store.OpNone, nil
		}
		cur.Count--
		return cur, store.OpPut, nil
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to refund global rate window")
	}
}

// Sweep deletes windows whose reset time has passed and returns how many
// were removed.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	now := l.now()

	var expired []string
	err := l.windows.Range(ctx, func(key string, w models.RateWindow) bool {
		pool, _, _ := strings.Cut(key, ":")
		if now.Sub(w.WindowStart) >= windowFor(Pool(pool)) {
			expired = append(expired, key)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range expired {
		pool, _, _ := strings.Cut(key, ":")
		window := windowFor(Pool(pool))
		deleted := false
		_, err := l.windows.Update(ctx, key, func(cur models.RateWindow, exists bool) (models.RateWindow, store.Op, error) {
			// the window may have been restarted since the scan
			if !exists || now.Sub(cur.WindowStart) < window {
				return cur, store.OpNone, nil
			}
			deleted = true
			return cur, store.OpDelete, nil
		})
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}
