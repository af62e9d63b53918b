// Package admission decides whether a request may reach a protected
// endpoint. A request passes through ordered stages (authenticate, throttle,
// charge) and the first denial ends the pipeline.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scanguard/gateway/internal/keystore"
	"github.com/scanguard/gateway/internal/metrics"
	"github.com/scanguard/gateway/internal/models"
	"github.com/scanguard/gateway/internal/payment"
	"github.com/scanguard/gateway/internal/ratelimit"
)

// Policy describes how a route is admitted.
type Policy struct {
	Name        string
	Pool        ratelimit.Pool // empty means no rate limiting
	RequireAuth bool
	Priced      bool
	Exempt      bool
}

// Request carries what the gate needs from an inbound request.
type Request struct {
	Policy     Policy
	APIKey     string
	RemoteAddr string
	Proof      string
	ScanID     string
	Resource   string
}

// Decision is the result of Admit. Err is an admission.Error for denials and
// a plain error when a backend failed.
type Decision struct {
	Allowed   bool
	Err       error
	Key       *models.APIKey
	Tier      models.Tier
	Identity  string
	RateLimit *ratelimit.Decision
	Payment   *payment.Result
}

type KeyValidator interface {
	Validate(ctx context.Context, key string) (*models.APIKey, error)
	LookupTier(ctx context.Context, key string) (models.Tier, bool)
}

type RateChecker interface {
	Check(ctx context.Context, identity string, tier models.Tier, pool ratelimit.Pool) (ratelimit.Decision, error)
}

type PaymentProcessor interface {
	Process(ctx context.Context, proof, scanID, resource string) (*payment.Result, error)
	Requirements(resource, reason string) payment.Requirements
}

// Admission is the state threaded through the stages.
type Admission struct {
	Request
	Decision
}

// Stage inspects or advances an admission. A non-nil error denies it.
type Stage func(ctx context.Context, a *Admission) error

type Gate struct {
	keys         KeyValidator
	limiter      RateChecker
	payments     PaymentProcessor
	authDisabled bool
	now          func() time.Time
	stages       []Stage
}

type Option func(*Gate)

// WithAuthDisabled bypasses key validation; presented keys still select a tier.
func WithAuthDisabled(disabled bool) Option {
	return func(g *Gate) { g.authDisabled = disabled }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithPayments enables the charge stage for priced routes.
func WithPayments(p PaymentProcessor) Option {
	return func(g *Gate) { g.payments = p }
}

func NewGate(keys KeyValidator, limiter RateChecker, opts ...Option) *Gate {
	g := &Gate{keys: keys, limiter: limiter, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	g.stages = []Stage{g.Authenticate, g.Throttle, g.Charge}
	return g
}

// Admit runs the stages in order.
func (g *Gate) Admit(ctx context.Context, req Request) Decision {
	a := &Admission{Request: req}
	a.Tier = models.TierUnauthenticated

	if req.Policy.Exempt {
		a.Allowed = true
		return a.Decision
	}

	for _, stage := range g.stages {
		if err := stage(ctx, a); err != nil {
			a.Err = err
			metrics.AdmissionsTotal.WithLabelValues(req.Policy.Name, outcome(err)).Inc()
			return a.Decision
		}
	}

	a.Allowed = true
	metrics.AdmissionsTotal.WithLabelValues(req.Policy.Name, "allowed").Inc()
	return a.Decision
}

func outcome(err error) string {
	var (
		authErr *AuthError
		rateErr *RateLimitError
		payErr  *PaymentError
	)
	switch {
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &rateErr):
		return "rate_limit"
	case errors.As(err, &payErr):
		return "payment"
	default:
		return "error"
	}
}

// Authenticate resolves the caller's identity and tier.
func (g *Gate) Authenticate(ctx context.Context, a *Admission) error {
	if g.authDisabled {
		key := ""
		if tier, ok := g.keys.LookupTier(ctx, a.APIKey); ok {
			a.Tier = tier
			key = a.APIKey
		}
		a.Identity = ratelimit.ResolveIdentity(key, a.RemoteAddr)
		return nil
	}

	if a.APIKey == "" {
		if a.Policy.RequireAuth {
			return missingKey()
		}
		a.Identity = ratelimit.ResolveIdentity("", a.RemoteAddr)
		return nil
	}

	key, err := g.keys.Validate(ctx, a.APIKey)
	if err != nil {
		if errors.Is(err, keystore.ErrInvalidKey) {
			return invalidKey()
		}
		return fmt.Errorf("authenticate: %w", err)
	}

	a.Key = key
	a.Tier = key.Tier
	a.Identity = ratelimit.ResolveIdentity(a.APIKey, a.RemoteAddr)
	return nil
}

// Throttle counts the request against its pool.
func (g *Gate) Throttle(ctx context.Context, a *Admission) error {
	if a.Policy.Pool == "" || g.limiter == nil {
		return nil
	}
	if a.Identity == "" {
		a.Identity = ratelimit.ResolveIdentity("", a.RemoteAddr)
	}

	d, err := g.limiter.Check(ctx, a.Identity, a.Tier, a.Policy.Pool)
	if err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	a.RateLimit = &d

	if !d.Allowed {
		metrics.RateLimitDenialsTotal.WithLabelValues(string(d.Pool)).Inc()
		return &RateLimitError{Decision: d, Tier: a.Tier, RetryAfter: d.RetryAfter(g.now())}
	}
	return nil
}

// Charge verifies payment for priced routes.
func (g *Gate) Charge(ctx context.Context, a *Admission) error {
	if !a.Policy.Priced || g.payments == nil {
		return nil
	}

	res, err := g.payments.Process(ctx, a.Proof, a.ScanID, a.Resource)
	a.Payment = res
	if err == nil {
		return nil
	}

	if !isPaymentFailure(err) {
		return fmt.Errorf("charge: %w", err)
	}

	var reqs payment.Requirements
	if errors.Is(err, payment.ErrPaymentRequired) || errors.Is(err, payment.ErrInvalidPayment) {
		reqs = g.payments.Requirements(a.Resource, err.Error())
	}
	return paymentError(err, res, reqs)
}

func isPaymentFailure(err error) bool {
	return errors.Is(err, payment.ErrPaymentRequired) ||
		errors.Is(err, payment.ErrInvalidPayment) ||
		errors.Is(err, payment.ErrFacilitatorTimeout) ||
		errors.Is(err, payment.ErrFacilitatorUnavailable)
}
