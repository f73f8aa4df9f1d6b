package exchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// FX normalisation
// ---------------------------------------------------------------------------

// priceDecimals bounds the precision of converted order prices.
const priceDecimals = 8

// WithFX converts a venue that trades against venueQuote (e.g. EUR) into the
// engine's pairQuote units. rate is pairQuote per venueQuote. Quote prices and
// quote-currency balances are multiplied by rate; order prices are divided by
// it on the way out.
func WithFX(pairQuote, venueQuote domain.Currency, rate decimal.Decimal) Decorator {
	return func(_ *Venue, next domain.Exchange) domain.Exchange {
		if pairQuote == venueQuote || rate.Equal(decimal.NewFromInt(1)) {
			return next
		}
		return &fxExchange{next: next, pairQuote: pairQuote, venueQuote: venueQuote, rate: rate}
	}
}

type fxExchange struct {
	next       domain.Exchange
	pairQuote  domain.Currency
	venueQuote domain.Currency
	rate       decimal.Decimal
}

func (f *fxExchange) GetQuote(ctx context.Context) (domain.Quote, error) {
	q, err := f.next.GetQuote(ctx)
	if err != nil {
		return q, err
	}
	q.BidPrice = q.BidPrice.Mul(f.rate)
	q.AskPrice = q.AskPrice.Mul(f.rate)
	return q, nil
}

func (f *fxExchange) GetBalance(ctx context.Context, currency domain.Currency) (decimal.Decimal, error) {
	if currency != f.pairQuote {
		return f.next.GetBalance(ctx, currency)
	}
	bal, err := f.next.GetBalance(ctx, f.venueQuote)
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Mul(f.rate), nil
}

func (f *fxExchange) PlaceOrder(ctx context.Context, side domain.OrderSide, price, size decimal.Decimal) (string, error) {
	return f.next.PlaceOrder(ctx, side, price.DivRound(f.rate, priceDecimals), size)
}

func (f *fxExchange) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	st, err := f.next.GetOrderStatus(ctx, orderID)
	if err != nil {
		return st, err
	}
	st.AvgPrice = st.AvgPrice.Mul(f.rate)
	return st, nil
}

func (f *fxExchange) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return f.next.CancelOrder(ctx, orderID)
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

// WithRateLimit charges every adapter call against a shared sliding-window
// budget keyed by venue. Calls over budget fail fast with a TransientError
// wrapping domain.ErrRateLimited. If the limiter itself errors the call is let
// through so a cache outage does not stop trading.
func WithRateLimit(limiter domain.RateLimiter, limit int, window time.Duration, logger *slog.Logger) Decorator {
	return func(v *Venue, next domain.Exchange) domain.Exchange {
		if limiter == nil || limit <= 0 {
			return next
		}
		return &rateLimitedExchange{
			next:    next,
			venue:   v,
			limiter: limiter,
			key:     "venue:" + string(v.ID),
			limit:   limit,
			window:  window,
			logger:  logger.With(slog.String("component", "ratelimit"), slog.String("venue", string(v.ID))),
		}
	}
}

type rateLimitedExchange struct {
	next    domain.Exchange
	venue   *Venue
	limiter domain.RateLimiter
	key     string
	limit   int
	window  time.Duration
	logger  *slog.Logger
}

func (r *rateLimitedExchange) take(ctx context.Context, op string) error {
	dec, err := r.limiter.Take(ctx, r.key, r.limit, r.window)
	if err != nil {
		r.logger.Warn("rate limiter unavailable, allowing call",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return nil
	}
	r.venue.budget.Store(int64(dec.Remaining))
	if !dec.Allowed {
		return &domain.TransientError{Venue: r.venue.ID, Op: op, Err: domain.ErrRateLimited}
	}
	return nil
}

func (r *rateLimitedExchange) GetQuote(ctx context.Context) (domain.Quote, error) {
	if err := r.take(ctx, "get_quote"); err != nil {
		return domain.Quote{}, err
	}
	return r.next.GetQuote(ctx)
}

func (r *rateLimitedExchange) GetBalance(ctx context.Context, currency domain.Currency) (decimal.Decimal, error) {
	if err := r.take(ctx, "get_balance"); err != nil {
		return decimal.Zero, err
	}
	return r.next.GetBalance(ctx, currency)
}

func (r *rateLimitedExchange) PlaceOrder(ctx context.Context, side domain.OrderSide, price, size decimal.Decimal) (string, error) {
	if err := r.take(ctx, "place_order"); err != nil {
		return "", err
	}
	return r.next.PlaceOrder(ctx, side, price, size)
}

func (r *rateLimitedExchange) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	if err := r.take(ctx, "get_order_status"); err != nil {
		return domain.OrderState{}, err
	}
	return r.next.GetOrderStatus(ctx, orderID)
}

func (r *rateLimitedExchange) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := r.take(ctx, "cancel_order"); err != nil {
		return false, err
	}
	return r.next.CancelOrder(ctx, orderID)
}

// ---------------------------------------------------------------------------
// Retries
// ---------------------------------------------------------------------------

// RetryPolicy bounds the exponential backoff applied to transient errors.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy returns the policy used when a venue sets only
// retry_max_elapsed.
func DefaultRetryPolicy(maxElapsed time.Duration) RetryPolicy {
	return RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsed:      maxElapsed,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(b, ctx)
}

// WithRetry retries transient failures of idempotent calls: quotes, balances,
// order status and cancels. PlaceOrder is passed straight through; a blind
// retry could place the same order twice.
func WithRetry(policy RetryPolicy, logger *slog.Logger) Decorator {
	return func(v *Venue, next domain.Exchange) domain.Exchange {
		if policy.MaxElapsed <= 0 {
			return next
		}
		return &retryingExchange{
			next:   next,
			policy: policy,
			logger: logger.With(slog.String("component", "retry"), slog.String("venue", string(v.ID))),
		}
	}
}

type retryingExchange struct {
	next   domain.Exchange
	policy RetryPolicy
	logger *slog.Logger
}

func retry[T any](ctx context.Context, r *retryingExchange, op string, fn func() (T, error)) (T, error) {
	attempt := func() (T, error) {
		v, err := fn()
		if err != nil && !domain.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("retrying transient failure",
			slog.String("op", op),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	return backoff.RetryNotifyWithData(attempt, r.policy.backOff(ctx), notify)
}

func (r *retryingExchange) GetQuote(ctx context.Context) (domain.Quote, error) {
	return retry(ctx, r, "get_quote", func() (domain.Quote, error) {
		return r.next.GetQuote(ctx)
	})
}

func (r *retryingExchange) GetBalance(ctx context.Context, currency domain.Currency) (decimal.Decimal, error) {
	return retry(ctx, r, "get_balance", func() (decimal.Decimal, error) {
		return r.next.GetBalance(ctx, currency)
	})
}

func (r *retryingExchange) PlaceOrder(ctx context.Context, side domain.OrderSide, price, size decimal.Decimal) (string, error) {
	return r.next.PlaceOrder(ctx, side, price, size)
}

func (r *retryingExchange) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	return retry(ctx, r, "get_order_status", func() (domain.OrderState, error) {
		return r.next.GetOrderStatus(ctx, orderID)
	})
}

func (r *retryingExchange) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return retry(ctx, r, "cancel_order", func() (bool, error) {
		return r.next.CancelOrder(ctx, orderID)
	})
}
