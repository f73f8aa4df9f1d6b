package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/xbtarbiter/internal/blob/s3"
	memcache "github.com/alanyoungcy/xbtarbiter/internal/cache/memory"
	"github.com/alanyoungcy/xbtarbiter/internal/cache/redis"
	"github.com/alanyoungcy/xbtarbiter/internal/config"
	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/exchange"
	"github.com/alanyoungcy/xbtarbiter/internal/notify"
	"github.com/alanyoungcy/xbtarbiter/internal/observability"
	"github.com/alanyoungcy/xbtarbiter/internal/platform/paper"
	"github.com/alanyoungcy/xbtarbiter/internal/server/handler"
	memstore "github.com/alanyoungcy/xbtarbiter/internal/store/memory"
	"github.com/alanyoungcy/xbtarbiter/internal/store/postgres"
	"github.com/shopspring/decimal"
)

// historyCapacity bounds the in-memory stores used when Postgres is off.
const historyCapacity = 10000

// archiveStores is what the archiver needs from the history stores. Both the
// Postgres and the in-memory stores satisfy it.
type archiveStores struct {
	executions    s3blob.ExecutionArchiveStore
	opportunities s3blob.OpportunityArchiveStore
}

// Dependencies bundles the infrastructure the modes run on. It is built by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	ExecutionStore   domain.ExecutionStore
	OpportunityStore domain.OpportunityStore
	AuditStore       domain.AuditStore

	// Caches
	QuoteCache  domain.QuoteCache
	RateLimiter domain.RateLimiter // nil without Redis
	LockManager domain.LockManager // nil without Redis
	SignalBus   domain.SignalBus

	// Archiver is nil unless S3 is enabled.
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier
	Metrics  *observability.Metrics // nil when metrics are disabled

	// Venues is the resolved venue set, fixed for the life of the process.
	Venues *exchange.Set

	// HealthChecks are the external dependencies reported by /api/health.
	HealthChecks map[string]handler.Pinger
}

// pingFunc adapts a function to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs the concrete implementations selected by cfg and returns
// them with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.Pinger)}

	if cfg.Metrics.Enabled {
		deps.Metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	}

	// --- PostgreSQL, or bounded in-memory history ---
	var archive archiveStores
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		execs := postgres.NewExecutionStore(pool)
		opps := postgres.NewOpportunityStore(pool)
		deps.ExecutionStore, deps.OpportunityStore = execs, opps
		deps.AuditStore = postgres.NewAuditStore(pool)
		archive = archiveStores{executions: execs, opportunities: opps}
		deps.HealthChecks["postgres"] = pgClient
	} else {
		execs := memstore.NewExecutionStore(historyCapacity)
		opps := memstore.NewOpportunityStore(historyCapacity)
		deps.ExecutionStore, deps.OpportunityStore = execs, opps
		deps.AuditStore = memstore.NewAuditStore(historyCapacity)
		archive = archiveStores{executions: execs, opportunities: opps}
	}

	// --- Redis, or process-local cache and bus ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.QuoteCache = redis.NewQuoteCache(redisClient, 2*cfg.Arbitrage.StalenessThreshold.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.HealthChecks["redis"] = redisClient
	} else {
		deps.QuoteCache = memcache.NewQuoteCache()
		deps.SignalBus = memcache.NewSignalBus(cfg.Redis.StreamMaxLen)
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			archive.executions,
			archive.opportunities,
			deps.AuditStore,
			logger,
		)
		deps.HealthChecks["s3"] = pingFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Venues ---
	venues, err := BuildVenues(cfg, deps.RateLimiter, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: venues: %w", err)
	}
	deps.Venues = venues

	return deps, cleanup, nil
}

// BuildVenues resolves every configured venue to an adapter wrapped in its
// FX, rate limit and retry decorators. limiter may be nil, in which case only
// the per-venue request spacing applies.
func BuildVenues(cfg *config.Config, limiter domain.RateLimiter, logger *slog.Logger) (*exchange.Set, error) {
	pairQuote := domain.Currency(cfg.Pair.Quote)
	venues := make([]*exchange.Venue, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		fees := domain.FeeScheduleFromBps(vc.MakerFeeBps, vc.TakerFeeBps)
		venueQuote := pairQuote
		if vc.QuoteCurrency != "" {
			venueQuote = domain.Currency(strings.ToUpper(vc.QuoteCurrency))
		}

		var raw domain.Exchange
		switch vc.Kind {
		case "paper":
			raw = newPaperVenue(cfg, vc, venueQuote, fees)
		default:
			return nil, fmt.Errorf("venue %s: unsupported kind %q", vc.ID, vc.Kind)
		}

		// Innermost first: every retry attempt spends rate budget.
		var decorators []exchange.Decorator
		if limiter != nil && vc.RateLimit > 0 {
			decorators = append(decorators, exchange.WithRateLimit(limiter, vc.RateLimit, vc.RateWindow.Duration, logger))
		}
		decorators = append(decorators, exchange.WithRetry(exchange.DefaultRetryPolicy(vc.RetryMaxElapsed.Duration), logger))
		if venueQuote != pairQuote {
			decorators = append(decorators, exchange.WithFX(pairQuote, venueQuote, vc.FXRate.Decimal))
		}

		venues = append(venues, exchange.NewVenue(exchange.Spec{
			ID:                domain.VenueID(vc.ID),
			Fees:              fees,
			MinOrderSize:      vc.MinOrderSize.Decimal,
			PollInterval:      vc.PollInterval.Duration,
			MinRequestSpacing: vc.MinRequestSpacing.Duration,
			Latency:           vc.Latency.Duration,
		}, raw, decorators...))
	}
	return exchange.NewSet(venues...)
}

func newPaperVenue(cfg *config.Config, vc config.VenueConfig, venueQuote domain.Currency, fees domain.FeeSchedule) *paper.Exchange {
	balances := make(map[domain.Currency]decimal.Decimal, len(vc.Paper.Balances))
	for cur, amount := range vc.Paper.Balances {
		balances[domain.Currency(strings.ToUpper(cur))] = amount.Decimal
	}
	return paper.New(paper.Config{
		Venue:     domain.VenueID(vc.ID),
		Base:      domain.Currency(cfg.Pair.Base),
		Quote:     venueQuote,
		Bid:       vc.Paper.Bid.Decimal,
		Ask:       vc.Paper.Ask.Decimal,
		Depth:     vc.Paper.Depth.Decimal,
		JitterBps: vc.Paper.JitterBps,
		Fees:      fees,
		FillMode:  paper.FillMode(vc.Paper.FillMode),
		Balances:  balances,
	})
}
