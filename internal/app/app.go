package app

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BearBump/CRMSync/config"
	"github.com/BearBump/CRMSync/internal/broker/kafka"
	"github.com/BearBump/CRMSync/internal/cache/rediscache"
	"github.com/BearBump/CRMSync/internal/events"
	"github.com/BearBump/CRMSync/internal/integrations/crm"
	"github.com/BearBump/CRMSync/internal/integrations/crm/crmhttp"
	crmfake "github.com/BearBump/CRMSync/internal/integrations/crm/fake"
	"github.com/BearBump/CRMSync/internal/integrations/storefront"
	storefake "github.com/BearBump/CRMSync/internal/integrations/storefront/fake"
	"github.com/BearBump/CRMSync/internal/integrations/storefront/storehttp"
	"github.com/BearBump/CRMSync/internal/locks"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/BearBump/CRMSync/internal/notify"
	"github.com/BearBump/CRMSync/internal/ratelimit"
	"github.com/BearBump/CRMSync/internal/services/dispatch"
	"github.com/BearBump/CRMSync/internal/services/retry"
	"github.com/BearBump/CRMSync/internal/services/status"
	"github.com/BearBump/CRMSync/internal/services/syncer"
	"github.com/BearBump/CRMSync/internal/storage/memsync"
	"github.com/BearBump/CRMSync/internal/storage/pgsync"
	"github.com/BearBump/CRMSync/internal/tasks"
	"github.com/pkg/errors"
)

const (
	defaultOrderSyncedTopic      = "crmsync.order_synced"
	defaultPermanentFailureTopic = "crmsync.permanently_failed"
)

// Repository is everything the binaries need from sync record storage.
type Repository interface {
	GetByOrderID(ctx context.Context, orderID int64) (*models.SyncRecord, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*models.SyncRecord, error)
	Upsert(ctx context.Context, orderID int64, fn func(r *models.SyncRecord) error) (*models.SyncRecord, error)
	ClaimSync(ctx context.Context, orderID int64, token string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseSync(ctx context.Context, orderID int64, token string) error
	FindDueForRetry(ctx context.Context, now time.Time, maxRetries, limit int, lease time.Duration) ([]*models.SyncRecord, error)
	ClearRetryQueue(ctx context.Context) (int64, error)
	List(ctx context.Context, f models.RecordFilter) ([]*models.SyncRecord, error)
	CountByStatus(ctx context.Context) (map[models.SyncStatus]int64, error)
	Ping(ctx context.Context) error
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Factories builds the outer dependencies. Tests replace single entries.
type Factories struct {
	NewStorage     func(cfg *config.Config) (repo Repository, closeFn func(), err error)
	NewCRMClient   func(cfg *config.Config, cache crmhttp.ContactCache) crm.Client
	NewStore       func(cfg *config.Config) storefront.Store
	NewPublisher   func(cfg *config.Config) (Publisher, func())
	NewLocker      func(cfg *config.Config) syncer.Locker
	NewRateLimiter func(cfg *config.Config) syncer.RateLimiter
	NewTasks       func(cfg *config.Config) tasks.Scheduler
	NewCache       func(cfg *config.Config) (crmhttp.ContactCache, func())
}

func DefaultFactories() Factories {
	return Factories{
		NewStorage: func(cfg *config.Config) (Repository, func(), error) {
			if cfg.Database.Host == "" {
				return memsync.New(), func() {}, nil
			}
			st, err := openPostgresWithRetry(cfg.PostgresConnString(), 60*time.Second)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		NewCRMClient: func(cfg *config.Config, cache crmhttp.ContactCache) crm.Client {
			kind := cfg.SyncConfig().RecordKind
			if cfg.CRM.Mode != "http" || cfg.CRM.BaseURL == "" {
				return crmfake.New(kind)
			}
			c := crmhttp.New(cfg.CRM.BaseURL, kind, crm.StaticToken(cfg.CRM.APIToken))
			if cfg.CRM.TimeoutSeconds > 0 {
				c.WithTimeout(time.Duration(cfg.CRM.TimeoutSeconds) * time.Second)
			}
			if cache != nil && cfg.CRM.ContactCacheTTLSeconds > 0 {
				c.WithContactCache(cache, time.Duration(cfg.CRM.ContactCacheTTLSeconds)*time.Second)
			}
			return c
		},
		NewStore: func(cfg *config.Config) storefront.Store {
			if cfg.Storefront.Mode != "http" || cfg.Storefront.BaseURL == "" {
				return storefake.New()
			}
			c := storehttp.New(cfg.Storefront.BaseURL, cfg.Storefront.APIKey, cfg.Storefront.APISecret)
			if cfg.Storefront.TimeoutSeconds > 0 {
				c.WithTimeout(time.Duration(cfg.Storefront.TimeoutSeconds) * time.Second)
			}
			return c
		},
		NewPublisher: func(cfg *config.Config) (Publisher, func()) {
			brokers := cfg.KafkaBrokers()
			if len(brokers) == 0 {
				return nil, func() {}
			}
			p := kafka.NewProducer(brokers)
			return p, func() { _ = p.Close() }
		},
		NewLocker: func(cfg *config.Config) syncer.Locker {
			if addr := cfg.RedisAddr(); addr != "" {
				return rediscache.NewLocker(addr)
			}
			return locks.NewLocal()
		},
		NewRateLimiter: func(cfg *config.Config) syncer.RateLimiter {
			if addr := cfg.RedisAddr(); addr != "" {
				return rediscache.NewRateLimiter(addr)
			}
			return ratelimit.NewLocal()
		},
		NewTasks: func(cfg *config.Config) tasks.Scheduler {
			if addr := cfg.RedisAddr(); addr != "" {
				return rediscache.NewDelayQueue(addr, "crmsync:retry")
			}
			return tasks.NewMemory()
		},
		NewCache: func(cfg *config.Config) (crmhttp.ContactCache, func()) {
			addr := cfg.RedisAddr()
			if addr == "" {
				return nil, func() {}
			}
			rc := rediscache.New(addr)
			return rc, func() { _ = rc.Close() }
		},
	}
}

// Services is the wired sync engine shared by both binaries.
type Services struct {
	Config     config.SyncConfig
	Repo       Repository
	CRM        crm.Client
	Store      storefront.Store
	Syncer     *syncer.Orchestrator
	Retry      *retry.Scheduler
	Reconciler *status.Reconciler
	Bus        *events.Bus

	closers []func()
}

func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func Build(cfg *config.Config, f Factories, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sc := cfg.SyncConfig()
	s := &Services{Config: sc}

	repo, closeRepo, err := f.NewStorage(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	s.Repo = repo
	s.closers = append(s.closers, closeRepo)

	var cache crmhttp.ContactCache
	if f.NewCache != nil {
		var closeCache func()
		cache, closeCache = f.NewCache(cfg)
		s.closers = append(s.closers, closeCache)
	}
	s.CRM = f.NewCRMClient(cfg, cache)
	s.Store = f.NewStore(cfg)

	var pub Publisher
	if f.NewPublisher != nil {
		var closePub func()
		pub, closePub = f.NewPublisher(cfg)
		s.closers = append(s.closers, closePub)
	}

	var ts tasks.Scheduler
	if f.NewTasks != nil {
		ts = f.NewTasks(cfg)
	}
	s.Retry = retry.NewScheduler(sc, repo, ts, logger).WithStatusCounter(repo)
	if pub != nil {
		s.Retry.WithNotifier(notify.NewKafka(pub, topicOr(cfg.Kafka.PermanentFailureTopicName, defaultPermanentFailureTopic)))
	} else {
		s.Retry.WithNotifier(notify.NewLog(logger))
	}

	s.Syncer = syncer.New(sc, s.Store, repo, s.CRM, logger).WithRetrier(s.Retry)
	if f.NewLocker != nil {
		s.Syncer.WithLocker(f.NewLocker(cfg))
	}
	if f.NewRateLimiter != nil {
		s.Syncer.WithRateLimiter(f.NewRateLimiter(cfg))
	}
	if pub != nil {
		s.Syncer.WithPublisher(pub, topicOr(cfg.Kafka.OrderSyncedTopicName, defaultOrderSyncedTopic))
	}
	s.Retry.WithSyncer(s.Syncer)

	s.Reconciler = status.New(sc, repo, s.Store, s.CRM, logger)
	s.Bus = events.NewBus(logger)
	dispatch.Register(s.Bus, s.Syncer, s.Reconciler, repo, logger)

	return s, nil
}

// NewLogger builds the process logger from the crmsync log settings.
func NewLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.CRMSync.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.CRMSync.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func openPostgresWithRetry(connString string, wait time.Duration) (*pgsync.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgsync.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		time.Sleep(time.Second)
	}
	return nil, errors.Wrapf(lastErr, "postgres is not ready after %s", wait)
}

func topicOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
