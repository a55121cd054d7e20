package app

import (
	"context"
	"log/slog"
	"strconv"
	"testing"

	"github.com/BearBump/CRMSync/config"
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
	"github.com/BearBump/CRMSync/internal/ratelimit"
	"github.com/BearBump/CRMSync/internal/storage/memsync"
	"github.com/BearBump/CRMSync/internal/tasks"
	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDefaultFactories_InProcessFallbacks(t *testing.T) {
	f := DefaultFactories()
	cfg := &config.Config{}

	repo, closeFn, err := f.NewStorage(cfg)
	require.NoError(t, err)
	closeFn()
	_, ok := repo.(*memsync.Storage)
	require.True(t, ok)

	_, ok = f.NewCRMClient(cfg, nil).(*crmfake.Client)
	require.True(t, ok)
	_, ok = f.NewStore(cfg).(*storefake.Store)
	require.True(t, ok)
	_, ok = f.NewLocker(cfg).(*locks.Local)
	require.True(t, ok)
	_, ok = f.NewRateLimiter(cfg).(*ratelimit.Local)
	require.True(t, ok)
	_, ok = f.NewTasks(cfg).(*tasks.Memory)
	require.True(t, ok)

	pub, closePub := f.NewPublisher(cfg)
	require.Nil(t, pub)
	closePub()
	cache, closeCache := f.NewCache(cfg)
	require.Nil(t, cache)
	closeCache()
}

func TestDefaultFactories_External(t *testing.T) {
	mr := miniredis.RunT(t)
	f := DefaultFactories()
	cfg := &config.Config{
		Redis:      config.RedisConfig{Host: mr.Host(), Port: mustPort(t, mr.Port())},
		Kafka:      config.KafkaConfig{Host: "localhost", Port: 9092},
		CRM:        config.CRMConfig{Mode: "http", BaseURL: "http://crm.local", TimeoutSeconds: 3, ContactCacheTTLSeconds: 60},
		Storefront: config.StorefrontConfig{Mode: "http", BaseURL: "http://shop.local", TimeoutSeconds: 3},
	}

	cache, closeCache := f.NewCache(cfg)
	defer closeCache()
	_, ok := cache.(*rediscache.RedisCache)
	require.True(t, ok)

	_, ok = f.NewCRMClient(cfg, cache).(*crmhttp.Client)
	require.True(t, ok)
	_, ok = f.NewStore(cfg).(*storehttp.Client)
	require.True(t, ok)
	_, ok = f.NewLocker(cfg).(*rediscache.Locker)
	require.True(t, ok)
	_, ok = f.NewRateLimiter(cfg).(*rediscache.RateLimiter)
	require.True(t, ok)
	_, ok = f.NewTasks(cfg).(*rediscache.DelayQueue)
	require.True(t, ok)

	pub, closePub := f.NewPublisher(cfg)
	require.NotNil(t, pub)
	closePub()
}

func TestBuild_WiresBusToSyncer(t *testing.T) {
	store := storefake.New(&models.Order{
		ID: 77, Number: "77", Currency: "USD", Status: models.OrderStatusProcessing,
		Customer:   models.Customer{Email: "x@example.com"},
		Items:      []models.LineItem{{ProductID: 1, Name: "Pen", Quantity: 1, UnitPrice: decimal.NewFromInt(5)}},
		Subtotal:   decimal.NewFromInt(5),
		GrandTotal: decimal.NewFromInt(5),
	})
	crmc := crmfake.New("")
	closed := 0

	f := DefaultFactories()
	f.NewStorage = func(cfg *config.Config) (Repository, func(), error) {
		return memsync.New(), func() { closed++ }, nil
	}
	f.NewStore = func(*config.Config) storefront.Store { return store }
	f.NewCRMClient = func(*config.Config, crmhttp.ContactCache) crm.Client { return crmc }

	s, err := Build(&config.Config{}, f, slog.Default())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Bus.Publish(ctx, events.NewOrderChanged(77)))
	require.Equal(t, 1, crmc.Creates())

	rec, err := s.Repo.GetByOrderID(ctx, 77)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusCompleted, rec.SyncStatus)

	s.Close()
	require.Equal(t, 1, closed)
}

func TestNewLogger(t *testing.T) {
	l := NewLogger(&config.Config{CRMSync: config.CRMSyncConfig{LogLevel: "debug", LogFormat: "text"}})
	require.True(t, l.Enabled(context.Background(), slog.LevelDebug))

	l = NewLogger(&config.Config{CRMSync: config.CRMSyncConfig{LogLevel: "warn"}})
	require.False(t, l.Enabled(context.Background(), slog.LevelInfo))
}

func mustPort(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}
