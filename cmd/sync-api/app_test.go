package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/CRMSync/config"
	"github.com/BearBump/CRMSync/internal/app"
	"github.com/BearBump/CRMSync/internal/integrations/crm"
	crmfake "github.com/BearBump/CRMSync/internal/integrations/crm/fake"
	"github.com/BearBump/CRMSync/internal/integrations/crm/crmhttp"
	"github.com/BearBump/CRMSync/internal/integrations/storefront"
	storefake "github.com/BearBump/CRMSync/internal/integrations/storefront/fake"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/BearBump/CRMSync/internal/services/dispatch"
	"github.com/BearBump/CRMSync/internal/storage/memsync"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// chanConsumer feeds queued messages to the handler, then blocks until ctx is done.
type chanConsumer struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *chanConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	c.mu.Lock()
	msgs := c.msgs
	c.msgs = nil
	c.mu.Unlock()
	for _, m := range msgs {
		if err := handler(nil, m); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func buildServices(t *testing.T, crmc *crmfake.Client) *app.Services {
	t.Helper()
	d := decimal.RequireFromString
	store := storefake.New(&models.Order{
		ID: 5, Number: "5", Currency: "USD", Status: models.OrderStatusProcessing,
		Customer:   models.Customer{Email: "q@example.com"},
		Items:      []models.LineItem{{ProductID: 2, Name: "Cup", Quantity: 1, UnitPrice: d("9.50")}},
		Subtotal:   d("9.50"),
		GrandTotal: d("9.50"),
	})

	f := app.DefaultFactories()
	f.NewStorage = func(*config.Config) (app.Repository, func(), error) { return memsync.New(), func() {}, nil }
	f.NewStore = func(*config.Config) storefront.Store { return store }
	f.NewCRMClient = func(*config.Config, crmhttp.ContactCache) crm.Client { return crmc }

	svc, err := app.Build(&config.Config{}, f, nil)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func TestRunSyncAPI_ServesAndConsumes(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	crmc := crmfake.New("")
	svc := buildServices(t, crmc)
	cons := &chanConsumer{msgs: [][]byte{[]byte(`{"order_id":5}`)}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- runSyncAPI(ctx, syncAPIOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: sw,
			inbound:     []inboundTopic{{consumer: cons, topic: "storefront.order_changed", decode: dispatch.DecodeOrderChanged}},
			onListen:    func(addr string) { ready <- addr },
		}, svc, nil)
	}()

	var addr string
	select {
	case addr = <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("api did not start")
	}

	require.Eventually(t, func() bool { return crmc.Creates() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/v1/records/5")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"sync_status":"completed"`)

	resp, err = http.Get("http://" + addr + "/swagger.json")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.True(t, strings.Contains(string(body), "swagger"))

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("api did not stop")
	}
}

func TestRunSyncAPI_MissingSwagger(t *testing.T) {
	svc := buildServices(t, crmfake.New(""))
	err := runSyncAPI(context.Background(), syncAPIOpts{httpAddr: "127.0.0.1:0", swaggerPath: "/nope/swagger.json"}, svc, nil)
	require.Error(t, err)
}
