package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/CRMSync/config"
	"github.com/BearBump/CRMSync/internal/app"
	"github.com/BearBump/CRMSync/internal/broker/kafka"
	"github.com/BearBump/CRMSync/internal/services/dispatch"
	"github.com/joho/godotenv"
)

type syncAPIApp struct {
	ctx       context.Context
	cancel    context.CancelFunc
	opts      syncAPIOpts
	svc       *app.Services
	consumers []*kafka.Consumer
	logger    *slog.Logger
}

func mustBootstrapSyncAPI() *syncAPIApp {
	_ = godotenv.Load()

	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	svc, err := app.Build(cfg, app.DefaultFactories(), logger)
	if err != nil {
		panic(err)
	}

	httpAddr := cfg.CRMSync.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	var consumers []*kafka.Consumer
	var inbound []inboundTopic
	if brokers := cfg.KafkaBrokers(); len(brokers) > 0 {
		group := cfg.Kafka.ConsumerGroup
		if group == "" {
			group = "crmsync-api"
		}
		for _, t := range []struct {
			name   string
			def    string
			decode dispatch.Decoder
		}{
			{cfg.Kafka.OrderStatusTopicName, "storefront.order_status_changed", dispatch.DecodeOrderStatus},
			{cfg.Kafka.CRMStageTopicName, "crm.stage_changed", dispatch.DecodeCRMStage},
			{cfg.Kafka.OrderChangedTopicName, "storefront.order_changed", dispatch.DecodeOrderChanged},
		} {
			topic := t.name
			if topic == "" {
				topic = t.def
			}
			c := kafka.NewConsumer(brokers, topic, group)
			consumers = append(consumers, c)
			inbound = append(inbound, inboundTopic{consumer: c, topic: topic, decode: t.decode})
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &syncAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: syncAPIOpts{
			httpAddr:    httpAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			inbound:     inbound,
		},
		svc:       svc,
		consumers: consumers,
		logger:    logger,
	}
}

func (a *syncAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, c := range a.consumers {
		_ = c.Close()
	}
	if a.svc != nil {
		a.svc.Close()
	}
}

func (a *syncAPIApp) Run() error {
	return runSyncAPI(a.ctx, a.opts, a.svc, a.logger)
}
