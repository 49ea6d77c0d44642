// Command gateway runs the Client Gateway: the WebSocket-facing process
// that serves subscribe/unsubscribe/submitTask requests, fans out
// market-data and task-completion events, and exposes a small HTTP/admin
// surface alongside it.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantframe/marketbus/pkg/config"
	"github.com/quantframe/marketbus/pkg/database"
	"github.com/quantframe/marketbus/pkg/events"
	"github.com/quantframe/marketbus/pkg/gateway"
	"github.com/quantframe/marketbus/pkg/gatewayhttp"
	"github.com/quantframe/marketbus/pkg/subscription"
	"github.com/quantframe/marketbus/pkg/taskqueue"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", "./deploy/config/marketbus.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}

	db, err := database.NewClientFromDSN(ctx, cfg.DBConnection)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("error closing database client", "error", err)
		}
	}()
	slog.Info("connected to database")

	registry := subscription.NewRegistry(db.DB())
	tasks := taskqueue.NewQueue(db.DB())
	handlers := gateway.NewHandlers(registry, tasks, gateway.Settings{
		SessionOutboundCapacity: cfg.SessionOutboundCapacity,
		SlowConsumerGraceMS:     cfg.SlowConsumerGraceMS,
		PingIntervalS:           cfg.PingIntervalS,
		PingTimeoutS:            cfg.PingTimeoutS,
	})
	manager := gateway.NewSessionManager(
		registry,
		handlers,
		cfg.SessionOutboundCapacity,
		0, // writeTimeout: use gateway's own default, not separately configured
		time.Duration(cfg.SlowConsumerGraceMS)*time.Millisecond,
		time.Duration(cfg.PingIntervalS)*time.Second,
		time.Duration(cfg.PingTimeoutS)*time.Second,
	)
	dispatcher := gateway.NewDispatcher(manager, tasks)

	listener := events.NewNotifyListener(cfg.DBConnection, dispatcher)
	listener.OnReconnect(func() {
		// A dropped LISTEN connection may have silently missed
		// subscription.add/remove NOTIFYs while it was down; Clean forces
		// every downstream consumer to resync against the registry's actual
		// state rather than trust whatever it last saw (spec.md §4.4).
		if err := registry.Clean(ctx); err != nil {
			slog.Error("gateway notify listener reconnected but registry clean failed", "error", err)
			return
		}
		slog.Warn("gateway notify listener reconnected; registry cleaned")
	})
	if err := listener.Start(ctx); err != nil {
		log.Fatalf("failed to start notify listener: %v", err)
	}
	defer listener.Stop(ctx)

	for _, ch := range []string{
		events.ChannelKlineLive,
		events.ChannelKlineClosed,
		events.ChannelRealtimeUpdate,
		events.ChannelTaskCompleted,
		events.ChannelSignalNew,
		events.ChannelAlertConfigNew,
		events.ChannelAlertConfigUpdate,
		events.ChannelAlertConfigDelete,
	} {
		if err := listener.Subscribe(ctx, ch); err != nil {
			log.Fatalf("failed to subscribe to %s: %v", ch, err)
		}
	}

	srv := gatewayhttp.NewServer(db, manager, registry, nil)
	slog.Info("client gateway listening", "address", cfg.ListenAddress)
	if err := srv.Run(cfg.ListenAddress); err != nil {
		log.Fatalf("gateway server exited: %v", err)
	}
}
