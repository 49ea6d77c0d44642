// Command adapter runs the Exchange Adapter: it maintains the upstream
// market-data WebSocket connections, reconciles them against the
// Subscription Registry, writes incoming updates into LiveRows, and runs
// the task-queue worker pool that executes one-shot REST calls.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantframe/marketbus/pkg/account"
	"github.com/quantframe/marketbus/pkg/config"
	"github.com/quantframe/marketbus/pkg/database"
	"github.com/quantframe/marketbus/pkg/events"
	"github.com/quantframe/marketbus/pkg/exchange"
	"github.com/quantframe/marketbus/pkg/store"
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
	workerID := flag.String("worker-id", getEnv("WORKER_ID", "adapter-1"),
		"Identifies this process's workers for claimed_at/worker_id bookkeeping")
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

	signer, err := exchange.NewSigner(
		exchange.SignatureType(cfg.SignatureType),
		[]byte(cfg.PrivateKeyMaterial),
		cfg.PrivateKeyPassphrase,
	)
	if err != nil {
		log.Fatalf("failed to build request signer: %v", err)
	}

	st := store.New(db.DB())
	registry := subscription.NewRegistry(db.DB())

	spotIngester := exchange.NewIngester(st)
	spotConn := exchange.NewConnection(cfg.Upstream.SpotWS, spotIngester.HandleMessage)
	spotReconciler := exchange.NewReconciler(spotConn, registry, time.Duration(cfg.ReconcileWindowMS)*time.Millisecond)
	spotConn.Start(ctx)
	defer spotConn.Stop()

	var futuresConn *exchange.Connection
	var futuresReconciler *exchange.Reconciler
	if cfg.Upstream.FuturesWS != "" {
		futuresIngester := exchange.NewIngester(st)
		futuresConn = exchange.NewConnection(cfg.Upstream.FuturesWS, futuresIngester.HandleMessage)
		futuresReconciler = exchange.NewReconciler(futuresConn, registry, time.Duration(cfg.ReconcileWindowMS)*time.Millisecond)
		futuresConn.Start(ctx)
		defer futuresConn.Stop()
	}

	executor := exchange.NewRESTExecutor(cfg.Upstream.SpotREST, cfg.Upstream.FuturesREST, cfg.APIKey, signer)

	// Account user-streams (spec.md §4.7) are started per ACCOUNT key the
	// moment a session subscribes to one, not unconditionally at boot —
	// there is no "the" account to snapshot until a client asks for it.
	// The futures fetchers are passed unconditionally, including when no
	// futures REST base is configured.
	accountManager := account.NewManager(registry, st, account.Fetchers{
		SpotSnapshot:       executor.FetchSpotAccountSnapshot,
		FuturesSnapshot:    executor.FetchFuturesAccountSnapshot,
		CreateListenKey:    executor.CreateFuturesListenKey,
		KeepAliveListenKey: executor.KeepAliveFuturesListenKey,
	}, cfg.SnapshotInterval)

	// Every subscription-change notification is fanned out to every
	// per-family reconciler and the account manager; each one only acts on
	// the keys it owns — the market-data reconcilers on KLINE/QUOTES/TRADE/
	// DEPTH keys, accountManager on ACCOUNT keys (both see every key today —
	// partitioning at the dispatch layer is future work, see DESIGN.md).
	listener := events.NewNotifyListener(cfg.DBConnection, routerFunc(func(channel string, payload []byte) {
		spotReconciler.Route(channel, payload)
		if futuresReconciler != nil {
			futuresReconciler.Route(channel, payload)
		}
		accountManager.Route(channel, payload)
	}))
	if err := listener.Start(ctx); err != nil {
		log.Fatalf("failed to start notify listener: %v", err)
	}
	defer listener.Stop(ctx)

	for _, ch := range []string{
		events.ChannelSubscriptionAdd,
		events.ChannelSubscriptionRem,
		events.ChannelSubscriptionClean,
	} {
		if err := listener.Subscribe(ctx, ch); err != nil {
			log.Fatalf("failed to subscribe to %s: %v", ch, err)
		}
	}

	pool := taskqueue.NewWorkerPool(*workerID, db.DB(), taskqueue.Config{
		WorkerCount:             cfg.TaskWorkerCount,
		MaxAttempts:             cfg.TaskMaxAttempts,
		PollInterval:            500 * time.Millisecond,
		PollIntervalJitter:      250 * time.Millisecond,
		ClaimOrphanThreshold:    5 * time.Minute,
		OrphanDetectionInterval: time.Minute,
		RetryBackoffBase:        time.Second,
		RetryBackoffCap:         16 * time.Second,
	}, executor)
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("failed to start task worker pool: %v", err)
	}
	defer pool.Stop()

	slog.Info("exchange adapter running", "worker_id", *workerID, "workers", cfg.TaskWorkerCount)
	<-ctx.Done()
}

// routerFunc adapts a plain function to events.Router.
type routerFunc func(channel string, payload []byte)

func (f routerFunc) Route(channel string, payload []byte) {
	f(channel, payload)
}
