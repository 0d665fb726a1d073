// Command feedengine streams the broker's derivative market data feed,
// normalizes it, stores it and pushes it to the dashboard.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"

	"derivfeed/config"
	"derivfeed/internal/catalog"
	"derivfeed/internal/gateway"
	"derivfeed/internal/logger"
	"derivfeed/internal/marketdata/bus"
	"derivfeed/internal/marketdata/closedetector"
	"derivfeed/internal/marketdata/feed"
	"derivfeed/internal/marketdata/normalize"
	"derivfeed/internal/markethours"
	"derivfeed/internal/metrics"
	"derivfeed/internal/model"
	"derivfeed/internal/notification"
	"derivfeed/internal/store/kafka"
	"derivfeed/internal/store/postgres"
	redisstore "derivfeed/internal/store/redis"
	"derivfeed/internal/store/sqlite"
	"derivfeed/internal/subscription"
)

// store is what the engine needs from a storage backend.
type store interface {
	model.TickStore
	model.InstrumentStore
	DB() *sql.DB
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := logger.Init("feedengine", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting", "staging", cfg.StagingMode, "authorize_url", cfg.AuthorizeURL)

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()

	// ---- Storage ----
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	// ---- Catalog & subscriptions ----
	cat := catalog.New(cfg.CatalogPath, catalog.WithLogger(log))
	if _, err := cat.Load(); err != nil {
		return err
	}
	builder := subscription.NewBuilder(cat, st, subscription.Options{
		Indices:            cfg.Subscription.Indices,
		MonthsAhead:        cfg.Subscription.MonthsAhead,
		IncludeIndexQuotes: cfg.Subscription.IncludeIndexQuotes,
		IncludeFINNIFTY:    cfg.Subscription.IncludeFINNIFTY,
		IncludeMIDCPNIFTY:  cfg.Subscription.IncludeMIDCPNIFTY,
	}, cfg.Subscription.MaxInstruments, subscription.WithLogger(log))
	entries, err := builder.Init(ctx)
	if err != nil {
		return fmt.Errorf("build subscriptions: %w", err)
	}
	prom.SubscribedTotal.Set(float64(len(entries)))

	// ---- Publishers ----
	hub := gateway.NewHub(log)
	hub.OnClientCount = func(n int) { prom.GatewayClients.Set(float64(n)) }
	hub.OnLatency = func(d time.Duration) { prom.GatewayPushLag.Observe(d.Seconds()) }
	defer hub.Close()

	fanout := bus.NewFanOut(cfg.FanoutBuffer)
	fanout.OnDrop = func(name string) { prom.FanoutDropsTotal.WithLabelValues(name).Inc() }
	fanout.OnError = func(name string, err error) {
		prom.PublishErrors.WithLabelValues(name).Inc()
		log.Debug("publish failed", "publisher", name, "error", err)
	}

	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		rp, err := redisstore.New(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, log)
		if err != nil {
			if cfg.GatewayViaRedis {
				return err
			}
			log.Warn("redis unavailable, continuing without it", "error", err)
		} else {
			rp.OnBreakerChange = func(_, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
			}
			defer rp.Close()
			rdb = rp.Client()
			fanout.Attach("redis", rp)
		}
	}
	if !cfg.GatewayViaRedis {
		fanout.Attach("gateway", hub)
	}
	if len(cfg.KafkaBrokers) > 0 {
		exp := kafka.New(kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic), cfg.KafkaTopic, log)
		defer exp.Close()
		fanout.Attach("kafka", exp)
	}

	// ---- Pipeline ----
	detector := closedetector.New(markethours.TodayClose(time.Now()), log)
	sink := &observingSink{Sink: bus.NewSink(st, fanout, log), det: detector}
	pipeline := normalize.NewPipeline(builder, sink, normalize.PipelineConfig{
		StatsEvery: cfg.StatsEvery,
		Metrics:    prom,
		Health:     health,
		Logger:     log,
	})

	// ---- Alerts ----
	alerts := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.AlertWebhookURL != "" {
		alerts = append(alerts, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		alerts = append(alerts, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}

	// ---- Connection manager ----
	mgr := feed.NewManager(feed.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		MaxAttempts:    cfg.ReconnectMaxAttempts,
		BaseDelay:      cfg.ReconnectBaseDelay,
	}, feed.Deps{
		Authorizer:   feed.NewAuthorizer(cfg.AuthorizeURL, cfg.AccessToken),
		Handler:      pipeline,
		Identifiers:  builder.Identifiers,
		OnSubscribed: builder.MarkSubscribed,
		Logger:       log,
	})
	mgr.OnStateChange = func(from, to feed.State) {
		prom.FeedState.Set(float64(to.Phase))
		if to.Phase == feed.Reconnecting {
			prom.FeedReconnects.Inc()
		}
		health.SetFeedState(to.String(), to.Phase == feed.Connected)
	}
	mgr.OnExhausted = func(attempts int, lastErr error) {
		prom.FeedExhausted.Inc()
		actx, acancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer acancel()
		err := alerts.Send(actx, notification.Alert{
			Level:   notification.AlertCritical,
			Title:   "Feed reconnect exhausted",
			Message: lastErr.Error(),
			Fields:  map[string]string{"attempts": strconv.Itoa(attempts)},
			TS:      time.Now(),
		})
		if err != nil {
			log.Error("alert delivery failed", "error", err)
		}
	}

	// ---- Servers ----
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, prometheus.DefaultGatherer, health, func() any {
		return pipeline.Stats().Snapshot(time.Now())
	})
	metricsSrv.Start()
	var sources gateway.Sources
	if ss, ok := st.(*sqlite.Store); ok {
		r := ss.Reader()
		sources.Ticks = r
		sources.Status = r
	}
	if rdb != nil {
		sources.Recent = redisstore.NewReader(rdb)
	}
	gatewaySrv := gateway.NewServer(cfg.GatewayAddr, hub, sources)
	gatewaySrv.Start()

	health.StartLivenessChecker(ctx, rdb, st.DB(), 10*time.Second)

	var wg conc.WaitGroup
	wg.Go(func() { fanout.Run(ctx) })
	if cfg.GatewayViaRedis && rdb != nil {
		relay := gateway.NewRedisRelay(hub, rdb, redisstore.PubPrefix)
		wg.Go(func() {
			if err := relay.Run(ctx, nil); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("redis relay stopped", "error", err)
			}
		})
	}
	wg.Go(func() { gaugeLoop(ctx, prom, fanout) })

	if cfg.MarketHoursOnly {
		refresh := func(ctx context.Context) ([]model.SubscriptionEntry, error) {
			entries, err := builder.Init(ctx)
			if err != nil {
				return nil, err
			}
			prom.SubscribedTotal.Set(float64(len(entries)))
			return entries, nil
		}
		wg.Go(func() { sessionLoop(ctx, mgr, detector, refresh, log) })
		log.Info("feed gated to market hours", "status", markethours.StatusString(time.Now()))
	} else {
		if err := mgr.Connect(ctx); err != nil {
			log.Warn("initial connect failed, reconnect scheduled", "error", err)
		}
	}

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Info("shutdown signal received, cleaning up")
	mgr.Shutdown()
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	gatewaySrv.Stop(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	return nil
}

// openStore opens Postgres when a DSN is configured and SQLite otherwise.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store, error) {
	if cfg.PostgresDSN != "" {
		return postgres.Open(ctx, cfg.PostgresDSN, log)
	}
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return sqlite.Open(cfg.SQLitePath, log)
}

// observingSink lets the close detector see every published tick.
type observingSink struct {
	*bus.Sink
	det *closedetector.Detector
}

func (s *observingSink) Publish(ctx context.Context, ticks []model.NormalizedTick) error {
	s.det.Observe(ticks, time.Now())
	return s.Sink.Publish(ctx, ticks)
}

// sessionLoop connects for each trading session's feed window and
// disconnects once the closing prices have settled. refresh rebuilds the
// subscription list for the session's trading day before connecting.
func sessionLoop(ctx context.Context, mgr *feed.Manager, det *closedetector.Detector, refresh func(context.Context) ([]model.SubscriptionEntry, error), log *slog.Logger) {
	var entries []model.SubscriptionEntry
	for {
		now := time.Now()
		if wait := markethours.TimeUntilFeedWindow(now); wait > 0 {
			log.Info("market closed, waiting for feed window",
				"status", markethours.StatusString(now),
				"wait", wait.Truncate(time.Second).String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		det.Reset(markethours.TodayClose(now))
		sctx, scancel := context.WithDeadline(ctx, det.Deadline())
		log.Info("feed window open", "close", det.CloseTime().Format("15:04:05"))
		if fresh, err := refresh(sctx); err != nil {
			log.Error("subscription refresh failed, using previous list", "error", err)
		} else {
			entries = fresh
		}
		if err := mgr.Connect(sctx); err != nil {
			log.Warn("session connect failed, reconnect scheduled", "error", err)
		}
		waitSettled(sctx, det)
		scancel()
		mgr.Shutdown()
		logClosingPrices(det, entries, log)
		log.Info("feed session ended")

		if ctx.Err() != nil {
			return
		}
	}
}

// waitSettled blocks until ctx ends or the detector reports the close settled.
func waitSettled(ctx context.Context, det *closedetector.Detector) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if det.Settled(now) {
				return
			}
		}
	}
}

// logClosingPrices reports the last traded price of each index quote.
func logClosingPrices(det *closedetector.Detector, entries []model.SubscriptionEntry, log *slog.Logger) {
	for _, e := range entries {
		if e.Kind != model.KindIndex {
			continue
		}
		if ltp, ok := det.ClosingPrice(e.Identifier); ok {
			log.Info("closing price", "symbol", e.Symbol, "identifier", e.Identifier, "ltp", ltp)
		}
	}
}

// gaugeLoop samples the market session and fan-out queue depths.
func gaugeLoop(ctx context.Context, prom *metrics.Metrics, fanout *bus.FanOut) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		open := 0.0
		if markethours.IsMarketOpen(time.Now()) {
			open = 1
		}
		prom.MarketState.Set(open)
		for _, st := range fanout.ChannelStats() {
			prom.FanoutQueueDepth.WithLabelValues(st.Name).Set(float64(st.Len))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
