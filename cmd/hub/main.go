// Command hub runs the message routing substrate: HTTP ingress, WebSocket
// device connections, the NATS transport adapter, heartbeat tracking, QoS
// retry sweeps, and Prometheus metrics, wired from environment configuration.
// Grounded on the teacher's go-server-3/cmd/odin-ws/main.go: the same
// signal.NotifyContext shutdown gate around a background HTTP goroutine,
// adapted to this hub's router/transport/heartbeat components instead of a
// WebSocket session hub and transport relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"uaip-hub/internal/config"
	"uaip-hub/internal/envelope"
	"uaip-hub/internal/heartbeat"
	"uaip-hub/internal/identity"
	"uaip-hub/internal/logging"
	"uaip-hub/internal/metrics"
	"uaip-hub/internal/qos"
	"uaip-hub/internal/queue"
	"uaip-hub/internal/ratelimit"
	"uaip-hub/internal/route"
	"uaip-hub/internal/router"
	"uaip-hub/internal/server"
	"uaip-hub/internal/transport"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info().Msg("starting uaip-hub")

	reg := metrics.NewRegistry()
	sampler := metrics.NewSystemSampler()

	q := queue.New(cfg.QueueMaxSize)
	qosEngine := qos.NewEngine(nil)
	qosEngine.SetMetrics(reg)
	routes := route.New(cfg.RouteShardCount)
	r := router.New(q, qosEngine, routes, cfg.DrainLookahead, reg)

	hbTracker := heartbeat.New(heartbeat.Config{
		HeartbeatPeriod: cfg.HeartbeatPeriod,
		GracePeriod:     cfg.GracePeriod,
		CheckPeriod:     cfg.CheckPeriod,
	})
	hbTracker.OnEvent(r.HeartbeatBridge(context.Background(), envelope.EntityDevice))

	qosEngine.OnTerminal(func(env envelope.Envelope, reason qos.TerminalReason) {
		logger.Warn().
			Str("message_id", env.Header.MessageID).
			Int("reason", int(reason)).
			Msg("message abandoned after exhausting QoS delivery")
	})

	idMgr := identity.NewManager(cfg.JWTSecret, cfg.JWTTokenTTL)
	limiter := ratelimit.New(ratelimit.Config{
		PerSenderRate:  cfg.RateLimitPerSender,
		PerSenderBurst: cfg.RateLimitBurst,
		Logger:         logger,
	})
	defer limiter.Stop()

	var natsTransport *transport.NATSTransport
	if cfg.NATSUrl != "" {
		natsTransport, err = transport.NewNATSTransport(transport.DefaultNATSConfig(cfg.NATSUrl), "uaip.hub.outbound", logger)
		if err != nil {
			logger.Warn().Err(err).Msg("NATS transport unavailable, continuing without it")
		} else {
			defer natsTransport.Close()
		}
	}

	httpServer := server.New(server.Config{
		ListenAddr:   cfg.ListenAddr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}, r, idMgr, limiter, hbTracker, reg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopSampling := make(chan struct{})
	go sampler.Run(reg, cfg.MetricsInterval, stopSampling)
	defer close(stopSampling)

	go qosEngine.Run(ctx, cfg.RetryPollInterval)
	go runHeartbeatSweep(ctx, hbTracker, r, reg, cfg.CheckPeriod, logger)

	httpErrCh := make(chan error, 1)
	go func() {
		defer logging.RecoverPanic(logger, "http-server", nil)
		httpErrCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server error")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}
	logger.Info().Msg("uaip-hub stopped")
}

// runHeartbeatSweep periodically ages out stale device heartbeats, prunes
// the router's broadcast dedup window, and republishes the gauges (queue depth, active routes, device liveness) that
// only make sense as point-in-time snapshots rather than running counters.
func runHeartbeatSweep(ctx context.Context, tracker *heartbeat.Tracker, r *router.Router, reg *metrics.Registry, period time.Duration, logger zerolog.Logger) {
	defer logging.RecoverPanic(logger, "heartbeat-sweep", nil)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker.CheckStale(time.Now())
			r.PruneFanoutDedup()
			r.RefreshGauges()
			hbStats := tracker.Stats()
			reg.DevicesOnline.Set(float64(hbStats.Online))
			reg.DevicesOffline.Set(float64(hbStats.Offline))
		}
	}
}
