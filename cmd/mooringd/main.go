package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mooringlabs/mooring/internal/api"
	"github.com/mooringlabs/mooring/internal/backoff"
	"github.com/mooringlabs/mooring/internal/config"
	"github.com/mooringlabs/mooring/internal/deadletter"
	"github.com/mooringlabs/mooring/internal/dispatch"
	"github.com/mooringlabs/mooring/internal/logging"
	"github.com/mooringlabs/mooring/internal/metrics"
	"github.com/mooringlabs/mooring/internal/store"
	"github.com/mooringlabs/mooring/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("mooringd")

	shutdownTracing, err := tracing.Init(ctx, "mooringd")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := store.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	pg := store.New(pool, store.Options{
		DisableThreshold: cfg.Retry.DisableThreshold,
		ClaimLease:       cfg.Retry.ClaimLease,
	})
	if err := pg.Migrate(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}

	dlq, err := deadletter.NewPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DeadLetterTopic)
	if err != nil {
		logger.Plain().WithError(err).Fatal("dead letter producer creation failed")
	}
	defer dlq.Stop()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	policy := backoff.New(cfg.Retry.BackoffSchedule, cfg.Retry.JitterPercent, rnd)
	engine := dispatch.New(pg, nil, policy, dlq, cfg)

	ping := func(ctx context.Context) error { return pool.Ping(ctx) }
	router := api.NewServer(engine, pg, ping).Router(reg)

	srv := &http.Server{Addr: cfg.HTTPPort, Handler: router}
	go func() {
		logger.Plain().WithField("addr", srv.Addr).Info("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("http server failed")
		}
	}()

	// Background sweep keeps retries moving even when nobody calls /v1/sweep.
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.Retry.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				res, err := engine.Sweep(sweepCtx)
				if err != nil {
					logger.Plain().WithError(err).Error("background sweep failed")
					continue
				}
				if res.Processed > 0 {
					logger.Plain().WithFields(map[string]any{
						"processed": res.Processed,
						"delivered": res.Delivered,
						"failed":    res.Failed,
					}).Info("background sweep complete")
				}
			}
		}
	}()

	logger.Plain().Info("mooringd started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down")
	cancelSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().Info("mooringd stopped")
}
