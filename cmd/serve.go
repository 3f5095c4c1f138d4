package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/nextup/nextup-estimation/internal/api"
	"github.com/nextup/nextup-estimation/internal/config"
	"github.com/nextup/nextup-estimation/internal/estimation"
	"github.com/nextup/nextup-estimation/internal/history"
	"github.com/nextup/nextup-estimation/internal/metrics"
	"github.com/nextup/nextup-estimation/internal/scheduler"
	"github.com/nextup/nextup-estimation/internal/simulation"
	"github.com/nextup/nextup-estimation/internal/store"
)

// serveCmd runs the HTTP API together with the queue processor
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the estimation API and the queue simulation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg config.Config) error {
	ctx := context.Background()

	st, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := newScheduler(cfg)

	recorder, reporter, closeHistory, err := newHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeHistory()

	registry := prometheus.NewRegistry()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(registry)
	}

	opts := []simulation.Option{
		simulation.WithRecorder(recorder),
		simulation.WithMetrics(m),
		simulation.WithEstimator(estimation.NewEstimator(st, clock.RealClock{}, cfg.EstimatorConfig())),
	}
	if reporter != nil {
		opts = append(opts, simulation.WithReporter(reporter))
	}
	sim := simulation.New(cfg.Simulation, st, sched, opts...)

	if err := sim.Init(ctx); err != nil {
		return err
	}
	if err := sim.ScheduleOptimization(); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Shutdown()

	if cfg.HTTP.StartSimulation {
		sim.StartArrivalSimulation()
	}
	defer sim.StopArrivalSimulation()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.NewHandlers(sim, reporter).Register(e)
	if cfg.Metrics.Enabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	go func() {
		if err := e.Start(fmt.Sprintf(":%d", cfg.HTTP.Port)); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	return nil
}

func newStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.Store.Backend != config.StoreRedis {
		return store.NewMemoryStore(clock.RealClock{}), func() {}, nil
	}

	client := redis.NewUniversalClient(cfg.Store.Redis.AsUniversalOptions())
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("failed to close redis client")
		}
	}
	return store.NewRedisStore(client), closeFn, nil
}

func newScheduler(cfg config.Config) scheduler.Scheduler {
	if cfg.Scheduler.Backend == config.SchedulerAsynq {
		return scheduler.NewAsynqScheduler(cfg.Store.Redis.AsAsynqOpt(), cfg.Scheduler.Concurrency)
	}
	return scheduler.NewTimerScheduler(clock.RealClock{})
}

// newHistory assembles the terminal event recorders. The returned reporter is
// nil when no history database is configured.
func newHistory(ctx context.Context, cfg config.Config) (history.Recorder, history.Reporter, func(), error) {
	recorders := history.Multi{history.LogRecorder{}}
	var reporter history.Reporter
	closeFn := func() {}

	if cfg.History.Driver != "" {
		db, err := history.Open(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.Setup(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		recorders = append(recorders, db)
		reporter = db
		closeFn = func() {
			if err := db.Close(); err != nil {
				log.WithError(err).Warn("failed to close history database")
			}
		}
	}

	if cfg.History.PubNub.Enabled {
		pn, err := history.NewPubNubRecorder(cfg.History.PubNub.RecorderConfig())
		if err != nil {
			closeFn()
			return nil, nil, nil, err
		}
		recorders = append(recorders, pn)
	}
	return recorders, reporter, closeFn, nil
}
