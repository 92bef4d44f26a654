package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/signaling"
	"github.com/example/ride-dispatch/internal/storage"
)

const observerBuffer = 1024

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("ride-dispatch", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	reg := presence.NewRegistry()
	sessions := dispatch.NewWSRegistry(cfg.WSSendBuffer)
	notifier := dispatch.NewNotifier(reg, sessions, logger)

	var finder matcher.Finder = geo.NewScanFinder(reg)
	sinks := map[string]signaling.LocationSink{}
	var index signaling.LocationIndex
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
		rg := geo.NewRedisGeo(geo.NewRedisStore(rc), cfg.RedisGeoKey, reg)
		finder, index = rg, rg
		sinks["redis"] = rg
		logger.Info("redis geo index enabled", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	var rides storage.RideStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx, filepath.Join("migrations", "001_create_rides.sql")); err != nil {
				return err
			}
			logger.Info("migration applied", "file", "001_create_rides.sql")
		}
		rides = ps
	}

	var observers []matcher.Observer
	var queues []*matcher.AsyncObserver
	addObserver := func(name string, o matcher.Observer) {
		q := matcher.NewAsyncObserver(name, o, observerBuffer, logger)
		queues = append(queues, q)
		observers = append(observers, q)
	}
	addObserver("archive", storage.NewRecorder(rides))

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaRideEventsTopic)
		defer kp.Close()
		sinks["kafka"] = kp
		addObserver("kafka", kp)
	}
	if cfg.AMQPURL != "" {
		rp, err := ingest.DialRabbit(ctx, cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return err
		}
		defer rp.Close()
		addObserver("amqp", rp)
	}
	if cfg.StripeAPIKey != "" {
		addObserver("payments", payments.NewSettler(payments.NewStripeClient(cfg.StripeAPIKey), cfg.PaymentCurrency, logger))
	}

	var dir interface {
		directory.Directory
		directory.Writer
	} = directory.NewMemoryDirectory()
	if cfg.MongoURI != "" {
		client, err := directory.NewMongoClient(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		dir = directory.NewMongoDirectory(client.Database(cfg.MongoDB))
	}
	if cfg.DirectorySeedFile != "" {
		n, err := directory.SeedFile(ctx, dir, cfg.DirectorySeedFile)
		if err != nil {
			return err
		}
		logger.Info("directory seeded", "file", cfg.DirectorySeedFile, "profiles", n)
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	sched := matcher.NewTimerScheduler()
	defer sched.Stop()
	svc := matcher.NewService(matcher.Deps{
		Presence:  reg,
		Finder:    finder,
		Notifier:  notifier,
		Scheduler: sched,
		Directory: dir,
		ETA:       estimator,
		Observers: observers,
		Logger:    logger,
	}, matcher.Config{RadiusKm: cfg.RadiusKm, OfferTimeoutSeconds: cfg.OfferTimeoutSeconds})

	router := signaling.New(signaling.Options{
		Presence:   reg,
		Dispatcher: svc,
		Notifier:   notifier,
		Directory:  dir,
		Sinks:      sinks,
		Index:      index,
		Logger:     logger,
	})

	observerCtx, stopObservers := context.WithCancel(context.Background())
	for _, q := range queues {
		go q.Run(observerCtx)
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Deps{
			Router:   router,
			Sessions: sessions,
			Offers:   svc,
			Rides:    rides,
			Drivers:  reg,
			Logger:   logger,
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "radius_km", cfg.RadiusKm, "offer_timeout_s", cfg.OfferTimeoutSeconds)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stopObservers()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)

	// let queued lifecycle events reach their sinks before the clients close
	stopObservers()
	for _, q := range queues {
		select {
		case <-q.Done():
		case <-shutdownCtx.Done():
		}
	}
	return err
}
