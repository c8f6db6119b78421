package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"clinic-queue/internal/config"
	"clinic-queue/internal/http/handler"
	"clinic-queue/internal/http/middleware"
	"clinic-queue/internal/logger"
	"clinic-queue/internal/metrics"
	"clinic-queue/internal/models"
	"clinic-queue/internal/queue"
	"clinic-queue/internal/realtime"
	"clinic-queue/internal/scheduler"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	config.LoadEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config: ", err)
	}

	zl, err := logger.NewLogger(cfg.LogLevel, cfg.LogFormat, "clinic-queue")
	if err != nil {
		log.Fatal("logger: ", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient, err = config.NewRedis(ctx, cfg.Redis)
		if err != nil {
			zl.Fatal("redis not reachable", zap.Error(err))
		}
		defer redisClient.Close()
		zl.Info("redis connected", zap.String("addr", cfg.Redis.Addr), zap.Int("db", cfg.Redis.DB))
	}

	var db *sql.DB
	if cfg.Clinic.StoreDriver == "mysql" {
		db, err = config.OpenDB(ctx, cfg.DBDSN, cfg.Clinic.Timezone)
		if err != nil {
			zl.Fatal("mysql not reachable", zap.Error(err))
		}
		defer db.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := buildStore(ctx, cfg, db)
	if err != nil {
		zl.Fatal("store", zap.Error(err))
	}
	alloc, err := buildAllocator(ctx, cfg, redisClient, store)
	if err != nil {
		zl.Fatal("allocator", zap.Error(err))
	}

	// an in-memory store starts empty, so nothing can predate the bus
	bus := realtime.NewBus(realtime.Options{
		ReplayBuffer:     cfg.Clinic.ReplayBuffer,
		ReplayWindow:     cfg.Clinic.ReplayWindow,
		SubscriberBuffer: cfg.Clinic.SubscriberBuffer,
		CompleteHistory:  cfg.Clinic.StoreDriver != "mysql",
		Logger:           zl,
		Metrics:          m,
	})
	defer bus.Close()

	var journal *queue.RedisJournal
	if cfg.Clinic.JournalEnabled {
		journal = queue.NewRedisJournal(redisClient, "", 0)
		today := queue.NewQueryService(store, alloc, cfg.Clinic.Timezone).ServiceDate(time.Now())
		n, err := journal.Restore(ctx, today, bus)
		if err != nil {
			zl.Warn("journal replay skipped", zap.String("service_date", today), zap.Error(err))
		} else {
			zl.Info("journal replayed into bus", zap.String("service_date", today), zap.Int("events", n))
		}
	}

	opts := queue.EngineOptions{
		Store:     store,
		Allocator: alloc,
		Publisher: bus,
		Rooms:     cfg.Clinic.Rooms,
		Location:  cfg.Clinic.Timezone,
		Logger:    zl,
		Metrics:   m,
	}
	if journal != nil {
		opts.Journal = journal
	}
	if db != nil && cfg.PatientTable != "" {
		opts.Patients = queue.NewMySQLPatientDirectory(db, cfg.PatientTable)
	}

	engine, err := queue.NewEngine(ctx, opts)
	if err != nil {
		zl.Fatal("engine", zap.Error(err))
	}

	timeouts := scheduler.NewTimeoutScheduler(engine, store, scheduler.Options{
		Timeout:  cfg.Clinic.CallTimeout,
		Action:   models.Action(cfg.Clinic.TimeoutAction),
		Interval: cfg.Clinic.ScanInterval,
		Logger:   zl,
	})
	go timeouts.Run(ctx)

	app := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		StrictRouting: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST",
	}))
	app.Use(middleware.RequestLogger(zl))

	if cfg.BasicAuthUser != "" {
		app.Get("/metrics",
			middleware.BasicAuth(cfg.BasicAuthUser, cfg.BasicAuthPass),
			adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	h := handler.NewQueueHandler(engine, bus, cfg.Clinic, nil, zl)
	handler.SetupRoutes(app, h, cfg.JWTSecret)

	go func() {
		<-ctx.Done()
		zl.Info("shutting down")
		bus.Close()
		_ = app.Shutdown()
	}()

	addr := cfg.Host + ":" + cfg.Port
	zl.Info("server listening", zap.String("addr", addr),
		zap.String("store", cfg.Clinic.StoreDriver),
		zap.String("sequence", cfg.Clinic.SequenceDriver),
		zap.Int("rooms", cfg.Clinic.Rooms))
	if err := app.Listen(addr); err != nil {
		zl.Fatal("listen", zap.Error(err))
	}
}

func buildStore(ctx context.Context, cfg *config.Config, db *sql.DB) (queue.Store, error) {
	if cfg.Clinic.StoreDriver != "mysql" {
		return queue.NewMemoryStore(), nil
	}
	s := queue.NewMySQLStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// buildAllocator seeds the in-memory counter from today's entries so a restart over MySQL
// never reissues a number.
func buildAllocator(ctx context.Context, cfg *config.Config, client *redis.Client, store queue.Store) (queue.Allocator, error) {
	if cfg.Clinic.SequenceDriver == "redis" {
		return queue.NewRedisAllocator(client, ""), nil
	}

	alloc := queue.NewMemoryAllocator()
	q := queue.NewQueryService(store, alloc, cfg.Clinic.Timezone)
	today, _ := q.ParseDate("", time.Now())
	entries, err := store.ListByDate(ctx, q.ServiceDate(today))
	if err != nil {
		return nil, err
	}
	alloc.Seed(today, queue.HighestSequence(entries))
	return alloc, nil
}
