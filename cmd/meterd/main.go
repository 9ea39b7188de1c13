package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	goredis "github.com/redis/go-redis/v9"

	"github.com/digkill/NeuroMeter/internal/admin"
	"github.com/digkill/NeuroMeter/internal/config"
	"github.com/digkill/NeuroMeter/internal/cost"
	"github.com/digkill/NeuroMeter/internal/database"
	"github.com/digkill/NeuroMeter/internal/jobs"
	"github.com/digkill/NeuroMeter/internal/ledger"
	"github.com/digkill/NeuroMeter/internal/notify"
	"github.com/digkill/NeuroMeter/internal/provider"
	"github.com/digkill/NeuroMeter/internal/provider/kie"
	"github.com/digkill/NeuroMeter/internal/provider/openai"
	"github.com/digkill/NeuroMeter/internal/quota"
	"github.com/digkill/NeuroMeter/internal/registry"
	"github.com/digkill/NeuroMeter/internal/repository"
	"github.com/digkill/NeuroMeter/internal/service"
	"github.com/digkill/NeuroMeter/internal/storage"
	"github.com/digkill/NeuroMeter/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	store := repository.NewStore(db)

	var registryOpts []registry.Option
	var bus *registry.RedisBus
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		bus = registry.NewRedisBus(rdb, registry.DefaultChannel, logr)
		registryOpts = append(registryOpts, registry.WithBroadcaster(bus))
	}
	costs := registry.New(store, logr, registryOpts...)
	if bus != nil {
		go func() {
			if err := bus.Listen(ctx, costs); err != nil && !errors.Is(err, context.Canceled) {
				logr.Error("cost invalidation listener stopped", "err", err)
			}
		}()
	}

	seed, err := registry.LoadSeedFile(cfg.ModelCostsFile)
	if err != nil {
		log.Fatalf("model costs: %v", err)
	}
	if err := costs.Seed(ctx, store, seed); err != nil {
		log.Fatalf("seed model costs: %v", err)
	}
	logr.Info("model costs seeded", "file", cfg.ModelCostsFile, "count", len(seed))

	guard := quota.New(costs, store, store, logr, quota.WithWindow(cfg.QuotaTZOffsetHours, cfg.QuotaResetHour))
	billing := ledger.New(store, guard, logr)
	calculator := cost.NewCalculator(costs)

	kieClient := kie.NewClient(cfg.KIEAPIKey, cfg.KIEBaseURL, cfg.RequestTimeout, logr)
	taskProviders := []provider.TaskProvider{kieClient}
	var chatProviders []provider.ChatProvider
	if cfg.OpenAIAPIKey != "" {
		chatProviders = append(chatProviders, openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, logr))
	}

	var (
		videoResults jobs.ResultStore
		imageResults service.ResultStore
	)
	if cfg.S3Enabled() {
		uploader, err := storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
		videoResults = storage.NewMirror(uploader, "videos", cfg.RequestTimeout)
		imageResults = storage.NewMirror(uploader, "images", cfg.RequestTimeout)
	}

	notifier := newNotifier(cfg, logr)

	queue := jobs.NewQueue(store, billing, costs, logr, cfg.JobTTL, cfg.JobMaxAttempts)

	var workerOpts []jobs.WorkerOption
	if videoResults != nil {
		workerOpts = append(workerOpts, jobs.WithResultStore(videoResults))
	}
	worker := jobs.NewWorker(store, billing, taskProviders, notifier, logr, jobs.WorkerOptions{
		Workers:        cfg.JobWorkers,
		PollInterval:   cfg.JobPollInterval,
		PassTimeout:    cfg.JobPassTimeout,
		RequestTimeout: cfg.JobPollRequestTimeout,
		RepollInterval: cfg.JobRepollInterval,
		Lease:          cfg.JobLease,
	}, workerOpts...)

	sweeper := jobs.NewSweeper(store, billing, notifier, logr, cfg.JobRetention)
	if err := sweeper.Start(ctx, cfg.SweepSchedule); err != nil {
		log.Fatalf("job sweeper: %v", err)
	}

	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, admin.Services{
		Users:         service.NewUserService(store),
		Subscriptions: service.NewSubscriptionService(store, store, logr),
		Plans:         service.NewPlanService(store),
		Promos:        service.NewPromoService(store, store, logr),
		ModelCosts:    service.NewModelCostService(store, costs, logr),
		Flags:         service.NewFlagService(store, logr),
		Chat:          service.NewChatService(costs, calculator, billing, chatProviders, logr),
		Generation: service.NewGenerationService(costs, billing, taskProviders, imageResults, provider.RunOptions{
			PollInterval:   cfg.JobPollInterval,
			RequestTimeout: cfg.JobPollRequestTimeout,
			Timeout:        cfg.JobPassTimeout,
		}, logr),
		Videos: queue,
		Jobs:   store,
	})
	go func() {
		if err := adminServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("admin server stopped", "err", err)
		}
	}()

	logr.Info("meterd started", "admin_addr", cfg.AdminListenAddr, "workers", cfg.JobWorkers)
	worker.Run(ctx)
	logr.Info("meterd stopped")
}

func newNotifier(cfg config.Config, logr *slog.Logger) jobs.Notifier {
	if cfg.BotToken == "" {
		return notify.NewLogNotifier(logr)
	}
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}
	return notify.NewTelegramNotifier(api, logr)
}
