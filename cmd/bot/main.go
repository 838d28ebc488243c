// Package main - точка входа бота расписания ЧГУ.
//
// Процесс принимает сообщения Telegram и VK через вебхуки, раз в интервал
// опрашивает расписание отслеживаемых групп и преподавателей и рассылает
// изменения подписчикам, а каждую минуту отправляет ежедневную рассылку
// расписания на завтра.
//
// Слои:
// - Domain: расписание, подписки, мессенджеры
// - Application: команды (хеши, подписки) и обработчик изменений
// - Infrastructure: хранилища, API университета, клиенты мессенджеров, планировщики
// - Interface: диалог бота и HTTP (вебхуки, статус, health)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/chsu-bot/schedule-notifier/config"

	// Domain layer
	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"

	// Application layer
	"github.com/chsu-bot/schedule-notifier/internal/application/command"
	"github.com/chsu-bot/schedule-notifier/internal/application/eventhandler"

	// Infrastructure layer
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/external/chsu"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/external/telegram"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/external/vk"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/persistence/memory"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/persistence/mongo"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/persistence/postgres"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/persistence/redis"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/scheduler"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/scheduler/jobs"

	// Interface layer
	"github.com/chsu-bot/schedule-notifier/internal/interface/chat"
	httpserver "github.com/chsu-bot/schedule-notifier/internal/interface/http"
	"github.com/chsu-bot/schedule-notifier/internal/interface/http/handlers"

	// Packages
	"github.com/chsu-bot/schedule-notifier/pkg/circuitbreaker"
	"github.com/chsu-bot/schedule-notifier/pkg/keylock"
	"github.com/chsu-bot/schedule-notifier/pkg/logger"
	"github.com/chsu-bot/schedule-notifier/pkg/retry"
	"github.com/chsu-bot/schedule-notifier/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run инициализирует и запускает все компоненты приложения.
func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. Загрузка конфигурации
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. Настройка логгера
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)

	log.Info("starting schedule notifier",
		"version", cfg.App.Version,
		"env", cfg.App.Environment,
		"store", cfg.Store.Driver,
		"tz_offset_hours", cfg.App.TZOffsetHours,
	)
	for _, f := range cfg.Features.Snapshot() {
		log.Debug("feature flag", "name", f.Name, "enabled", f.Enabled, "rollout", f.RolloutPercent)
	}

	clock := timeutil.NewClock(cfg.App.TZOffsetHours)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. Хранилище (Postgres, MongoDB или память)
	// ─────────────────────────────────────────────────────────────────────────
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.close()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. Redis (опционально: кеш справочника и распределённые блокировки)
	// ─────────────────────────────────────────────────────────────────────────
	var (
		locker    command.EntityLocker = keylock.New()
		dirCache  schedule.DirectoryCache
		redisPing handlers.Pinger
	)

	if cfg.Redis.Enabled() {
		cache, err := redis.NewCache(ctx, redisConfig(cfg.Redis))
		if err != nil {
			// Без Redis бот работает в пределах одного процесса.
			log.Warn("redis unavailable, using in-process locks", "error", err)
		} else {
			defer cache.Close()
			dirCache = redis.NewDirectoryCache(cache, cfg.Redis.DirectoryTTL)
			locker = redis.NewLocker(cache, redis.LockerConfig{
				TTL:    cfg.Redis.LockTTL,
				Logger: log,
			})
			redisPing = cache
			log.Info("connected to redis")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. API расписания университета
	// ─────────────────────────────────────────────────────────────────────────
	onBreakerChange := func(name string, from, to circuitbreaker.State) {
		log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}

	apiClient := chsu.NewClient(chsu.ClientConfig{
		BaseURL:           cfg.ScheduleAPI.BaseURL,
		Username:          cfg.ScheduleAPI.Username,
		Password:          cfg.ScheduleAPI.Password,
		Timeout:           cfg.ScheduleAPI.RequestTimeout,
		RateLimiterConfig: chsu.DefaultRateLimiterConfig(),
		Logger:            log,
		Debug:             cfg.App.Debug,
	}, circuitbreaker.ScheduleAPIBreaker(onBreakerChange,
		circuitbreaker.WithFailureThreshold(cfg.ScheduleAPI.CircuitBreakerThreshold),
		circuitbreaker.WithTimeout(cfg.ScheduleAPI.CircuitBreakerTimeout),
	))

	source := chsu.NewSource(apiClient, dirCache, log, chsu.DefaultSourceConfig())

	// ─────────────────────────────────────────────────────────────────────────
	// 6. Мессенджеры
	// ─────────────────────────────────────────────────────────────────────────
	var ms []messenger.Messenger

	if cfg.Telegram.Token != "" {
		tgCfg := telegram.DefaultClientConfig(cfg.Telegram.Token)
		tgCfg.Logger = log
		tgCfg.Debug = cfg.App.Debug

		tg, err := telegram.NewMessenger(tgCfg,
			circuitbreaker.MessengerBreaker(string(subscription.PlatformTelegram), isPlatformFailure(telegram.IsRecipientError), onBreakerChange))
		if err != nil {
			return fmt.Errorf("failed to create telegram messenger: %w", err)
		}
		ms = append(ms, tg)
	}

	if cfg.VK.Token != "" {
		vkCfg := vk.DefaultClientConfig(cfg.VK.Token)
		vkCfg.Logger = log

		ms = append(ms, vk.NewMessenger(vkCfg,
			circuitbreaker.MessengerBreaker(string(subscription.PlatformVK), isPlatformFailure(vk.IsRecipientError), onBreakerChange)))
	}

	messengers := messenger.NewRegistry(ms...)
	log.Info("messengers registered", "count", len(ms))

	// ─────────────────────────────────────────────────────────────────────────
	// 7. Application layer: команды и обработчик изменений
	// ─────────────────────────────────────────────────────────────────────────
	hashes, err := command.NewUpdateScheduleHashesHandler(store.hashes, locker, command.HashStorePolicy{
		DiffMode:             schedule.DiffMode(cfg.Checker.DiffMode),
		SuppressDailyChanges: cfg.Checker.SuppressDaily,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create hash store: %w", err)
	}

	subscriptions := command.NewSubscriptionHandler(store.users, store.registry, locker, log)

	notifierCfg := eventhandler.DefaultScheduleChangedConfig()
	notifierCfg.BuildingLocations = cfg.Features.IsEnabled(config.FeatureBuildingLocations, nil)
	notifier := eventhandler.NewOnScheduleChangedHandler(store.registry, messengers, log, notifierCfg)

	// ─────────────────────────────────────────────────────────────────────────
	// 8. Диалог бота
	// ─────────────────────────────────────────────────────────────────────────
	admins := isAdmin(cfg)
	routerCfg := chat.RouterConfig{
		BuildingLocations: func(s subscription.Subscriber) bool {
			return cfg.Features.IsEnabled(config.FeatureBuildingLocations, &config.FeatureContext{UserID: s.UserID, IsAdmin: admins(s)})
		},
		Logger: log,
	}
	if cfg.Features.IsEnabled(config.FeatureAdminRelay, nil) {
		routerCfg.Admins = map[subscription.Platform][]int64{
			subscription.PlatformTelegram: cfg.Telegram.AdminIDs,
			subscription.PlatformVK:       cfg.VK.AdminIDs,
		}
	}
	router := chat.NewRouter(subscriptions, source, messengers, clock, routerCfg)

	// ─────────────────────────────────────────────────────────────────────────
	// 9. Фоновые задачи
	// ─────────────────────────────────────────────────────────────────────────
	checkerCfg := jobs.DefaultCheckScheduleChangesConfig()
	checkerCfg.Concurrency = cfg.Checker.Concurrency
	checkerCfg.FetchTimeout = cfg.Checker.FetchTimeout
	checkerCfg.WindowDays = cfg.Checker.WindowDays
	checkerJob := jobs.NewCheckScheduleChangesJob(store.registry, subscriptions, source, hashes, notifier, clock, log, checkerCfg)

	mailingCfg := jobs.DefaultDailyMailingConfig()
	mailingCfg.Enabled = cfg.Mailing.Enabled && cfg.Features.IsEnabled(config.FeatureDailyMailing, nil)
	mailingCfg.Concurrency = cfg.Mailing.Concurrency
	mailingJob := jobs.NewDailyMailingJob(store.users, router, clock, log, mailingCfg)

	// Один планировщик на обе задачи: проверка изменений сразу после старта и
	// далее по интервалу, рассылка в начале каждой минуты.
	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:     log,
		Timezone:   clock.Location(),
		RunOnStart: []string{checkerJob.Name()},
	})
	checkerEnabled := cfg.Checker.Enabled && cfg.Features.IsEnabled(config.FeatureChangeNotifications, nil)
	if checkerEnabled {
		if err := sched.Register(checkerJob, scheduler.NewIntervalSchedule(cfg.Checker.Interval)); err != nil {
			return fmt.Errorf("failed to register checker: %w", err)
		}
	} else {
		log.Info("schedule change checker disabled")
	}
	if mailingCfg.Enabled {
		if err := sched.Register(mailingJob, scheduler.EveryMinute); err != nil {
			return fmt.Errorf("failed to register mailing: %w", err)
		}
	} else {
		log.Info("daily mailing disabled")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 10. Health checks
	// ─────────────────────────────────────────────────────────────────────────
	startTime := time.Now()
	health := handlers.NewCompositeHealthChecker(cfg.App.Version, startTime)
	health.AddCheck("store", handlers.NewPingCheck(store.pinger))
	if redisPing != nil {
		health.AddCheck("redis", handlers.NewPingCheck(redisPing))
	}
	if checkerEnabled {
		health.AddCheck("schedule_poll", handlers.NewPollFreshnessCheck(func() handlers.PollStatus {
			st := checkerJob.Status()
			return handlers.PollStatus{
				LastRunAt:     st.LastRunAt,
				LastSuccessAt: st.LastSuccessAt,
				LastError:     st.LastError,
			}
		}, 3*cfg.Checker.Interval, clock.Now))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 11. HTTP сервер (вебхуки, статус, health)
	// ─────────────────────────────────────────────────────────────────────────
	floodCfg := chat.DefaultFloodGuardConfig()
	floodCfg.Exempt = admins
	floodCfg.Logger = log
	inbound := chat.NewFloodGuard(router, messengers, floodCfg)

	webhookCfg := handlers.DefaultWebhookConfig()
	webhookCfg.TelegramSecret = cfg.Telegram.WebhookSecret
	webhookCfg.VKSecret = cfg.VK.Secret
	webhookCfg.VKConfirmation = cfg.VK.Confirmation
	webhookCfg.VKGroupID = cfg.VK.GroupID
	webhookCfg.Workers = cfg.HTTP.WebhookWorkers
	webhookCfg.QueueSize = cfg.HTTP.WebhookQueue
	webhookCfg.Logger = log
	webhooks := handlers.NewWebhookHandler(inbound, webhookCfg)

	httpCfg := httpserver.DefaultConfig()
	httpCfg.Host = cfg.HTTP.Host
	httpCfg.Port = cfg.HTTP.Port
	httpCfg.Version = cfg.App.Version

	var checkerStatus httpserver.CheckerStatusSource
	if checkerEnabled {
		checkerStatus = checkerJob
	}

	httpServer := httpserver.NewServer(httpCfg, httpserver.Dependencies{
		Webhooks:      webhooks,
		HealthChecker: health,
		Checker:       checkerStatus,
		Mailing:       mailingJob,
		ScheduleAPI:   apiClient,
		Messengers:    messengers,
		Jobs:          []httpserver.JobSource{sched},
		StoreDriver:   cfg.Store.Driver,
		Store:         store.pinger,
		Users:         store.users,
		Clock:         clock,
		Logger:        log,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 12. Запуск сервисов
	// ─────────────────────────────────────────────────────────────────────────
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	errCh := make(chan error, 1)

	go func() {
		if err := <-httpServer.StartAsync(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if err := sched.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	log.Info("schedule notifier started", "address", httpServer.Address())

	// ─────────────────────────────────────────────────────────────────────────
	// 13. Ожидание сигнала завершения
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		log.Error("service error", "error", err)
		runErr = err
	case <-ctx.Done():
	}

	// Начинаем graceful shutdown
	log.Info("starting graceful shutdown", "timeout", cfg.App.ShutdownTimeout.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error

	// 1. Перестаём принимать вебхуки
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop HTTP server gracefully", "error", err)
		shutdownErr = errors.Join(shutdownErr, err)
	}

	// 2. Дожидаемся обработки принятых событий
	if err := webhooks.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to drain webhook events", "error", err)
		shutdownErr = errors.Join(shutdownErr, err)
	}

	// 3. Останавливаем планировщик и ждём текущие задачи
	stop()
	if err := sched.Stop(); err != nil {
		log.Error("failed to stop scheduler gracefully", "error", err)
		shutdownErr = errors.Join(shutdownErr, err)
	}

	// 4. Хранилище и Redis закроются через defer

	if shutdownErr != nil {
		log.Warn("shutdown completed with errors", "error", shutdownErr)
	} else {
		log.Info("shutdown completed successfully")
	}

	return runErr
}

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// userStore is what the bot needs from the user table.
type userStore interface {
	subscription.UserRepository
	Count(ctx context.Context) (int64, error)
}

// stores bundles the repositories of the selected driver.
type stores struct {
	hashes   schedule.HashRepository
	registry subscription.Registry
	users    userStore
	pinger   handlers.Pinger
	close    func()
}

// openStore подключается к выбранному хранилищу с повторами при старте.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stores, error) {
	var opts []retry.Option
	if cfg.Store.ConnectAttempts > 0 {
		opts = append(opts, retry.WithMaxAttempts(cfg.Store.ConnectAttempts))
	}
	retrier := retry.StartupRetrier(func(attempt int, err error, delay time.Duration) {
		log.Warn("store not ready, retrying", "driver", cfg.Store.Driver, "attempt", attempt, "delay", delay.String(), "error", err)
	}, opts...)

	switch cfg.Store.Driver {
	case config.StorePostgres:
		dbCfg := postgres.DefaultConfig(cfg.Database.URL)
		dbCfg.MaxConns = cfg.Database.MaxConns
		dbCfg.MinConns = cfg.Database.MinConns
		if cfg.Database.ConnMaxLifetime > 0 {
			dbCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		}
		if cfg.Database.ConnMaxIdleTime > 0 {
			dbCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
		}

		var conn *postgres.Connection
		err := retrier.Do(ctx, func(ctx context.Context) error {
			var err error
			conn, err = postgres.NewConnection(ctx, dbCfg)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		applied, err := postgres.NewMigrator(conn).Migrate(ctx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("connected to postgres", "migrations_applied", applied)

		entities := postgres.NewEntityRepository(conn)
		return &stores{
			hashes:   entities,
			registry: entities,
			users:    postgres.NewUserRepository(conn),
			pinger:   conn,
			close:    conn.Close,
		}, nil

	case config.StoreMongo:
		mongoCfg := mongo.DefaultConfig(cfg.Mongo.URI)
		mongoCfg.Database = cfg.Mongo.Database
		mongoCfg.ConnectTimeout = cfg.Mongo.ConnectTimeout

		var conn *mongo.Connection
		err := retrier.Do(ctx, func(ctx context.Context) error {
			var err error
			conn, err = mongo.Connect(ctx, mongoCfg)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}

		created, err := conn.EnsureIndexes(ctx)
		if err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("failed to create indexes: %w", err)
		}
		log.Info("connected to mongo", "indexes", created)

		entities := mongo.NewEntityRepository(conn)
		return &stores{
			hashes:   entities,
			registry: entities,
			users:    mongo.NewUserRepository(conn),
			pinger:   conn,
			close: func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := conn.Close(closeCtx); err != nil {
					log.Error("failed to disconnect from mongo", "error", err)
				}
			},
		}, nil

	default:
		log.Warn("using in-memory store, data is lost on restart")
		mem := memory.NewStore()
		return &stores{
			hashes:   mem,
			registry: mem,
			users:    mem,
			pinger:   mem,
			close:    func() {},
		}, nil
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// setupLogger настраивает структурированное логирование.
func setupLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Observability.LogLevel
	if cfg.App.Debug {
		level = "debug"
	}

	format := logger.Format(cfg.Observability.LogFormat)
	if cfg.IsProduction() {
		// JSON формат для production (лучше для агрегаторов логов)
		format = logger.FormatJSON
	}

	return logger.Setup(logger.Options{
		Level:  level,
		Format: format,
	})
}

// redisConfig переводит конфигурацию приложения в конфигурацию кеша.
func redisConfig(c config.RedisConfig) redis.Config {
	rc := redis.DefaultConfig()
	rc.URL = c.URL
	if c.Host != "" {
		rc.Host = c.Host
	}
	if c.Port > 0 {
		rc.Port = c.Port
	}
	rc.Password = c.Password
	rc.DB = c.DB
	if c.PoolSize > 0 {
		rc.PoolSize = c.PoolSize
	}
	return rc
}

// isAdmin reports whether a subscriber is a configured admin.
func isAdmin(cfg *config.Config) func(subscription.Subscriber) bool {
	ids := map[subscription.Platform][]int64{
		subscription.PlatformTelegram: cfg.Telegram.AdminIDs,
		subscription.PlatformVK:       cfg.VK.AdminIDs,
	}
	return func(s subscription.Subscriber) bool {
		return slices.Contains(ids[s.Platform], s.UserID)
	}
}

// isPlatformFailure counts every error against the breaker except those
// caused by a single recipient.
func isPlatformFailure(isRecipient func(error) bool) func(error) bool {
	return func(err error) bool {
		return err != nil && !isRecipient(err)
	}
}
