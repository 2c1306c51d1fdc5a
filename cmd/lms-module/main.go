// Точка входа LMS Module — интеграционный модуль платформы с Open edX.
// Загружает конфигурацию, подключается к PostgreSQL и Redis, применяет
// миграции, создаёт менеджер токенов и фабрику LMS-клиентов, запускает
// фоновые сервисы (восстановление, повтор записей, воркер очереди,
// topologymetrics), HTTP-сервер с bearer-аутентификацией и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/openlearn/lms-module/internal/api/handlers"
	"github.com/openlearn/lms-module/internal/config"
	"github.com/openlearn/lms-module/internal/database"
	"github.com/openlearn/lms-module/internal/dephealth"
	"github.com/openlearn/lms-module/internal/edxclient"
	"github.com/openlearn/lms-module/internal/enrollment"
	"github.com/openlearn/lms-module/internal/oauth"
	"github.com/openlearn/lms-module/internal/provisioning"
	"github.com/openlearn/lms-module/internal/repair"
	"github.com/openlearn/lms-module/internal/repository"
	"github.com/openlearn/lms-module/internal/server"
	"github.com/openlearn/lms-module/internal/session"
	"github.com/openlearn/lms-module/internal/tasks"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("LMS Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("lms_base_url", cfg.LMSBaseURL),
	)

	if cfg.APIToken == "" {
		logger.Warn("LM_API_TOKEN не задан, административные endpoints доступны без аутентификации")
	}
	if cfg.SessionSecret == "" {
		logger.Warn("LM_SESSION_SECRET не задан, сессии рукопожатия не переживут рестарт")
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Подключение к Redis (очередь фоновых задач)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Ошибка подключения к Redis",
			slog.String("addr", cfg.RedisAddr),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Подключение к Redis установлено", slog.String("addr", cfg.RedisAddr))

	// 6. Repositories
	userRepo := repository.NewUserRepository(pool)
	runRepo := repository.NewCourseRunRepository(pool)
	enrollmentRepo := repository.NewEnrollmentRepository(pool)
	authRepo := repository.NewOpenEdxAuthRepository(pool)
	blocklistRepo := repository.NewBlockedEmailRepository(pool)

	// 7. Менеджер сессий: браузерное рукопожатие и серверная эмуляция входа
	secureCookie := strings.HasPrefix(cfg.BaseURL, "https")
	sessions, err := session.NewManager(cfg.SessionSecret, secureCookie)
	if err != nil {
		logger.Error("Ошибка создания менеджера сессий", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 8. Менеджер токенов и фабрика LMS-клиентов
	authStore := oauth.NewPgAuthStore(pool)
	httpClient := &http.Client{Timeout: cfg.HTTPClientTimeout}
	tokens := oauth.NewManager(cfg, authStore, sessions, httpClient, logger)
	factory := edxclient.NewFactory(cfg, tokens, logger)

	// 9. Движок создания аккаунтов
	accountStore := provisioning.NewPgAccountStore(pool)
	engine := provisioning.NewEngine(cfg, userRepo, accountStore,
		blocklistRepo, tokens, factory, logger)

	// 10. Очередь фоновых задач и воркер
	queue := tasks.NewQueue(rdb, logger)
	worker := tasks.NewWorker(rdb, engine, logger)

	// 11. Координатор записей на курсы
	coordinator := enrollment.NewCoordinator(enrollmentRepo, runRepo,
		repository.NewOpenEdxUserRepository(pool), authRepo, tokens, queue, factory, logger)

	// 12. Фоновые сервисы восстановления и повтора
	repairSvc := repair.NewRepairService(userRepo, accountStore, engine, tokens, factory,
		cfg.RepairGracePeriod(), cfg.RepairChunkSize, cfg.RepairInterval, logger)
	retrySvc := enrollment.NewRetryService(enrollmentRepo, userRepo, runRepo,
		coordinator, cfg.RepairGracePeriod(), cfg.RepairChunkSize, cfg.RetryInterval, logger)

	// 13. Readiness checkers (PostgreSQL + LMS + Redis)
	pgChecker := database.NewReadinessChecker(pool)
	lmsChecker := handlers.NewLMSReadinessChecker(cfg.LMSBaseURL, cfg.HTTPClientTimeout)
	redisChecker := handlers.NewRedisReadinessChecker(rdb, cfg.HTTPClientTimeout)
	healthHandler := handlers.NewHealthHandler(pgChecker, lmsChecker, redisChecker)

	// 14. API handler
	apiHandler := handlers.NewAPIHandler(healthHandler, sessions, tokens,
		userRepo, engine, repairSvc, coordinator, logger)

	// 15. Запуск фоновых сервисов
	repairSvc.Start(ctx)
	retrySvc.Start(ctx)
	worker.Start(ctx)

	// 15.1 topologymetrics — мониторинг зависимостей (PostgreSQL + LMS)
	var dephealthSvc *dephealth.Service
	dephealthSvc, dephealthErr := dephealth.New(
		"lms-module",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.LMSBaseURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 16. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 17. Graceful shutdown фоновых сервисов
	logger.Info("Останавливаем фоновые сервисы...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	worker.Stop()
	retrySvc.Stop()
	repairSvc.Stop()

	logger.Info("LMS Module остановлен")
}
