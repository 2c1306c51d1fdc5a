// Пакет dephealth — интеграция с topologymetrics SDK для мониторинга
// зависимостей.
//
// LMS Module мониторит две зависимости:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - LMS — HTTP checker к heartbeat endpoint Open edX (critical)
//
// Connection pool mode предпочтителен, т.к. отражает реальную способность
// сервиса работать с зависимостью и может обнаружить исчерпание пула соединений.
//
// Redis через SDK не мониторится: в sdk-go нет готового Redis checker'а,
// его состояние отдаёт readiness probe через обычный Ping.
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package dephealth

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для LMS
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"     // PostgreSQL checker (pool mode)
	"github.com/prometheus/client_golang/prometheus"
)

// heartbeatPath — endpoint Open edX, отвечающий без аутентификации.
const heartbeatPath = "/heartbeat"

// Service — сервис мониторинга зависимостей через topologymetrics.
type Service struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// New создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Использует connection pool mode для PostgreSQL: проверка выполняется
// через существующий *sql.DB (адаптер pgxpool), что позволяет обнаружить
// исчерпание пула соединений.
//
// Параметры:
//   - serviceID — имя вершины графа текущего приложения (e.g. "lms-module")
//   - group — имя группы в метриках (LM_DEPHEALTH_GROUP)
//   - db — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
//   - pgConnURL — URL подключения к PostgreSQL (для метрик/лейблов, не для подключения)
//   - lmsBaseURL — базовый URL LMS
//   - checkInterval — интервал проверки зависимостей (LM_DEPHEALTH_CHECK_INTERVAL)
func New(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	lmsBaseURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*Service, error) {
	return newService(serviceID, group, db, pgConnURL, lmsBaseURL, checkInterval, logger)
}

// NewWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewWithRegisterer(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	lmsBaseURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*Service, error) {
	return newService(serviceID, group, db, pgConnURL, lmsBaseURL, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

// newService — внутренний конструктор.
func newService(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	lmsBaseURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*Service, error) {
	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		// PostgreSQL — connection pool mode через существующий pgxpool.
		// Используем pgcheck.New + dephealth.AddDependency напрямую,
		// чтобы не тянуть contrib/sqldb с транзитивной зависимостью на MySQL.
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)),
			dephealth.FromURL(pgConnURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
		// LMS — HTTP checker к heartbeat endpoint.
		// По умолчанию dephealth проверяет /health, у Open edX публичный
		// endpoint живости — /heartbeat.
		dephealth.HTTP("lms",
			dephealth.FromURL(lmsBaseURL),
			dephealth.WithHTTPHealthPath(heartbeatPath),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &Service{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + LMS)")
	return s.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (s *Service) Stop() {
	s.dh.Stop()
	s.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (s *Service) Health() map[string]bool {
	return s.dh.Health()
}
