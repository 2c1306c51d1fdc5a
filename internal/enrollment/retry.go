// retry.go — фоновый сервис повтора неподтверждённых записей.
//
// RetryService запускает фоновую горутину с ticker (LM_RETRY_INTERVAL),
// которая находит активные записи без подтверждения LMS старше
// grace-периода и повторяет запись. Grace-период оставляет обычному
// пути записи время завершиться самостоятельно.
//
// Prometheus-метрики:
//   - lm_enrollment_retry_duration_seconds — длительность прохода повтора
//   - lm_enrollment_retry_succeeded_total — подтверждённых записей
//   - lm_enrollment_retry_failed_total — записей с ошибкой повтора
package enrollment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openlearn/lms-module/internal/domain/model"
	"github.com/openlearn/lms-module/internal/edxclient"
	"github.com/openlearn/lms-module/internal/repository"
)

// Prometheus-метрики повтора записей.
var (
	retryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lm_enrollment_retry_duration_seconds",
		Help:    "Длительность прохода повтора неподтверждённых записей",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s … ~51s
	})
	retrySucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_enrollment_retry_succeeded_total",
		Help: "Количество подтверждённых при повторе записей",
	})
	retryFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_enrollment_retry_failed_total",
		Help: "Количество записей с ошибкой повтора",
	})
)

// UserSource — чтение пользователей, необходимое сервису повтора.
type UserSource interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// Enroller — операция записи (Coordinator или фейк в тестах).
type Enroller interface {
	Enroll(ctx context.Context, user *model.User, runs []*model.CourseRun, opts EnrollOptions) ([]*edxclient.Enrollment, error)
}

// RetryService — фоновый сервис повтора неподтверждённых записей.
type RetryService struct {
	enrollments repository.EnrollmentRepository
	users       UserSource
	runs        repository.CourseRunRepository
	enroller    Enroller
	gracePeriod time.Duration
	chunkSize   int
	interval    time.Duration
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetryService создаёт сервис повтора записей.
func NewRetryService(
	enrollments repository.EnrollmentRepository,
	users UserSource,
	runs repository.CourseRunRepository,
	enroller Enroller,
	gracePeriod time.Duration,
	chunkSize int,
	interval time.Duration,
	logger *slog.Logger,
) *RetryService {
	return &RetryService{
		enrollments: enrollments,
		users:       users,
		runs:        runs,
		enroller:    enroller,
		gracePeriod: gracePeriod,
		chunkSize:   chunkSize,
		interval:    interval,
		logger:      logger.With(slog.String("component", "enrollment_retry")),
	}
}

// Start запускает фоновую горутину повтора.
// Первый проход выполняется сразу при старте: упавший процесс мог
// оставить неподтверждённые записи.
func (s *RetryService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Периодический повтор записей запущен",
			slog.String("interval", s.interval.String()),
			slog.String("grace_period", s.gracePeriod.String()),
		)

		s.runOnce(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Периодический повтор записей остановлен")
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()
}

// runOnce выполняет один проход повтора с логированием итога.
func (s *RetryService) runOnce(ctx context.Context) {
	s.logger.Info("Запуск прохода повтора записей")
	retried, err := s.RetryFailed(ctx)
	if err != nil {
		s.logger.Error("Ошибка прохода повтора записей",
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("Проход повтора записей завершён",
		slog.Int("retried", len(retried)),
	)
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *RetryService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// RetryFailed повторяет запись для всех строк без подтверждения LMS
// старше grace-периода. Возвращает подтверждённые строки; ошибки
// отдельных строк логируются и не прерывают проход.
func (s *RetryService) RetryFailed(ctx context.Context) ([]*model.CourseRunEnrollment, error) {
	startedAt := time.Now().UTC()
	cutoff := startedAt.Add(-s.gracePeriod)

	pending, err := s.enrollments.ListPending(ctx, cutoff, s.chunkSize)
	if err != nil {
		return nil, fmt.Errorf("выборка неподтверждённых записей: %w", err)
	}

	var retried []*model.CourseRunEnrollment
	for _, row := range pending {
		user, err := s.users.GetByID(ctx, row.UserID)
		if err != nil {
			s.logWarn(row, err)
			retryFailed.Inc()
			continue
		}
		if !user.IsActive {
			continue
		}

		run, err := s.runs.GetByID(ctx, row.RunID)
		if err != nil {
			s.logWarn(row, err)
			retryFailed.Inc()
			continue
		}

		_, err = s.enroller.Enroll(ctx, user, []*model.CourseRun{run},
			EnrollOptions{Mode: row.EnrollmentMode, AllowTokenRegen: true})
		if err != nil {
			s.logWarn(row, err)
			retryFailed.Inc()
			continue
		}

		row.Active = true
		row.EdxEnrolled = true
		row.EdxEmailsSubscription = true
		if err := s.enrollments.Update(ctx, row); err != nil {
			s.logWarn(row, err)
			retryFailed.Inc()
			continue
		}

		retrySucceeded.Inc()
		s.logger.Info("Запись подтверждена при повторе",
			slog.String("user_id", row.UserID),
			slog.String("courseware_id", row.CoursewareID),
		)
		retried = append(retried, row)
	}

	retryDuration.Observe(time.Since(startedAt).Seconds())
	return retried, nil
}

func (s *RetryService) logWarn(row *model.CourseRunEnrollment, err error) {
	s.logger.Warn("Ошибка повтора записи",
		slog.String("user_id", row.UserID),
		slog.String("courseware_id", row.CoursewareID),
		slog.String("error", err.Error()),
	)
}
