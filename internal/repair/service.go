// Пакет repair — восстановление пользователей с неполной интеграцией LMS.
//
// RepairService запускает фоновую горутину с ticker
// (LM_REPAIR_INTERVAL), которая находит пользователей без аккаунта
// в LMS, без токенов или с флагом ошибки синхронизации и доводит их до
// рабочего состояния. Пользователи моложе grace-периода пропускаются:
// их создание ещё может идти обычным путём.
//
// Prometheus-метрики:
//   - lm_repair_duration_seconds — длительность прохода восстановления
//   - lm_repair_users_repaired_total — восстановленных пользователей
//   - lm_repair_users_failed_total — пользователей с ошибкой восстановления
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openlearn/lms-module/internal/domain/model"
	"github.com/openlearn/lms-module/internal/edxclient"
	"github.com/openlearn/lms-module/internal/provisioning"
)

// Prometheus-метрики восстановления.
var (
	repairDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lm_repair_duration_seconds",
		Help:    "Длительность прохода восстановления пользователей",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s … ~51s
	})
	repairRepaired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_repair_users_repaired_total",
		Help: "Количество восстановленных пользователей",
	})
	repairFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_repair_users_failed_total",
		Help: "Количество пользователей с ошибкой восстановления",
	})
)

// FaultySource — выборка пользователей, требующих восстановления.
type FaultySource interface {
	// ListFaulty возвращает активных пользователей старше cutoff
	// с неполной интеграцией LMS, keyset-страницами по id.
	ListFaulty(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]*model.User, error)
}

// Provisioner — движок создания аккаунтов (internal/provisioning).
type Provisioner interface {
	Provision(ctx context.Context, userID string) (*model.RepairOutcome, error)
}

// TokenAcquirer — серверное OAuth-рукопожатие (internal/oauth).
type TokenAcquirer interface {
	AcquireInitialTokens(ctx context.Context, user *model.User) (*model.OpenEdxApiAuth, bool, error)
}

// RepairService — фоновый сервис восстановления пользователей.
type RepairService struct {
	users       FaultySource
	accounts    provisioning.AccountStore
	provisioner Provisioner
	tokens      TokenAcquirer
	factory     *edxclient.Factory
	gracePeriod time.Duration
	chunkSize   int
	interval    time.Duration
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRepairService создаёт сервис восстановления.
func NewRepairService(
	users FaultySource,
	accounts provisioning.AccountStore,
	provisioner Provisioner,
	tokens TokenAcquirer,
	factory *edxclient.Factory,
	gracePeriod time.Duration,
	chunkSize int,
	interval time.Duration,
	logger *slog.Logger,
) *RepairService {
	return &RepairService{
		users:       users,
		accounts:    accounts,
		provisioner: provisioner,
		tokens:      tokens,
		factory:     factory,
		gracePeriod: gracePeriod,
		chunkSize:   chunkSize,
		interval:    interval,
		logger:      logger.With(slog.String("component", "repair")),
	}
}

// Start запускает фоновую горутину восстановления.
// Первый проход выполняется сразу при старте: упавший процесс мог
// оставить пользователей в неполном состоянии.
func (s *RepairService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Периодическое восстановление пользователей запущено",
			slog.String("interval", s.interval.String()),
			slog.String("grace_period", s.gracePeriod.String()),
		)

		s.runOnce(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Периодическое восстановление пользователей остановлено")
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *RepairService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// runOnce выполняет один проход с логированием итога.
func (s *RepairService) runOnce(ctx context.Context) {
	s.logger.Info("Запуск прохода восстановления")
	result, err := s.RepairAll(ctx)
	if err != nil {
		s.logger.Error("Ошибка прохода восстановления",
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("Проход восстановления завершён",
		slog.Int("examined", result.Examined),
		slog.Int("repaired_accounts", result.RepairedAccounts),
		slog.Int("repaired_auths", result.RepairedAuths),
		slog.Int("reconciled", result.Reconciled),
		slog.Int("failed", result.Failed),
	)
}

// RepairAll выполняет немедленный проход восстановления по всем
// неисправным пользователям keyset-страницами.
func (s *RepairService) RepairAll(ctx context.Context) (*model.RepairRunResult, error) {
	startedAt := time.Now().UTC()
	cutoff := startedAt.Add(-s.gracePeriod)
	result := &model.RepairRunResult{}

	afterID := ""
	for {
		users, err := s.users.ListFaulty(ctx, cutoff, afterID, s.chunkSize)
		if err != nil {
			return nil, fmt.Errorf("выборка неисправных пользователей: %w", err)
		}
		if len(users) == 0 {
			break
		}

		for _, user := range users {
			outcome, err := s.RepairUser(ctx, user)
			if err != nil {
				result.Failed++
				repairFailed.Inc()
				s.logger.Warn("Ошибка восстановления пользователя",
					slog.String("user_id", user.ID),
					slog.String("error", err.Error()),
				)
				continue
			}

			if outcome.CreatedAccount {
				result.RepairedAccounts++
			}
			if outcome.CreatedAuth {
				result.RepairedAuths++
			}
			if !outcome.CreatedAccount && !outcome.CreatedAuth {
				result.Reconciled++
			}
			repairRepaired.Inc()
		}

		result.Examined += len(users)
		afterID = users[len(users)-1].ID
		if len(users) < s.chunkSize {
			break
		}
	}

	result.CompletedAt = time.Now().UTC()
	repairDuration.Observe(result.CompletedAt.Sub(startedAt).Seconds())
	return result, nil
}

// RepairUser восстанавливает одного пользователя.
//
// Основной путь — обычное создание через движок. Особый исход: LMS
// отвечает на регистрацию 409, аккаунт уже существует (создан до сбоя
// или вручную). Тогда фактическое имя сверяется сервисным клиентом по
// email, связка помечается подтверждённой, а недостающие токены
// добираются серверным рукопожатием — аккаунт при этом не создавался,
// поэтому в исходе взводится только флаг токенов.
func (s *RepairService) RepairUser(ctx context.Context, user *model.User) (*model.RepairOutcome, error) {
	outcome, err := s.provisioner.Provision(ctx, user.ID)
	if err == nil {
		return outcome, nil
	}

	var createErr *provisioning.UserCreateError
	if errors.As(err, &createErr) && createErr.IsConflict() {
		if rerr := s.reconcileExisting(ctx, user); rerr != nil {
			return nil, fmt.Errorf("сверка существующего аккаунта: %w", rerr)
		}
		_, createdAuth, aerr := s.tokens.AcquireInitialTokens(ctx, user)
		if aerr != nil {
			return nil, fmt.Errorf("получение токенов после сверки: %w", aerr)
		}
		s.logger.Info("Существующий аккаунт LMS сверен",
			slog.String("user_id", user.ID),
			slog.Bool("created_auth", createdAuth),
		)
		return &model.RepairOutcome{
			UserID:      user.ID,
			CreatedAuth: createdAuth,
			RepairedAt:  time.Now(),
		}, nil
	}

	return nil, err
}

// reconcileExisting находит существующий аккаунт LMS по email и помечает
// связку подтверждённой с фактическим именем пользователя.
func (s *RepairService) reconcileExisting(ctx context.Context, user *model.User) error {
	client, err := s.factory.ForService()
	if err != nil {
		return fmt.Errorf("сервисный клиент для сверки: %w", err)
	}

	info, err := client.GetUserByEmail(ctx, user.Email)
	if err != nil {
		return fmt.Errorf("поиск аккаунта LMS по email: %w", err)
	}

	return s.accounts.WithUserLock(ctx, user.ID, func(cur *model.OpenEdxUser, markSynced provisioning.MarkSyncedFunc) error {
		if cur.HasBeenSynced {
			return nil
		}
		return markSynced(info.Username)
	})
}
