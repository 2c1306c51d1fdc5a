package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlearn/lms-module/internal/domain/model"
	"github.com/openlearn/lms-module/internal/repository"
)

// SaveFunc сохраняет результат обмена refresh token внутри блокировки.
type SaveFunc func(refreshToken, accessToken string, expiresOn time.Time) error

// AuthStore — хранилище токенов с поддержкой межпроцессной блокировки
// на пользователя. Абстракция над PostgreSQL для тестируемости менеджера.
type AuthStore interface {
	// GetByUser возвращает токены пользователя без блокировки (быстрый путь).
	GetByUser(ctx context.Context, userID string) (*model.OpenEdxApiAuth, error)
	// WithUserLock выполняет fn под эксклюзивной блокировкой записи
	// пользователя. fn получает актуальное состояние и функцию сохранения.
	WithUserLock(ctx context.Context, userID string, fn func(cur *model.OpenEdxApiAuth, save SaveFunc) error) error
	// Replace заменяет токены пользователя новыми (после полного рукопожатия).
	Replace(ctx context.Context, auth *model.OpenEdxApiAuth) error
}

// pgAuthStore — реализация AuthStore поверх pgx.
// Блокировка — SELECT ... FOR UPDATE в транзакции: параллельные процессы
// сериализуются на строке пользователя.
type pgAuthStore struct {
	pool   *pgxpool.Pool
	runner *repository.TxRunner
}

// NewPgAuthStore создаёт хранилище токенов поверх пула PostgreSQL.
func NewPgAuthStore(pool *pgxpool.Pool) AuthStore {
	return &pgAuthStore{
		pool:   pool,
		runner: repository.NewTxRunner(pool),
	}
}

func (s *pgAuthStore) GetByUser(ctx context.Context, userID string) (*model.OpenEdxApiAuth, error) {
	return repository.NewOpenEdxAuthRepository(s.pool).GetByUser(ctx, userID)
}

func (s *pgAuthStore) WithUserLock(ctx context.Context, userID string, fn func(cur *model.OpenEdxApiAuth, save SaveFunc) error) error {
	return s.runner.RunInTx(ctx, func(tx pgx.Tx) error {
		repo := repository.NewOpenEdxAuthRepository(tx)

		cur, err := repo.GetByUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		save := func(refreshToken, accessToken string, expiresOn time.Time) error {
			return repo.UpdateTokens(ctx, cur.ID, refreshToken, accessToken, expiresOn)
		}
		return fn(cur, save)
	})
}

func (s *pgAuthStore) Replace(ctx context.Context, auth *model.OpenEdxApiAuth) error {
	return s.runner.RunInTx(ctx, func(tx pgx.Tx) error {
		repo := repository.NewOpenEdxAuthRepository(tx)
		if err := repo.Delete(ctx, auth.UserID); err != nil {
			return err
		}
		if err := repo.Create(ctx, auth); err != nil {
			return fmt.Errorf("замена токенов пользователя: %w", err)
		}
		return nil
	})
}

// isNotFound сообщает, что хранилище не нашло запись токенов.
func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
