package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openlearn/lms-module/internal/domain/model"
)

// OpenEdxAuthRepository — доступ к таблице openedx_api_auths.
// Refresh token — единственный невосстановимый секрет: потерянная запись
// пересоздаётся только полным OAuth-рукопожатием.
type OpenEdxAuthRepository interface {
	// Create сохраняет новые токены пользователя.
	Create(ctx context.Context, auth *model.OpenEdxApiAuth) error
	// GetByUser возвращает токены по UUID пользователя.
	GetByUser(ctx context.Context, userID string) (*model.OpenEdxApiAuth, error)
	// GetByUserForUpdate возвращает токены с блокировкой строки (FOR UPDATE).
	// Вызывать только внутри транзакции.
	GetByUserForUpdate(ctx context.Context, userID string) (*model.OpenEdxApiAuth, error)
	// UpdateTokens записывает результат обмена refresh token:
	// новый refresh token (ротация) и новый access token со сроком.
	UpdateTokens(ctx context.Context, id, refreshToken, accessToken string, expiresOn time.Time) error
	// Delete удаляет токены пользователя. Отсутствие записи — не ошибка.
	Delete(ctx context.Context, userID string) error
}

// openEdxAuthRepo — реализация OpenEdxAuthRepository.
type openEdxAuthRepo struct {
	db DBTX
}

// NewOpenEdxAuthRepository создаёт репозиторий OAuth-токенов.
func NewOpenEdxAuthRepository(db DBTX) OpenEdxAuthRepository {
	return &openEdxAuthRepo{db: db}
}

const openEdxAuthColumns = `id, user_id, refresh_token, access_token,
	access_token_expires_on, created_at, updated_at`

// scanOpenEdxAuth сканирует строку результата в модель OpenEdxApiAuth.
func scanOpenEdxAuth(row pgx.Row) (*model.OpenEdxApiAuth, error) {
	a := &model.OpenEdxApiAuth{}
	err := row.Scan(
		&a.ID, &a.UserID, &a.RefreshToken, &a.AccessToken,
		&a.AccessTokenExpiresOn, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func (r *openEdxAuthRepo) Create(ctx context.Context, auth *model.OpenEdxApiAuth) error {
	query := `
		INSERT INTO openedx_api_auths (id, user_id, refresh_token, access_token,
			access_token_expires_on)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		auth.ID, auth.UserID, auth.RefreshToken, auth.AccessToken,
		auth.AccessTokenExpiresOn,
	).Scan(&auth.CreatedAt, &auth.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: токены пользователя уже существуют", ErrConflict)
		}
		return fmt.Errorf("ошибка сохранения токенов: %w", err)
	}
	return nil
}

func (r *openEdxAuthRepo) GetByUser(ctx context.Context, userID string) (*model.OpenEdxApiAuth, error) {
	query := fmt.Sprintf(`SELECT %s FROM openedx_api_auths WHERE user_id = $1`, openEdxAuthColumns)
	a, err := scanOpenEdxAuth(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения токенов: %w", err)
	}
	return a, nil
}

func (r *openEdxAuthRepo) GetByUserForUpdate(ctx context.Context, userID string) (*model.OpenEdxApiAuth, error) {
	query := fmt.Sprintf(`SELECT %s FROM openedx_api_auths WHERE user_id = $1 FOR UPDATE`, openEdxAuthColumns)
	a, err := scanOpenEdxAuth(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения токенов под блокировкой: %w", err)
	}
	return a, nil
}

func (r *openEdxAuthRepo) UpdateTokens(ctx context.Context, id, refreshToken, accessToken string, expiresOn time.Time) error {
	query := `
		UPDATE openedx_api_auths
		SET refresh_token = $2, access_token = $3,
			access_token_expires_on = $4, updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, refreshToken, accessToken, expiresOn)
	if err != nil {
		return fmt.Errorf("ошибка обновления токенов: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *openEdxAuthRepo) Delete(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM openedx_api_auths WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("ошибка удаления токенов: %w", err)
	}
	return nil
}
