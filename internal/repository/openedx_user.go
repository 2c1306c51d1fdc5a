package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openlearn/lms-module/internal/domain/model"
)

// OpenEdxUserRepository — доступ к таблице openedx_users.
type OpenEdxUserRepository interface {
	// Create создаёт связку пользователь ↔ LMS.
	Create(ctx context.Context, ou *model.OpenEdxUser) error
	// GetByUser возвращает связку по UUID пользователя.
	GetByUser(ctx context.Context, userID string) (*model.OpenEdxUser, error)
	// GetByUserForUpdate возвращает связку с блокировкой строки (FOR UPDATE).
	// Вызывать только внутри транзакции.
	GetByUserForUpdate(ctx context.Context, userID string) (*model.OpenEdxUser, error)
	// GetOrCreate возвращает существующую связку или создаёт новую
	// с указанным желаемым именем пользователя.
	GetOrCreate(ctx context.Context, userID, desiredUsername string) (*model.OpenEdxUser, error)
	// MarkSynced помечает аккаунт подтверждённым со стороны LMS
	// и сбрасывает флаг ошибки.
	MarkSynced(ctx context.Context, id string, edxUsername string) error
	// SetSyncError устанавливает флаг ошибки синхронизации с контекстом.
	SetSyncError(ctx context.Context, id string, errData string) error
}

// openEdxUserRepo — реализация OpenEdxUserRepository.
type openEdxUserRepo struct {
	db DBTX
}

// NewOpenEdxUserRepository создаёт репозиторий связок с LMS.
func NewOpenEdxUserRepository(db DBTX) OpenEdxUserRepository {
	return &openEdxUserRepo{db: db}
}

const openEdxUserColumns = `id, user_id, platform, edx_username, desired_username,
	has_been_synced, has_sync_error, sync_error_data, created_at, updated_at`

// scanOpenEdxUser сканирует строку результата в модель OpenEdxUser.
func scanOpenEdxUser(row pgx.Row) (*model.OpenEdxUser, error) {
	ou := &model.OpenEdxUser{}
	err := row.Scan(
		&ou.ID, &ou.UserID, &ou.Platform, &ou.EdxUsername, &ou.DesiredUsername,
		&ou.HasBeenSynced, &ou.HasSyncError, &ou.SyncErrorData,
		&ou.CreatedAt, &ou.UpdatedAt,
	)
	return ou, err
}

func (r *openEdxUserRepo) Create(ctx context.Context, ou *model.OpenEdxUser) error {
	query := `
		INSERT INTO openedx_users (id, user_id, platform, edx_username, desired_username,
			has_been_synced, has_sync_error, sync_error_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		ou.ID, ou.UserID, ou.Platform, ou.EdxUsername, ou.DesiredUsername,
		ou.HasBeenSynced, ou.HasSyncError, ou.SyncErrorData,
	).Scan(&ou.CreatedAt, &ou.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: связка с LMS для пользователя уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания связки с LMS: %w", err)
	}
	return nil
}

func (r *openEdxUserRepo) GetByUser(ctx context.Context, userID string) (*model.OpenEdxUser, error) {
	query := fmt.Sprintf(`SELECT %s FROM openedx_users WHERE user_id = $1 AND platform = $2`,
		openEdxUserColumns)
	ou, err := scanOpenEdxUser(r.db.QueryRow(ctx, query, userID, model.PlatformOpenEdx))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения связки с LMS: %w", err)
	}
	return ou, nil
}

func (r *openEdxUserRepo) GetByUserForUpdate(ctx context.Context, userID string) (*model.OpenEdxUser, error) {
	query := fmt.Sprintf(`SELECT %s FROM openedx_users WHERE user_id = $1 AND platform = $2 FOR UPDATE`,
		openEdxUserColumns)
	ou, err := scanOpenEdxUser(r.db.QueryRow(ctx, query, userID, model.PlatformOpenEdx))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения связки с LMS под блокировкой: %w", err)
	}
	return ou, nil
}

func (r *openEdxUserRepo) GetOrCreate(ctx context.Context, userID, desiredUsername string) (*model.OpenEdxUser, error) {
	ou, err := r.GetByUser(ctx, userID)
	if err == nil {
		return ou, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	ou = &model.OpenEdxUser{
		ID:              uuid.NewString(),
		UserID:          userID,
		Platform:        model.PlatformOpenEdx,
		DesiredUsername: desiredUsername,
	}
	if err := r.Create(ctx, ou); err != nil {
		// Параллельное создание — перечитываем существующую запись
		if errors.Is(err, ErrConflict) {
			return r.GetByUser(ctx, userID)
		}
		return nil, err
	}
	return ou, nil
}

func (r *openEdxUserRepo) MarkSynced(ctx context.Context, id string, edxUsername string) error {
	query := `
		UPDATE openedx_users
		SET edx_username = $2, has_been_synced = TRUE,
			has_sync_error = FALSE, sync_error_data = NULL,
			updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, edxUsername)
	if err != nil {
		return fmt.Errorf("ошибка подтверждения синхронизации: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *openEdxUserRepo) SetSyncError(ctx context.Context, id string, errData string) error {
	query := `
		UPDATE openedx_users
		SET has_sync_error = TRUE, sync_error_data = $2, updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, errData)
	if err != nil {
		return fmt.Errorf("ошибка записи ошибки синхронизации: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
