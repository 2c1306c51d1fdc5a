package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openlearn/lms-module/internal/domain/model"
)

// UserRepository — доступ к таблице users. Таблица принадлежит подсистеме
// аккаунтов, LMS Module читает её; Create нужен для автономных тестов.
type UserRepository interface {
	// Create создаёт пользователя.
	Create(ctx context.Context, u *model.User) error
	// GetByID возвращает пользователя по UUID.
	GetByID(ctx context.Context, id string) (*model.User, error)
	// GetByUsername возвращает пользователя по локальному имени.
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// ListFaulty возвращает чанк активных пользователей с неполным состоянием
	// LMS (нет аккаунта, нет токенов или ошибка синхронизации), созданных
	// раньше cutoff. Keyset-пагинация: afterID — UUID последнего пользователя
	// предыдущего чанка, пустая строка для первого.
	ListFaulty(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]*model.User, error)
}

// userRepo — реализация UserRepository.
type userRepo struct {
	db DBTX
}

// NewUserRepository создаёт репозиторий пользователей.
func NewUserRepository(db DBTX) UserRepository {
	return &userRepo{db: db}
}

const userColumns = `id, username, email, name, is_active, created_at, updated_at`

// scanUser сканирует строку результата в модель User.
func scanUser(row pgx.Row) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.Name, &u.IsActive,
		&u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

func (r *userRepo) Create(ctx context.Context, u *model.User) error {
	query := `
		INSERT INTO users (id, username, email, name, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		u.ID, u.Username, u.Email, u.Name, u.IsActive,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: пользователь с таким именем или email уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания пользователя: %w", err)
	}
	return nil
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns)
	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	return u, nil
}

func (r *userRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE username = $1`, userColumns)
	u, err := scanUser(r.db.QueryRow(ctx, query, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя по имени: %w", err)
	}
	return u, nil
}

func (r *userRepo) ListFaulty(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]*model.User, error) {
	// Неисправным считается активный пользователь, у которого отсутствует
	// связка с LMS, отсутствуют токены, аккаунт не подтверждён или последняя
	// синхронизация завершилась ошибкой.
	query := fmt.Sprintf(`
		SELECT %s
		FROM users u
		LEFT JOIN openedx_users ou ON ou.user_id = u.id
		LEFT JOIN openedx_api_auths oa ON oa.user_id = u.id
		WHERE u.is_active
		  AND u.created_at < $1
		  AND ($2 = '' OR u.id > $2::uuid)
		  AND (ou.id IS NULL
		       OR oa.id IS NULL
		       OR NOT ou.has_been_synced
		       OR ou.has_sync_error)
		ORDER BY u.id
		LIMIT $3`, prefixColumns("u", userColumns))

	rows, err := r.db.Query(ctx, query, cutoff, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки неисправных пользователей: %w", err)
	}
	defer rows.Close()

	var result []*model.User
	for rows.Next() {
		u := &model.User{}
		if err := rows.Scan(
			&u.ID, &u.Username, &u.Email, &u.Name, &u.IsActive,
			&u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования пользователя: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}
