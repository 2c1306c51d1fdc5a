package repository

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// BlockedEmailRepository — доступ к блок-списку адресов.
// Адреса хранятся только в виде md5-хеша нижнего регистра,
// сам адрес в базу не попадает.
type BlockedEmailRepository interface {
	// IsBlocked сообщает, заблокирован ли адрес.
	IsBlocked(ctx context.Context, email string) (bool, error)
	// Add добавляет адрес в блок-список. Повторное добавление — не ошибка.
	Add(ctx context.Context, email string) error
}

// blockedEmailRepo — реализация BlockedEmailRepository.
type blockedEmailRepo struct {
	db DBTX
}

// NewBlockedEmailRepository создаёт репозиторий блок-списка.
func NewBlockedEmailRepository(db DBTX) BlockedEmailRepository {
	return &blockedEmailRepo{db: db}
}

// hashEmail возвращает md5-хеш адреса в нижнем регистре.
func hashEmail(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

func (r *blockedEmailRepo) IsBlocked(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM blocked_emails WHERE email_hash = $1)`,
		hashEmail(email),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки блок-списка: %w", err)
	}
	return exists, nil
}

func (r *blockedEmailRepo) Add(ctx context.Context, email string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO blocked_emails (id, email_hash)
		 VALUES (gen_random_uuid(), $1)
		 ON CONFLICT (email_hash) DO NOTHING`,
		hashEmail(email),
	)
	if err != nil {
		return fmt.Errorf("ошибка добавления в блок-список: %w", err)
	}
	return nil
}
