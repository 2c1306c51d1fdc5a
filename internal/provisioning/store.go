package provisioning

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlearn/lms-module/internal/domain/model"
	"github.com/openlearn/lms-module/internal/repository"
)

// MarkSyncedFunc подтверждает создание аккаунта внутри блокировки.
type MarkSyncedFunc func(edxUsername string) error

// AccountStore — хранилище связок с LMS с поддержкой межпроцессной
// блокировки на пользователя. Абстракция над PostgreSQL для
// тестируемости движка.
type AccountStore interface {
	// GetOrCreate возвращает существующую связку или создаёт новую.
	GetOrCreate(ctx context.Context, userID, desiredUsername string) (*model.OpenEdxUser, error)
	// WithUserLock выполняет fn под эксклюзивной блокировкой связки
	// пользователя. fn получает актуальное состояние и функцию
	// подтверждения синхронизации.
	WithUserLock(ctx context.Context, userID string, fn func(cur *model.OpenEdxUser, markSynced MarkSyncedFunc) error) error
	// SetSyncError устанавливает флаг ошибки синхронизации вне блокировки.
	SetSyncError(ctx context.Context, id string, errData string) error
}

// pgAccountStore — реализация AccountStore поверх pgx.
// Блокировка — SELECT ... FOR UPDATE в транзакции, как в хранилище
// токенов: параллельные создания аккаунта сериализуются на строке.
type pgAccountStore struct {
	pool   *pgxpool.Pool
	runner *repository.TxRunner
}

// NewPgAccountStore создаёт хранилище связок поверх пула PostgreSQL.
func NewPgAccountStore(pool *pgxpool.Pool) AccountStore {
	return &pgAccountStore{
		pool:   pool,
		runner: repository.NewTxRunner(pool),
	}
}

func (s *pgAccountStore) GetOrCreate(ctx context.Context, userID, desiredUsername string) (*model.OpenEdxUser, error) {
	return repository.NewOpenEdxUserRepository(s.pool).GetOrCreate(ctx, userID, desiredUsername)
}

func (s *pgAccountStore) WithUserLock(ctx context.Context, userID string, fn func(cur *model.OpenEdxUser, markSynced MarkSyncedFunc) error) error {
	return s.runner.RunInTx(ctx, func(tx pgx.Tx) error {
		repo := repository.NewOpenEdxUserRepository(tx)

		cur, err := repo.GetByUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		markSynced := func(edxUsername string) error {
			return repo.MarkSynced(ctx, cur.ID, edxUsername)
		}
		return fn(cur, markSynced)
	})
}

func (s *pgAccountStore) SetSyncError(ctx context.Context, id string, errData string) error {
	return repository.NewOpenEdxUserRepository(s.pool).SetSyncError(ctx, id, errData)
}
