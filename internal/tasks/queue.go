// Пакет tasks — фоновая очередь задач на Redis.
// Координатор записей ставит задачи перевыпуска токенов, воркер
// разбирает очередь. Очередь переживает рестарт процесса; повторная
// постановка той же задачи подавляется через множество ожидающих.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ключи очереди в Redis.
const (
	// queueKey — список задач (LPUSH / BRPOP).
	queueKey = "lm:tasks"
	// pendingSetKey — множество задач в очереди, подавляет дубликаты.
	pendingSetKey = "lm:tasks:pending"
)

// Типы задач.
const (
	// TaskRegenerateTokens — перевыпуск токенов пользователя.
	TaskRegenerateTokens = "regenerate_tokens"
)

// Task — задача в очереди.
type Task struct {
	// Type — тип задачи
	Type string `json:"type"`
	// UserID — UUID пользователя
	UserID string `json:"user_id"`
	// EnqueuedAt — время постановки (Unix timestamp)
	EnqueuedAt int64 `json:"enqueued_at"`
}

// dedupKey — ключ задачи в множестве ожидающих.
func (t *Task) dedupKey() string {
	return t.Type + ":" + t.UserID
}

// Queue — постановка задач в очередь.
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewQueue создаёт очередь задач поверх клиента Redis.
func NewQueue(rdb *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{
		rdb:    rdb,
		logger: logger.With(slog.String("component", "task_queue")),
	}
}

// EnqueueRegenerateTokens ставит задачу перевыпуска токенов пользователя.
// Повторная постановка при уже ожидающей задаче подавляется.
func (q *Queue) EnqueueRegenerateTokens(ctx context.Context, userID string) error {
	return q.enqueue(ctx, &Task{
		Type:       TaskRegenerateTokens,
		UserID:     userID,
		EnqueuedAt: time.Now().Unix(),
	})
}

func (q *Queue) enqueue(ctx context.Context, task *Task) error {
	added, err := q.rdb.SAdd(ctx, pendingSetKey, task.dedupKey()).Result()
	if err != nil {
		return fmt.Errorf("регистрация задачи в множестве ожидающих: %w", err)
	}
	if added == 0 {
		// Такая задача уже в очереди
		q.logger.Debug("Задача уже в очереди",
			slog.String("type", task.Type),
			slog.String("user_id", task.UserID),
		)
		return nil
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("сериализация задачи: %w", err)
	}
	if err := q.rdb.LPush(ctx, queueKey, payload).Err(); err != nil {
		return fmt.Errorf("постановка задачи в очередь: %w", err)
	}

	q.logger.Info("Задача поставлена в очередь",
		slog.String("type", task.Type),
		slog.String("user_id", task.UserID),
	)
	return nil
}
