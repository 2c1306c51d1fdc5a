package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// popTimeout — таймаут блокирующего чтения очереди. Короткий, чтобы
// воркер реагировал на остановку.
const popTimeout = 5 * time.Second

// Prometheus-метрики воркера.
var (
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lm_tasks_processed_total",
		Help: "Количество обработанных фоновых задач",
	}, []string{"type", "status"})
)

// TokenRegenerator — перевыпуск токенов пользователя серверным
// рукопожатием (internal/provisioning).
type TokenRegenerator interface {
	RegenerateTokens(ctx context.Context, userID string) error
}

// Worker — разборщик очереди задач.
type Worker struct {
	rdb    *redis.Client
	regen  TokenRegenerator
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker создаёт воркер очереди задач.
func NewWorker(rdb *redis.Client, regen TokenRegenerator, logger *slog.Logger) *Worker {
	return &Worker{
		rdb:    rdb,
		regen:  regen,
		logger: logger.With(slog.String("component", "task_worker")),
	}
}

// Start запускает фоновую горутину разбора очереди.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)

		w.logger.Info("Воркер очереди задач запущен")

		for {
			select {
			case <-ctx.Done():
				w.logger.Info("Воркер очереди задач остановлен")
				return
			default:
			}

			res, err := w.rdb.BRPop(ctx, popTimeout, queueKey).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
					continue
				}
				w.logger.Error("Ошибка чтения очереди задач",
					slog.String("error", err.Error()))
				// Пауза, чтобы не крутить цикл при недоступном Redis
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
				continue
			}
			// BRPop возвращает пару [ключ, значение]
			if len(res) != 2 {
				continue
			}
			w.handle(ctx, []byte(res[1]))
		}
	}()
}

// Stop останавливает воркер и ждёт завершения текущей задачи.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

// handle разбирает и выполняет одну задачу.
func (w *Worker) handle(ctx context.Context, payload []byte) {
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		w.logger.Error("Нечитаемая задача в очереди",
			slog.String("error", err.Error()))
		return
	}

	// Задача вынута из очереди — снимаем регистрацию дубликатов
	if err := w.rdb.SRem(ctx, pendingSetKey, task.dedupKey()).Err(); err != nil {
		w.logger.Warn("Не удалось снять регистрацию задачи",
			slog.String("error", err.Error()))
	}

	switch task.Type {
	case TaskRegenerateTokens:
		w.regenerateTokens(ctx, &task)
	default:
		w.logger.Warn("Неизвестный тип задачи", slog.String("type", task.Type))
		tasksProcessed.WithLabelValues(task.Type, "unknown").Inc()
	}
}

// regenerateTokens выполняет перевыпуск токенов пользователя серверным
// рукопожатием.
func (w *Worker) regenerateTokens(ctx context.Context, task *Task) {
	if err := w.regen.RegenerateTokens(ctx, task.UserID); err != nil {
		w.logger.Error("Ошибка перевыпуска токенов",
			slog.String("user_id", task.UserID),
			slog.String("error", err.Error()))
		tasksProcessed.WithLabelValues(task.Type, "error").Inc()
		return
	}
	w.logger.Info("Токены пользователя перевыпущены",
		slog.String("user_id", task.UserID))
	tasksProcessed.WithLabelValues(task.Type, "ok").Inc()
}
