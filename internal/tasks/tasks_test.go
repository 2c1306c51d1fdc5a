package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupTestRedis запускает Redis контейнер и возвращает клиент.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "docker.io/redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Не удалось запустить Redis контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	})
	t.Cleanup(func() { _ = rdb.Close() })

	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("Redis не отвечает: %v", err)
	}
	return rdb
}

// fakeRegenerator — перевыпуск токенов с заранее заданным исходом.
type fakeRegenerator struct {
	mu    sync.Mutex
	errs  map[string]error
	calls map[string]int
}

func newFakeRegenerator() *fakeRegenerator {
	return &fakeRegenerator{errs: make(map[string]error), calls: make(map[string]int)}
}

func (f *fakeRegenerator) RegenerateTokens(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[userID]++
	return f.errs[userID]
}

func (f *fakeRegenerator) callCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[userID]
}

func TestEnqueueDeduplication(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	queue := NewQueue(rdb, testLogger())
	userID := uuid.NewString()

	// Повторная постановка при ожидающей задаче подавляется
	for i := 0; i < 3; i++ {
		if err := queue.EnqueueRegenerateTokens(ctx, userID); err != nil {
			t.Fatalf("EnqueueRegenerateTokens() ошибка: %v", err)
		}
	}

	length, err := rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if length != 1 {
		t.Errorf("Длина очереди %d, хотели 1", length)
	}

	// Другой пользователь — отдельная задача
	if err := queue.EnqueueRegenerateTokens(ctx, uuid.NewString()); err != nil {
		t.Fatalf("EnqueueRegenerateTokens() ошибка: %v", err)
	}
	length, _ = rdb.LLen(ctx, queueKey).Result()
	if length != 2 {
		t.Errorf("Длина очереди %d, хотели 2", length)
	}
}

func TestWorkerProcessesTasks(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	queue := NewQueue(rdb, testLogger())
	regen := newFakeRegenerator()

	okUser := uuid.NewString()
	failUser := uuid.NewString()
	regen.errs[failUser] = fmt.Errorf("LMS недоступна")

	if err := queue.EnqueueRegenerateTokens(ctx, okUser); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := queue.EnqueueRegenerateTokens(ctx, failUser); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	worker := NewWorker(rdb, regen, testLogger())
	worker.Start(ctx)
	defer worker.Stop()

	deadline := time.After(5 * time.Second)
	for regen.callCount(okUser) == 0 || regen.callCount(failUser) == 0 {
		select {
		case <-deadline:
			t.Fatalf("Задачи не обработаны: ok=%d fail=%d",
				regen.callCount(okUser), regen.callCount(failUser))
		case <-time.After(20 * time.Millisecond):
		}
	}

	// Очередь и множество ожидающих пусты — дубликаты снова возможны
	length, _ := rdb.LLen(ctx, queueKey).Result()
	if length != 0 {
		t.Errorf("Длина очереди %d, хотели 0", length)
	}
	pending, _ := rdb.SCard(ctx, pendingSetKey).Result()
	if pending != 0 {
		t.Errorf("Ожидающих задач %d, хотели 0", pending)
	}

	if err := queue.EnqueueRegenerateTokens(ctx, okUser); err != nil {
		t.Fatalf("Повторная постановка после обработки: %v", err)
	}
}

func TestWorkerIgnoresUnknownTask(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()

	if err := rdb.LPush(ctx, queueKey, `{"type":"unknown_task","user_id":"x"}`).Err(); err != nil {
		t.Fatalf("LPush: %v", err)
	}

	regen := newFakeRegenerator()
	worker := NewWorker(rdb, regen, testLogger())
	worker.Start(ctx)
	defer worker.Stop()

	deadline := time.After(5 * time.Second)
	for {
		length, err := rdb.LLen(ctx, queueKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			t.Fatalf("LLen: %v", err)
		}
		if length == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Неизвестная задача не вынута из очереди")
		case <-time.After(20 * time.Millisecond):
		}
	}

	regen.mu.Lock()
	n := len(regen.calls)
	regen.mu.Unlock()
	if n != 0 {
		t.Error("Неизвестная задача не должна вызывать перевыпуск")
	}
}
