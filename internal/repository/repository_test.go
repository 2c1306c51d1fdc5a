package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openlearn/lms-module/internal/config"
	"github.com/openlearn/lms-module/internal/database"
	"github.com/openlearn/lms-module/internal/domain/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool; очистка в t.Cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("openlearn_test"),
		postgres.WithUsername("openlearn"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
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
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("LM_DB_HOST", host)
	os.Setenv("LM_DB_PORT", port.Port())
	os.Setenv("LM_DB_NAME", "openlearn_test")
	os.Setenv("LM_DB_USER", "openlearn")
	os.Setenv("LM_DB_PASSWORD", "test-password")
	os.Setenv("LM_DB_SSL_MODE", "disable")
	os.Setenv("LM_BASE_URL", "http://localhost:8080")
	os.Setenv("LMS_BASE_URL", "http://localhost:18000")
	os.Setenv("LMS_OAUTH_CLIENT_ID", "test")
	os.Setenv("LMS_OAUTH_CLIENT_SECRET", "test")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// createTestUser создаёт пользователя для тестов, возвращает его UUID.
func createTestUser(t *testing.T, pool *pgxpool.Pool, username string) string {
	t.Helper()
	repo := NewUserRepository(pool)
	u := &model.User{
		ID:       uuid.NewString(),
		Username: username,
		Email:    username + "@example.org",
		Name:     "Тестовый Пользователь",
		IsActive: true,
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("Создание пользователя: %v", err)
	}
	return u.ID
}

// --- Тесты UserRepository ---

func TestUserRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewUserRepository(pool)

	userID := createTestUser(t, pool, "alice")

	// GetByID
	got, err := repo.GetByID(ctx, userID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("Username = %q, хотели %q", got.Username, "alice")
	}

	// GetByUsername
	got2, err := repo.GetByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetByUsername() ошибка: %v", err)
	}
	if got2.ID != userID {
		t.Errorf("ID = %q, хотели %q", got2.ID, userID)
	}

	// Несуществующий пользователь
	_, err = repo.GetByID(ctx, uuid.NewString())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() несуществующего: ожидали ErrNotFound, получили %v", err)
	}

	// Дубликат username
	dup := &model.User{
		ID: uuid.NewString(), Username: "alice",
		Email: "alice2@example.org", IsActive: true,
	}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Create() дубликата: ожидали ErrConflict, получили %v", err)
	}
}

func TestUserRepository_ListFaulty(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	userRepo := NewUserRepository(pool)
	ouRepo := NewOpenEdxUserRepository(pool)
	authRepo := NewOpenEdxAuthRepository(pool)

	// Пользователь без связки с LMS — неисправен
	noLink := createTestUser(t, pool, "no-link")

	// Пользователь со связкой, но без токенов — неисправен
	noAuth := createTestUser(t, pool, "no-auth")
	ouNoAuth, err := ouRepo.GetOrCreate(ctx, noAuth, "no-auth")
	if err != nil {
		t.Fatalf("GetOrCreate() ошибка: %v", err)
	}
	if err := ouRepo.MarkSynced(ctx, ouNoAuth.ID, "no-auth"); err != nil {
		t.Fatalf("MarkSynced() ошибка: %v", err)
	}

	// Полностью исправный пользователь
	healthy := createTestUser(t, pool, "healthy")
	ouHealthy, err := ouRepo.GetOrCreate(ctx, healthy, "healthy")
	if err != nil {
		t.Fatalf("GetOrCreate() ошибка: %v", err)
	}
	if err := ouRepo.MarkSynced(ctx, ouHealthy.ID, "healthy"); err != nil {
		t.Fatalf("MarkSynced() ошибка: %v", err)
	}
	if err := authRepo.Create(ctx, &model.OpenEdxApiAuth{
		ID: uuid.NewString(), UserID: healthy, RefreshToken: "rt-healthy",
	}); err != nil {
		t.Fatalf("Create() токенов ошибка: %v", err)
	}

	// Cutoff в будущем — grace period не мешает
	cutoff := time.Now().Add(time.Hour)

	faulty, err := userRepo.ListFaulty(ctx, cutoff, "", 100)
	if err != nil {
		t.Fatalf("ListFaulty() ошибка: %v", err)
	}

	ids := map[string]bool{}
	for _, u := range faulty {
		ids[u.ID] = true
	}
	if !ids[noLink] {
		t.Error("ListFaulty() не вернул пользователя без связки с LMS")
	}
	if !ids[noAuth] {
		t.Error("ListFaulty() не вернул пользователя без токенов")
	}
	if ids[healthy] {
		t.Error("ListFaulty() вернул исправного пользователя")
	}

	// Cutoff в прошлом — grace period скрывает всех
	faulty2, err := userRepo.ListFaulty(ctx, time.Now().Add(-time.Hour), "", 100)
	if err != nil {
		t.Fatalf("ListFaulty() ошибка: %v", err)
	}
	if len(faulty2) != 0 {
		t.Errorf("ListFaulty() с прошлым cutoff вернул %d записей, хотели 0", len(faulty2))
	}

	// Keyset-пагинация: чанки по одному без повторов
	seen := map[string]bool{}
	afterID := ""
	for {
		chunk, err := userRepo.ListFaulty(ctx, cutoff, afterID, 1)
		if err != nil {
			t.Fatalf("ListFaulty() чанк ошибка: %v", err)
		}
		if len(chunk) == 0 {
			break
		}
		for _, u := range chunk {
			if seen[u.ID] {
				t.Errorf("Пользователь %s встретился в двух чанках", u.ID)
			}
			seen[u.ID] = true
		}
		afterID = chunk[len(chunk)-1].ID
	}
	if len(seen) != 2 {
		t.Errorf("Пагинация собрала %d пользователей, хотели 2", len(seen))
	}
}

// --- Тесты OpenEdxUserRepository ---

func TestOpenEdxUserRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewOpenEdxUserRepository(pool)

	userID := createTestUser(t, pool, "bob")

	// GetOrCreate — создание
	ou, err := repo.GetOrCreate(ctx, userID, "bob")
	if err != nil {
		t.Fatalf("GetOrCreate() ошибка: %v", err)
	}
	if ou.HasBeenSynced {
		t.Error("Новая связка не должна быть помечена синхронизированной")
	}
	if ou.Platform != model.PlatformOpenEdx {
		t.Errorf("Platform = %q, хотели %q", ou.Platform, model.PlatformOpenEdx)
	}

	// GetOrCreate — повторный вызов возвращает ту же запись
	ou2, err := repo.GetOrCreate(ctx, userID, "bob-other")
	if err != nil {
		t.Fatalf("Повторный GetOrCreate() ошибка: %v", err)
	}
	if ou2.ID != ou.ID {
		t.Errorf("Повторный GetOrCreate() вернул другую запись: %q != %q", ou2.ID, ou.ID)
	}
	if ou2.DesiredUsername != "bob" {
		t.Errorf("DesiredUsername = %q, хотели исходное %q", ou2.DesiredUsername, "bob")
	}

	// SetSyncError
	if err := repo.SetSyncError(ctx, ou.ID, `{"status":500}`); err != nil {
		t.Fatalf("SetSyncError() ошибка: %v", err)
	}
	got, _ := repo.GetByUser(ctx, userID)
	if !got.HasSyncError || got.SyncErrorData == nil {
		t.Error("После SetSyncError флаг или контекст ошибки не установлены")
	}

	// MarkSynced — сбрасывает ошибку, устанавливает фактическое имя
	if err := repo.MarkSynced(ctx, ou.ID, "bob1"); err != nil {
		t.Fatalf("MarkSynced() ошибка: %v", err)
	}
	got2, _ := repo.GetByUser(ctx, userID)
	if !got2.HasBeenSynced {
		t.Error("После MarkSynced аккаунт не помечен синхронизированным")
	}
	if got2.HasSyncError || got2.SyncErrorData != nil {
		t.Error("После MarkSynced флаг ошибки не сброшен")
	}
	if got2.EdxUsername == nil || *got2.EdxUsername != "bob1" {
		t.Errorf("EdxUsername = %v, хотели bob1", got2.EdxUsername)
	}
}

// --- Тесты OpenEdxAuthRepository ---

func TestOpenEdxAuthRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewOpenEdxAuthRepository(pool)

	userID := createTestUser(t, pool, "carol")

	// Create
	auth := &model.OpenEdxApiAuth{
		ID:           uuid.NewString(),
		UserID:       userID,
		RefreshToken: "rt-1",
	}
	if err := repo.Create(ctx, auth); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// Повторный Create — конфликт (одна запись на пользователя)
	dup := &model.OpenEdxApiAuth{
		ID: uuid.NewString(), UserID: userID, RefreshToken: "rt-dup",
	}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Повторный Create(): ожидали ErrConflict, получили %v", err)
	}

	// GetByUser — access token ещё не получен
	got, err := repo.GetByUser(ctx, userID)
	if err != nil {
		t.Fatalf("GetByUser() ошибка: %v", err)
	}
	if got.AccessToken != nil || got.AccessTokenExpiresOn != nil {
		t.Error("Новая запись не должна содержать access token")
	}
	if got.HasValidToken(time.Now(), 10*time.Second) {
		t.Error("HasValidToken() для записи без access token должен вернуть false")
	}

	// UpdateTokens — ротация refresh token и запись access token
	expiresOn := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	if err := repo.UpdateTokens(ctx, auth.ID, "rt-2", "at-1", expiresOn); err != nil {
		t.Fatalf("UpdateTokens() ошибка: %v", err)
	}
	got2, _ := repo.GetByUser(ctx, userID)
	if got2.RefreshToken != "rt-2" {
		t.Errorf("RefreshToken = %q, хотели rt-2", got2.RefreshToken)
	}
	if got2.AccessToken == nil || *got2.AccessToken != "at-1" {
		t.Errorf("AccessToken = %v, хотели at-1", got2.AccessToken)
	}
	if !got2.HasValidToken(time.Now(), 10*time.Second) {
		t.Error("HasValidToken() после UpdateTokens должен вернуть true")
	}

	// Delete — отсутствие записи не ошибка
	if err := repo.Delete(ctx, userID); err != nil {
		t.Fatalf("Delete() ошибка: %v", err)
	}
	if _, err := repo.GetByUser(ctx, userID); !errors.Is(err, ErrNotFound) {
		t.Errorf("После Delete ожидали ErrNotFound, получили %v", err)
	}
	if err := repo.Delete(ctx, userID); err != nil {
		t.Errorf("Повторный Delete() вернул ошибку: %v", err)
	}
}

func TestOpenEdxAuthRepository_ForUpdateInTx(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	userID := createTestUser(t, pool, "dave")
	authRepo := NewOpenEdxAuthRepository(pool)
	if err := authRepo.Create(ctx, &model.OpenEdxApiAuth{
		ID: uuid.NewString(), UserID: userID, RefreshToken: "rt-tx",
	}); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// Чтение под блокировкой и обновление внутри транзакции
	runner := NewTxRunner(pool)
	expiresOn := time.Now().Add(time.Hour).UTC()
	err := runner.RunInTx(ctx, func(tx pgx.Tx) error {
		txRepo := NewOpenEdxAuthRepository(tx)
		locked, err := txRepo.GetByUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		return txRepo.UpdateTokens(ctx, locked.ID, "rt-tx-2", "at-tx", expiresOn)
	})
	if err != nil {
		t.Fatalf("RunInTx() ошибка: %v", err)
	}

	got, _ := authRepo.GetByUser(ctx, userID)
	if got.RefreshToken != "rt-tx-2" {
		t.Errorf("RefreshToken = %q, хотели rt-tx-2", got.RefreshToken)
	}
}

// --- Тесты CourseRunRepository ---

func TestCourseRunRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewCourseRunRepository(pool)

	run := &model.CourseRun{
		ID:           uuid.NewString(),
		CourseID:     uuid.NewString(),
		CoursewareID: "course-v1:OL+CS101+2026",
		Title:        "Введение в информатику",
	}
	if err := repo.Create(ctx, run); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	got, err := repo.GetByCoursewareID(ctx, "course-v1:OL+CS101+2026")
	if err != nil {
		t.Fatalf("GetByCoursewareID() ошибка: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("ID = %q, хотели %q", got.ID, run.ID)
	}

	_, err = repo.GetByCoursewareID(ctx, "course-v1:OL+None+2026")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Несуществующий запуск: ожидали ErrNotFound, получили %v", err)
	}
}

// --- Тесты EnrollmentRepository ---

func TestEnrollmentRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	runRepo := NewCourseRunRepository(pool)
	repo := NewEnrollmentRepository(pool)

	userID := createTestUser(t, pool, "erin")
	run := &model.CourseRun{
		ID:           uuid.NewString(),
		CourseID:     uuid.NewString(),
		CoursewareID: "course-v1:OL+ENR+2026",
		Title:        "Тестовый курс",
	}
	if err := runRepo.Create(ctx, run); err != nil {
		t.Fatalf("Создание запуска: %v", err)
	}

	e := &model.CourseRunEnrollment{
		ID:                    uuid.NewString(),
		UserID:                userID,
		RunID:                 run.ID,
		CoursewareID:          run.CoursewareID,
		Active:                true,
		EnrollmentMode:        model.ModeAudit,
		EdxEmailsSubscription: true,
	}
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// Дубликат (user, run) — конфликт
	dup := &model.CourseRunEnrollment{
		ID: uuid.NewString(), UserID: userID, RunID: run.ID,
		CoursewareID: run.CoursewareID, Active: true, EnrollmentMode: model.ModeAudit,
	}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Дубликат записи: ожидали ErrConflict, получили %v", err)
	}

	// GetByUserAndRun
	got, err := repo.GetByUserAndRun(ctx, userID, run.ID)
	if err != nil {
		t.Fatalf("GetByUserAndRun() ошибка: %v", err)
	}
	if !got.Active || got.EdxEnrolled {
		t.Errorf("Новая запись: Active=%v, EdxEnrolled=%v; хотели true, false", got.Active, got.EdxEnrolled)
	}

	// Update — подтверждение LMS, затем деактивация
	got.EdxEnrolled = true
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update() ошибка: %v", err)
	}

	status := model.ChangeStatusUnenrolled
	got.Active = false
	got.ChangeStatus = &status
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update() деактивация ошибка: %v", err)
	}

	// ListByUser — включает неактивные
	list, err := repo.ListByUser(ctx, userID)
	if err != nil {
		t.Fatalf("ListByUser() ошибка: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListByUser() вернул %d записей, хотели 1", len(list))
	}
	if list[0].Active {
		t.Error("ListByUser() должен вернуть неактивную запись")
	}
	if list[0].ChangeStatus == nil || *list[0].ChangeStatus != model.ChangeStatusUnenrolled {
		t.Errorf("ChangeStatus = %v, хотели unenrolled", list[0].ChangeStatus)
	}
}

func TestEnrollmentRepository_ListPending(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	runRepo := NewCourseRunRepository(pool)
	repo := NewEnrollmentRepository(pool)

	userID := createTestUser(t, pool, "frank")
	run := &model.CourseRun{
		ID: uuid.NewString(), CourseID: uuid.NewString(),
		CoursewareID: "course-v1:OL+PEND+2026",
	}
	if err := runRepo.Create(ctx, run); err != nil {
		t.Fatalf("Создание запуска: %v", err)
	}

	pending := &model.CourseRunEnrollment{
		ID: uuid.NewString(), UserID: userID, RunID: run.ID,
		CoursewareID: run.CoursewareID, Active: true, EnrollmentMode: model.ModeAudit,
	}
	if err := repo.Create(ctx, pending); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// Cutoff в будущем — запись видна
	list, err := repo.ListPending(ctx, time.Now().Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("ListPending() ошибка: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListPending() вернул %d записей, хотели 1", len(list))
	}

	// Cutoff в прошлом — grace period скрывает запись
	list2, err := repo.ListPending(ctx, time.Now().Add(-time.Hour), 100)
	if err != nil {
		t.Fatalf("ListPending() ошибка: %v", err)
	}
	if len(list2) != 0 {
		t.Errorf("ListPending() с прошлым cutoff вернул %d записей, хотели 0", len(list2))
	}

	// После подтверждения LMS запись пропадает из выборки
	pending.EdxEnrolled = true
	if err := repo.Update(ctx, pending); err != nil {
		t.Fatalf("Update() ошибка: %v", err)
	}
	list3, _ := repo.ListPending(ctx, time.Now().Add(time.Hour), 100)
	if len(list3) != 0 {
		t.Errorf("ListPending() после подтверждения вернул %d записей, хотели 0", len(list3))
	}
}

// --- Тесты BlockedEmailRepository ---

func TestBlockedEmailRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewBlockedEmailRepository(pool)

	blocked, err := repo.IsBlocked(ctx, "spam@example.org")
	if err != nil {
		t.Fatalf("IsBlocked() ошибка: %v", err)
	}
	if blocked {
		t.Error("Адрес заблокирован до добавления в блок-список")
	}

	if err := repo.Add(ctx, "Spam@Example.org"); err != nil {
		t.Fatalf("Add() ошибка: %v", err)
	}

	// Проверка нечувствительна к регистру
	blocked2, err := repo.IsBlocked(ctx, "SPAM@EXAMPLE.ORG")
	if err != nil {
		t.Fatalf("IsBlocked() ошибка: %v", err)
	}
	if !blocked2 {
		t.Error("Адрес не найден в блок-списке после добавления")
	}

	// Повторное добавление — не ошибка
	if err := repo.Add(ctx, "spam@example.org"); err != nil {
		t.Errorf("Повторный Add() вернул ошибку: %v", err)
	}
}
