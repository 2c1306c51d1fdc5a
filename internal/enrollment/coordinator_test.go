package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openlearn/lms-module/internal/config"
	"github.com/openlearn/lms-module/internal/domain/model"
	"github.com/openlearn/lms-module/internal/edxclient"
	"github.com/openlearn/lms-module/internal/oauth"
	"github.com/openlearn/lms-module/internal/repository"
	"github.com/openlearn/lms-module/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- фейки хранилищ ---

// fakeEnrollmentRepo — репозиторий записей в памяти.
type fakeEnrollmentRepo struct {
	mu   sync.Mutex
	rows map[string]*model.CourseRunEnrollment // по id
}

func newFakeEnrollmentRepo() *fakeEnrollmentRepo {
	return &fakeEnrollmentRepo{rows: make(map[string]*model.CourseRunEnrollment)}
}

func (f *fakeEnrollmentRepo) Create(ctx context.Context, e *model.CourseRunEnrollment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cur := range f.rows {
		if cur.UserID == e.UserID && cur.RunID == e.RunID {
			return repository.ErrConflict
		}
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	f.rows[e.ID] = &cp
	return nil
}

func (f *fakeEnrollmentRepo) GetByID(ctx context.Context, id string) (*model.CourseRunEnrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.rows[id]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeEnrollmentRepo) GetByUserAndRun(ctx context.Context, userID, runID string) (*model.CourseRunEnrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.rows {
		if e.UserID == userID && e.RunID == runID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeEnrollmentRepo) ListByUser(ctx context.Context, userID string) ([]*model.CourseRunEnrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.CourseRunEnrollment
	for _, e := range f.rows {
		if e.UserID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	// упорядочиваем по courseware_id, как репозиторий
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].CoursewareID < result[i].CoursewareID {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	return result, nil
}

func (f *fakeEnrollmentRepo) Update(ctx context.Context, e *model.CourseRunEnrollment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[e.ID]; !ok {
		return repository.ErrNotFound
	}
	e.UpdatedAt = time.Now()
	cp := *e
	f.rows[e.ID] = &cp
	return nil
}

func (f *fakeEnrollmentRepo) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.CourseRunEnrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.CourseRunEnrollment
	for _, e := range f.rows {
		if e.Active && !e.EdxEnrolled && e.CreatedAt.Before(cutoff) {
			cp := *e
			result = append(result, &cp)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

// fakeRunRepo — каталог запусков в памяти.
type fakeRunRepo struct {
	mu   sync.Mutex
	runs map[string]*model.CourseRun // по id
}

func newFakeRunRepo(runs ...*model.CourseRun) *fakeRunRepo {
	f := &fakeRunRepo{runs: make(map[string]*model.CourseRun)}
	for _, r := range runs {
		f.runs[r.ID] = r
	}
	return f
}

func (f *fakeRunRepo) Create(ctx context.Context, run *model.CourseRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunRepo) GetByID(ctx context.Context, id string) (*model.CourseRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		return r, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRunRepo) GetByCoursewareID(ctx context.Context, coursewareID string) (*model.CourseRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.CoursewareID == coursewareID {
			return r, nil
		}
	}
	return nil, repository.ErrNotFound
}

// fakeAccounts — источник связок с LMS.
type fakeAccounts struct {
	accounts map[string]*model.OpenEdxUser
}

func (f *fakeAccounts) GetByUser(ctx context.Context, userID string) (*model.OpenEdxUser, error) {
	if ou, ok := f.accounts[userID]; ok {
		return ou, nil
	}
	return nil, repository.ErrNotFound
}

// fakeAuthDeleter считает удаления токенов.
type fakeAuthDeleter struct {
	calls atomic.Int64
}

func (f *fakeAuthDeleter) Delete(ctx context.Context, userID string) error {
	f.calls.Add(1)
	return nil
}

// fakeQueue считает поставленные задачи перевыпуска.
type fakeQueue struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeQueue) EnqueueRegenerateTokens(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

// fakeAuthStore — хранилище токенов в памяти для менеджера.
type fakeAuthStore struct {
	mu    sync.Mutex
	auths map[string]*model.OpenEdxApiAuth
}

func newFakeAuthStore() *fakeAuthStore {
	return &fakeAuthStore{auths: make(map[string]*model.OpenEdxApiAuth)}
}

func (f *fakeAuthStore) withValidToken(userID string) *fakeAuthStore {
	at := "user-token"
	exp := time.Now().Add(time.Hour)
	f.auths[userID] = &model.OpenEdxApiAuth{
		ID: uuid.NewString(), UserID: userID, RefreshToken: "rt",
		AccessToken: &at, AccessTokenExpiresOn: &exp,
	}
	return f
}

func (f *fakeAuthStore) GetByUser(ctx context.Context, userID string) (*model.OpenEdxApiAuth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	auth, ok := f.auths[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *auth
	return &cp, nil
}

func (f *fakeAuthStore) WithUserLock(ctx context.Context, userID string, fn func(cur *model.OpenEdxApiAuth, save oauth.SaveFunc) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	auth, ok := f.auths[userID]
	if !ok {
		return repository.ErrNotFound
	}
	cp := *auth
	save := func(refreshToken, accessToken string, expiresOn time.Time) error {
		auth.RefreshToken = refreshToken
		auth.AccessToken = &accessToken
		auth.AccessTokenExpiresOn = &expiresOn
		return nil
	}
	return fn(&cp, save)
}

func (f *fakeAuthStore) Replace(ctx context.Context, auth *model.OpenEdxApiAuth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *auth
	f.auths[auth.UserID] = &cp
	return nil
}

// --- тестовая LMS ---

// lmsState — состояние тестовой LMS (один пользователь на тест).
type lmsState struct {
	*httptest.Server
	mu          sync.Mutex
	enrollments map[string]edxclient.Enrollment // по courseware_id
	postStatus  int
	posts       atomic.Int64
	lastPost    map[string]any
	emailCalls  atomic.Int64
	patchStatus int
	patches     atomic.Int64
}

func newLMS(t *testing.T) *lmsState {
	t.Helper()
	s := &lmsState{enrollments: make(map[string]edxclient.Enrollment)}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/enrollment/v1/enrollment", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.posts.Add(1)
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			s.mu.Lock()
			s.lastPost = req
			s.mu.Unlock()
			if s.postStatus != 0 {
				w.WriteHeader(s.postStatus)
				fmt.Fprint(w, `{"message":"enrollment rejected"}`)
				return
			}
			courseID, _ := req["course_details"].(map[string]any)["course_id"].(string)
			mode, _ := req["mode"].(string)
			user, _ := req["user"].(string)
			isActive, _ := req["is_active"].(bool)
			enr := edxclient.Enrollment{
				User: user, Mode: mode, IsActive: isActive,
				CourseDetails: edxclient.CourseDetails{CourseID: courseID},
			}
			s.mu.Lock()
			s.enrollments[courseID] = enr
			s.mu.Unlock()
			_ = json.NewEncoder(w).Encode(enr)
			return
		}

		// GET ?user= — список записей пользователя
		s.mu.Lock()
		list := make([]edxclient.Enrollment, 0, len(s.enrollments))
		for _, enr := range s.enrollments {
			list = append(list, enr)
		}
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(list)
	})
	mux.HandleFunc("/api/enrollment/v1/enrollment/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/enrollment/v1/enrollment/")
		parts := strings.SplitN(rest, ",", 2)
		if len(parts) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		enr, ok := s.enrollments[parts[1]]
		s.mu.Unlock()
		if !ok {
			fmt.Fprint(w, "null")
			return
		}
		_ = json.NewEncoder(w).Encode(enr)
	})
	mux.HandleFunc("/change_email_settings", func(w http.ResponseWriter, r *http.Request) {
		s.emailCalls.Add(1)
		fmt.Fprint(w, `{"success": true}`)
	})
	// Endpoints серверного OAuth-рукопожатия: вход SSO по сессии
	// платформы, authorize по сессии LMS, обмен кода на токены
	mux.HandleFunc("/auth/login/ol-oauth2/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie(session.CookieName); err != nil {
			http.Error(w, "нет сессии платформы", http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "sess-1", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/oauth2/authorize", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("sessionid"); err != nil {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "login required")
			return
		}
		http.Redirect(w, r, s.URL+"/oauth2/complete?code=test-code", http.StatusFound)
	})
	mux.HandleFunc("/oauth2/access_token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("code") != "test-code" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"at-fresh","refresh_token":"rt-fresh","expires_in":3600,"token_type":"Bearer"}`)
	})
	mux.HandleFunc("/api/user/v1/accounts/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.patches.Add(1)
		if s.patchStatus != 0 {
			w.WriteHeader(s.patchStatus)
			return
		}
		fmt.Fprint(w, `{}`)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// --- сборка координатора ---

type harness struct {
	lms         *lmsState
	enrollments *fakeEnrollmentRepo
	runs        *fakeRunRepo
	auths       *fakeAuthStore
	authDel     *fakeAuthDeleter
	queue       *fakeQueue
	tokens      *oauth.Manager
	factory     *edxclient.Factory
	coord       *Coordinator
	user        *model.User
	run         *model.CourseRun
}

func newHarness(t *testing.T, withUserTokens bool, serviceToken string) *harness {
	t.Helper()

	user := &model.User{
		ID: uuid.NewString(), Username: "alice",
		Email: "alice@example.org", Name: "Alice", IsActive: true,
	}
	run := &model.CourseRun{
		ID: uuid.NewString(), CourseID: uuid.NewString(),
		CoursewareID: "course-v1:OL+CS101+2026", Title: "CS101",
	}

	lms := newLMS(t)
	// BaseURL платформы указывает на тестовый сервер: серверная эмуляция
	// входа несёт сессионный cookie на хост платформы
	cfg := &config.Config{
		BaseURL:                  lms.URL,
		LMSBaseURL:               lms.URL,
		LMSOAuthClientID:         "client-id",
		LMSOAuthClientSecret:     "client-secret",
		LMSOAuthProvider:         "ol-oauth2",
		LMSOAuthScopes:           "read write",
		LMSServiceWorkerAPIToken: serviceToken,
		LMSTokenExpiresHours:     1,
		HTTPClientTimeout:        5 * time.Second,
	}

	auths := newFakeAuthStore()
	if withUserTokens {
		auths.withValidToken(user.ID)
	}

	sessions, err := session.NewManager("test-session-secret", false)
	if err != nil {
		t.Fatalf("session.NewManager() ошибка: %v", err)
	}
	tokens := oauth.NewManager(cfg, auths, sessions, &http.Client{Timeout: 5 * time.Second}, testLogger())
	factory := edxclient.NewFactory(cfg, tokens, testLogger())

	h := &harness{
		lms:         lms,
		enrollments: newFakeEnrollmentRepo(),
		runs:        newFakeRunRepo(run),
		auths:       auths,
		authDel:     &fakeAuthDeleter{},
		queue:       &fakeQueue{},
		tokens:      tokens,
		factory:     factory,
		user:        user,
		run:         run,
	}
	h.coord = NewCoordinator(h.enrollments, h.runs,
		&fakeAccounts{accounts: map[string]*model.OpenEdxUser{}},
		h.authDel, tokens, h.queue, factory, testLogger())
	return h
}

// --- тесты ---

func TestEnroll_CreatesEnrollment(t *testing.T) {
	h := newHarness(t, true, "")

	result, err := h.coord.Enroll(context.Background(), h.user,
		[]*model.CourseRun{h.run}, EnrollOptions{})
	if err != nil {
		t.Fatalf("Enroll() ошибка: %v", err)
	}
	if len(result) != 1 || !result[0].IsActive || result[0].Mode != model.ModeAudit {
		t.Errorf("Результат: %+v", result)
	}
	if got := h.lms.posts.Load(); got != 1 {
		t.Errorf("POST записей %d, хотели 1", got)
	}

	// Пользовательский клиент не передаёт поле user
	h.lms.mu.Lock()
	if _, ok := h.lms.lastPost["user"]; ok {
		t.Error("Поле user не должно передаваться пользовательским клиентом")
	}
	h.lms.mu.Unlock()

	row, err := h.enrollments.GetByUserAndRun(context.Background(), h.user.ID, h.run.ID)
	if err != nil {
		t.Fatalf("Локальная запись не создана: %v", err)
	}
	if !row.Active || !row.EdxEnrolled || !row.EdxEmailsSubscription {
		t.Errorf("Локальная запись: %+v", row)
	}
}

func TestEnroll_Idempotent(t *testing.T) {
	h := newHarness(t, true, "")
	// LMS уже числит активную запись с нужным режимом
	h.lms.enrollments[h.run.CoursewareID] = edxclient.Enrollment{
		User: "alice", Mode: model.ModeAudit, IsActive: true,
		CourseDetails: edxclient.CourseDetails{CourseID: h.run.CoursewareID},
	}

	result, err := h.coord.Enroll(context.Background(), h.user,
		[]*model.CourseRun{h.run}, EnrollOptions{Mode: model.ModeAudit})
	if err != nil {
		t.Fatalf("Enroll() ошибка: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("Результат: %+v", result)
	}
	if got := h.lms.posts.Load(); got != 0 {
		t.Errorf("POST записей %d, хотели 0 — запись уже существует", got)
	}

	row, err := h.enrollments.GetByUserAndRun(context.Background(), h.user.ID, h.run.ID)
	if err != nil {
		t.Fatalf("Локальная запись не создана: %v", err)
	}
	if !row.EdxEnrolled {
		t.Error("Локальная запись должна быть подтверждённой")
	}
}

func TestEnroll_KeepFailed(t *testing.T) {
	h := newHarness(t, true, "")
	h.lms.postStatus = http.StatusInternalServerError

	result, err := h.coord.Enroll(context.Background(), h.user,
		[]*model.CourseRun{h.run}, EnrollOptions{KeepFailed: true})
	if err != nil {
		t.Fatalf("При KeepFailed ошибка не должна отдаваться: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("Результат должен быть пустым: %+v", result)
	}

	// Строка сохранена без подтверждения — её подхватит повтор
	row, err := h.enrollments.GetByUserAndRun(context.Background(), h.user.ID, h.run.ID)
	if err != nil {
		t.Fatalf("Локальная запись не создана: %v", err)
	}
	if row.EdxEnrolled {
		t.Error("Запись не должна быть подтверждённой")
	}
	if !row.Active {
		t.Error("Запись должна быть активной")
	}
}

func TestEnroll_FailWithoutTolerance(t *testing.T) {
	h := newHarness(t, true, "")
	h.lms.postStatus = http.StatusInternalServerError

	_, err := h.coord.Enroll(context.Background(), h.user,
		[]*model.CourseRun{h.run}, EnrollOptions{})
	var apiErr *EnrollApiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Ожидали EnrollApiError, получили %v", err)
	}
	if apiErr.CoursewareID != h.run.CoursewareID {
		t.Errorf("CoursewareID = %q", apiErr.CoursewareID)
	}

	if _, err := h.enrollments.GetByUserAndRun(context.Background(), h.user.ID, h.run.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Error("Локальная запись не должна сохраняться без KeepFailed")
	}
}

func TestEnroll_TokenRegenDisabled(t *testing.T) {
	// Токенов нет, перевыпуск запрещён: задача ставится ровно один раз,
	// существующие токены не трогаются, ошибка отдаётся наверх
	h := newHarness(t, false, "")

	_, err := h.coord.Enroll(context.Background(), h.user,
		[]*model.CourseRun{h.run}, EnrollOptions{AllowTokenRegen: false})
	if !errors.Is(err, oauth.ErrMissingAuth) {
		t.Fatalf("Ожидали ErrMissingAuth, получили %v", err)
	}
	if h.queue.count() != 1 {
		t.Errorf("Задач перевыпуска %d, хотели ровно 1", h.queue.count())
	}
	if h.authDel.calls.Load() != 0 {
		t.Errorf("Удалений токенов %d, хотели 0", h.authDel.calls.Load())
	}
	if got := h.lms.posts.Load(); got != 0 {
		t.Errorf("POST записей %d, хотели 0", got)
	}
}

func TestEnroll_TokenRegenReacquires(t *testing.T) {
	// Токенов нет, перевыпуск разрешён: токены перевыпускаются на месте
	// серверным рукопожатием, запись продолжается пользовательским
	// клиентом — без поля user и без фоновой задачи
	h := newHarness(t, false, "")

	result, err := h.coord.Enroll(context.Background(), h.user,
		[]*model.CourseRun{h.run}, EnrollOptions{AllowTokenRegen: true})
	if err != nil {
		t.Fatalf("Enroll() ошибка: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("Результат: %+v", result)
	}

	h.lms.mu.Lock()
	if _, ok := h.lms.lastPost["user"]; ok {
		t.Error("Поле user не должно передаваться пользовательским клиентом")
	}
	h.lms.mu.Unlock()

	if h.authDel.calls.Load() != 1 {
		t.Errorf("Удалений токенов %d, хотели 1", h.authDel.calls.Load())
	}
	if h.queue.count() != 0 {
		t.Errorf("Задач перевыпуска %d, хотели 0 — токены получены на месте", h.queue.count())
	}

	auth, err := h.auths.GetByUser(context.Background(), h.user.ID)
	if err != nil {
		t.Fatalf("Токены не сохранены: %v", err)
	}
	if auth.RefreshToken != "rt-fresh" {
		t.Errorf("RefreshToken = %q, хотели rt-fresh", auth.RefreshToken)
	}
}

func TestEnroll_Force(t *testing.T) {
	h := newHarness(t, false, "worker-token")

	result, err := h.coord.Enroll(context.Background(), h.user,
		[]*model.CourseRun{h.run}, EnrollOptions{Force: true, Mode: model.ModeVerified})
	if err != nil {
		t.Fatalf("Enroll() ошибка: %v", err)
	}
	if len(result) != 1 || result[0].Mode != model.ModeVerified {
		t.Errorf("Результат: %+v", result)
	}

	h.lms.mu.Lock()
	if h.lms.lastPost["user"] != "alice" {
		t.Errorf("user = %v, хотели alice", h.lms.lastPost["user"])
	}
	h.lms.mu.Unlock()

	// Принудительная запись не трогает токены пользователя
	if h.queue.count() != 0 || h.authDel.calls.Load() != 0 {
		t.Error("Принудительная запись не должна трогать токены")
	}
}

func TestUnenroll(t *testing.T) {
	h := newHarness(t, true, "")

	// Сначала записываем
	if _, err := h.coord.Enroll(context.Background(), h.user,
		[]*model.CourseRun{h.run}, EnrollOptions{}); err != nil {
		t.Fatalf("Enroll() ошибка: %v", err)
	}

	enr, err := h.coord.Unenroll(context.Background(), h.user, h.run)
	if err != nil {
		t.Fatalf("Unenroll() ошибка: %v", err)
	}
	if enr.IsActive {
		t.Error("Ответ LMS должен быть неактивной записью")
	}

	row, err := h.enrollments.GetByUserAndRun(context.Background(), h.user.ID, h.run.ID)
	if err != nil {
		t.Fatalf("Локальная запись: %v", err)
	}
	if row.Active {
		t.Error("Запись должна быть деактивирована")
	}
	if row.ChangeStatus == nil || *row.ChangeStatus != model.ChangeStatusUnenrolled {
		t.Errorf("ChangeStatus = %v, хотели unenrolled", row.ChangeStatus)
	}
	if row.EdxEmailsSubscription {
		t.Error("Подписка на письма должна быть снята")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	h := newHarness(t, true, "")

	if _, err := h.coord.Enroll(context.Background(), h.user,
		[]*model.CourseRun{h.run}, EnrollOptions{}); err != nil {
		t.Fatalf("Enroll() ошибка: %v", err)
	}

	if err := h.coord.Unsubscribe(context.Background(), h.user, h.run); err != nil {
		t.Fatalf("Unsubscribe() ошибка: %v", err)
	}
	row, _ := h.enrollments.GetByUserAndRun(context.Background(), h.user.ID, h.run.ID)
	if row.EdxEmailsSubscription {
		t.Error("Подписка должна быть снята")
	}

	if err := h.coord.Subscribe(context.Background(), h.user, h.run); err != nil {
		t.Fatalf("Subscribe() ошибка: %v", err)
	}
	row, _ = h.enrollments.GetByUserAndRun(context.Background(), h.user.ID, h.run.ID)
	if !row.EdxEmailsSubscription {
		t.Error("Подписка должна быть включена")
	}

	if got := h.lms.emailCalls.Load(); got != 2 {
		t.Errorf("Вызовов change_email_settings %d, хотели 2", got)
	}
}

func TestUpdateName(t *testing.T) {
	h := newHarness(t, true, "")

	if err := h.coord.UpdateName(context.Background(), h.user); err != nil {
		t.Fatalf("UpdateName() ошибка: %v", err)
	}
	if got := h.lms.patches.Load(); got != 1 {
		t.Errorf("PATCH запросов %d, хотели 1", got)
	}

	h.lms.patchStatus = http.StatusInternalServerError
	err := h.coord.UpdateName(context.Background(), h.user)
	var nameErr *NameUpdateError
	if !errors.As(err, &nameErr) {
		t.Errorf("Ожидали NameUpdateError, получили %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	h := newHarness(t, true, "")

	if err := h.coord.UpdateProfile(context.Background(), h.user); err != nil {
		t.Fatalf("UpdateProfile() ошибка: %v", err)
	}
	if got := h.lms.patches.Load(); got != 1 {
		t.Errorf("PATCH запросов %d, хотели 1", got)
	}

	h.lms.patchStatus = http.StatusInternalServerError
	err := h.coord.UpdateProfile(context.Background(), h.user)
	var nameErr *NameUpdateError
	if !errors.As(err, &nameErr) {
		t.Errorf("Ожидали NameUpdateError, получили %v", err)
	}
}
