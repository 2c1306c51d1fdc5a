package enrollment

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/openlearn/lms-module/internal/domain/model"
	"github.com/openlearn/lms-module/internal/edxclient"
)

// addLocalRow создаёт локальную запись и соответствующий запуск курса.
func addLocalRow(t *testing.T, h *harness, coursewareID string, active bool) *model.CourseRunEnrollment {
	t.Helper()

	run := &model.CourseRun{
		ID: uuid.NewString(), CourseID: uuid.NewString(),
		CoursewareID: coursewareID, Title: coursewareID,
	}
	if err := h.runs.Create(context.Background(), run); err != nil {
		t.Fatalf("Создание запуска: %v", err)
	}

	e := &model.CourseRunEnrollment{
		ID: uuid.NewString(), UserID: h.user.ID, RunID: run.ID,
		CoursewareID: coursewareID, Active: active,
		EnrollmentMode: model.ModeAudit, EdxEnrolled: true,
	}
	if !active {
		status := model.ChangeStatusUnenrolled
		e.ChangeStatus = &status
	}
	if err := h.enrollments.Create(context.Background(), e); err != nil {
		t.Fatalf("Создание записи: %v", err)
	}
	return e
}

// addLMSRow добавляет запись на стороне тестовой LMS.
func addLMSRow(h *harness, coursewareID string, isActive bool) {
	h.lms.mu.Lock()
	defer h.lms.mu.Unlock()
	h.lms.enrollments[coursewareID] = edxclient.Enrollment{
		User: "alice", Mode: model.ModeAudit, IsActive: isActive,
		CourseDetails: edxclient.CourseDetails{CourseID: coursewareID},
	}
}

func TestSync_ThreeWay(t *testing.T) {
	h := newHarness(t, true, "")

	// Журнал сверки перехватываем для проверки расхождения
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelError}))
	coord := NewCoordinator(h.enrollments, h.runs,
		&fakeAccounts{accounts: map[string]*model.OpenEdxUser{}},
		h.authDel, h.tokens, h.queue, h.factory, logger)

	// Локально: abc активна, def неактивна, ghi активна
	abc := addLocalRow(t, h, "course-v1:OL+abc+2026", true)
	def := addLocalRow(t, h, "course-v1:OL+def+2026", false)
	ghi := addLocalRow(t, h, "course-v1:OL+ghi+2026", true)

	// LMS: abc неактивна, def активна, xyz активна (запуск известен каталогу)
	addLMSRow(h, "course-v1:OL+abc+2026", false)
	addLMSRow(h, "course-v1:OL+def+2026", true)
	addLMSRow(h, "course-v1:OL+xyz+2026", true)
	xyzRun := &model.CourseRun{
		ID: uuid.NewString(), CourseID: uuid.NewString(),
		CoursewareID: "course-v1:OL+xyz+2026", Title: "xyz",
	}
	if err := h.runs.Create(context.Background(), xyzRun); err != nil {
		t.Fatalf("Создание запуска xyz: %v", err)
	}

	result, err := coord.Sync(context.Background(), h.user)
	if err != nil {
		t.Fatalf("Sync() ошибка: %v", err)
	}

	if len(result.Deactivated) != 1 || result.Deactivated[0].CoursewareID != abc.CoursewareID {
		t.Errorf("Deactivated = %+v, хотели [abc]", result.Deactivated)
	}
	if len(result.Reactivated) != 1 || result.Reactivated[0].CoursewareID != def.CoursewareID {
		t.Errorf("Reactivated = %+v, хотели [def]", result.Reactivated)
	}
	if len(result.Created) != 1 || result.Created[0].CoursewareID != "course-v1:OL+xyz+2026" {
		t.Errorf("Created = %+v, хотели [xyz]", result.Created)
	}

	// abc деактивирована со статусом unenrolled
	row, _ := h.enrollments.GetByID(context.Background(), abc.ID)
	if row.Active || row.ChangeStatus == nil || *row.ChangeStatus != model.ChangeStatusUnenrolled {
		t.Errorf("abc после сверки: %+v", row)
	}

	// def реактивирована, статус снят
	row, _ = h.enrollments.GetByID(context.Background(), def.ID)
	if !row.Active || row.ChangeStatus != nil {
		t.Errorf("def после сверки: %+v", row)
	}

	// xyz создана подтверждённой и активной
	row, err = h.enrollments.GetByUserAndRun(context.Background(), h.user.ID, xyzRun.ID)
	if err != nil {
		t.Fatalf("xyz не создана: %v", err)
	}
	if !row.Active || !row.EdxEnrolled {
		t.Errorf("xyz после сверки: %+v", row)
	}

	// ghi не тронута, но расхождение попало в журнал
	row, _ = h.enrollments.GetByID(context.Background(), ghi.ID)
	if !row.Active || !row.EdxEnrolled {
		t.Errorf("ghi должна остаться без изменений: %+v", row)
	}
	if !strings.Contains(logBuf.String(), ghi.CoursewareID) {
		t.Errorf("Журнал не содержит расхождение %s: %s", ghi.CoursewareID, logBuf.String())
	}
}

// TestSync_DisjointResult проверяет, что списки результата попарно
// непересекаются.
func TestSync_DisjointResult(t *testing.T) {
	h := newHarness(t, true, "")

	addLocalRow(t, h, "course-v1:OL+one+2026", true)
	addLocalRow(t, h, "course-v1:OL+two+2026", false)
	addLMSRow(h, "course-v1:OL+one+2026", false)
	addLMSRow(h, "course-v1:OL+two+2026", true)
	addLMSRow(h, "course-v1:OL+three+2026", true)
	if err := h.runs.Create(context.Background(), &model.CourseRun{
		ID: uuid.NewString(), CourseID: uuid.NewString(),
		CoursewareID: "course-v1:OL+three+2026",
	}); err != nil {
		t.Fatalf("Создание запуска: %v", err)
	}

	result, err := h.coord.Sync(context.Background(), h.user)
	if err != nil {
		t.Fatalf("Sync() ошибка: %v", err)
	}

	seen := make(map[string]int)
	for _, e := range result.Created {
		seen[e.ID]++
	}
	for _, e := range result.Reactivated {
		seen[e.ID]++
	}
	for _, e := range result.Deactivated {
		seen[e.ID]++
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("Запись %s попала в %d списка результата", id, n)
		}
	}
	if len(seen) != 3 {
		t.Errorf("Всего записей в результате %d, хотели 3", len(seen))
	}
}

// TestSync_UnknownRunSkipped проверяет, что запись LMS на неизвестный
// каталогу запуск молча пропускается.
func TestSync_UnknownRunSkipped(t *testing.T) {
	h := newHarness(t, true, "")
	addLMSRow(h, "course-v1:OL+unknown+2026", true)

	result, err := h.coord.Sync(context.Background(), h.user)
	if err != nil {
		t.Fatalf("Sync() ошибка: %v", err)
	}
	if len(result.Created)+len(result.Reactivated)+len(result.Deactivated) != 0 {
		t.Errorf("Результат должен быть пустым: %+v", result)
	}
}
