// admin.go — административные триггеры восстановления и сверки.
// Защищены статическим bearer-токеном (LM_API_TOKEN).
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/openlearn/lms-module/internal/api/errors"
	"github.com/openlearn/lms-module/internal/domain/model"
	"github.com/openlearn/lms-module/internal/provisioning"
	"github.com/openlearn/lms-module/internal/repository"
)

// repairRunResponse — итог прохода восстановления.
type repairRunResponse struct {
	Examined         int    `json:"examined"`
	RepairedAccounts int    `json:"repaired_accounts"`
	RepairedAuths    int    `json:"repaired_auths"`
	Reconciled       int    `json:"reconciled"`
	Failed           int    `json:"failed"`
	CompletedAt      string `json:"completed_at"`
}

// provisionResponse — итог создания аккаунта одного пользователя.
type provisionResponse struct {
	UserID         string `json:"user_id"`
	CreatedAccount bool   `json:"created_account"`
	CreatedAuth    bool   `json:"created_auth"`
	RepairedAt     string `json:"repaired_at"`
}

// enrollmentRow — запись на запуск курса в ответе сверки.
type enrollmentRow struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	CoursewareID string `json:"courseware_id"`
	Mode         string `json:"mode"`
	Active       bool   `json:"active"`
}

// syncResponse — итог сверки записей пользователя с LMS.
type syncResponse struct {
	UserID      string          `json:"user_id"`
	Created     []enrollmentRow `json:"created"`
	Reactivated []enrollmentRow `json:"reactivated"`
	Deactivated []enrollmentRow `json:"deactivated"`
}

// TriggerRepair — POST /api/v1/repair: внеплановый проход восстановления.
func (h *APIHandler) TriggerRepair(w http.ResponseWriter, r *http.Request) {
	result, err := h.repairer.RepairAll(r.Context())
	if err != nil {
		h.logger.Error("Ошибка прохода восстановления по запросу API",
			slog.String("error", err.Error()))
		apierrors.InternalError(w, "Проход восстановления не удался")
		return
	}

	writeJSON(w, http.StatusOK, repairRunResponse{
		Examined:         result.Examined,
		RepairedAccounts: result.RepairedAccounts,
		RepairedAuths:    result.RepairedAuths,
		Reconciled:       result.Reconciled,
		Failed:           result.Failed,
		CompletedAt:      result.CompletedAt.UTC().Format(time.RFC3339),
	})
}

// ProvisionUser — POST /api/v1/users/{id}/provision: создание аккаунта
// LMS и получение токенов для одного пользователя.
func (h *APIHandler) ProvisionUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(userID); err != nil {
		apierrors.ValidationError(w, "Идентификатор пользователя не является UUID")
		return
	}

	outcome, err := h.provisioner.Provision(r.Context(), userID)
	if err != nil {
		h.writeProvisionError(w, userID, err)
		return
	}

	writeJSON(w, http.StatusOK, provisionResponse{
		UserID:         outcome.UserID,
		CreatedAccount: outcome.CreatedAccount,
		CreatedAuth:    outcome.CreatedAuth,
		RepairedAt:     outcome.RepairedAt.UTC().Format(time.RFC3339),
	})
}

// writeProvisionError переводит ошибку движка создания аккаунтов в HTTP-ответ.
func (h *APIHandler) writeProvisionError(w http.ResponseWriter, userID string, err error) {
	var createErr *provisioning.UserCreateError

	switch {
	case errors.Is(err, repository.ErrNotFound):
		apierrors.NotFound(w, "Пользователь не найден")

	case errors.Is(err, provisioning.ErrUserInactive):
		apierrors.Forbidden(w, "Пользователь деактивирован")

	case errors.Is(err, provisioning.ErrEmailBlocked):
		apierrors.Forbidden(w, "Email пользователя в чёрном списке")

	case errors.As(err, &createErr) && createErr.IsConflict():
		apierrors.Conflict(w, "Аккаунт LMS с такими данными уже существует")

	default:
		h.logger.Error("Ошибка создания аккаунта по запросу API",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		apierrors.LMSUnavailable(w, "Создание аккаунта LMS не удалось")
	}
}

// SyncEnrollments — POST /api/v1/users/{id}/enrollments/sync: сверка
// записей пользователя с LMS.
func (h *APIHandler) SyncEnrollments(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(userID); err != nil {
		apierrors.ValidationError(w, "Идентификатор пользователя не является UUID")
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Пользователь не найден")
			return
		}
		h.logger.Error("Ошибка поиска пользователя для сверки",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка поиска пользователя")
		return
	}

	result, err := h.syncer.Sync(r.Context(), user)
	if err != nil {
		h.logger.Error("Ошибка сверки записей по запросу API",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		apierrors.LMSUnavailable(w, "Сверка записей с LMS не удалась")
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{
		UserID:      user.ID,
		Created:     toEnrollmentRows(result.Created),
		Reactivated: toEnrollmentRows(result.Reactivated),
		Deactivated: toEnrollmentRows(result.Deactivated),
	})
}

// toEnrollmentRows переводит записи в строки ответа API.
func toEnrollmentRows(rows []*model.CourseRunEnrollment) []enrollmentRow {
	out := make([]enrollmentRow, 0, len(rows))
	for _, e := range rows {
		out = append(out, enrollmentRow{
			ID:           e.ID,
			RunID:        e.RunID,
			CoursewareID: e.CoursewareID,
			Mode:         e.EnrollmentMode,
			Active:       e.Active,
		})
	}
	return out
}
