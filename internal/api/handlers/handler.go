// handler.go — основной обработчик HTTP API LMS Module.
// Объединяет health endpoints, браузерное OAuth-рукопожатие и
// административные триггеры восстановления и сверки.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/openlearn/lms-module/internal/domain/model"
	"github.com/openlearn/lms-module/internal/oauth"
	"github.com/openlearn/lms-module/internal/session"
)

// UserSource — источник пользователей платформы.
// Реализуется repository.UserRepository.
type UserSource interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// Provisioner — движок создания аккаунтов LMS.
// Реализуется provisioning.Engine.
type Provisioner interface {
	Provision(ctx context.Context, userID string) (*model.RepairOutcome, error)
}

// Repairer — полный проход восстановления неисправных пользователей.
// Реализуется repair.RepairService.
type Repairer interface {
	RepairAll(ctx context.Context) (*model.RepairRunResult, error)
}

// EnrollmentSyncer — сверка записей пользователя с LMS.
// Реализуется enrollment.Coordinator.
type EnrollmentSyncer interface {
	Sync(ctx context.Context, user *model.User) (*model.EnrollmentSyncResult, error)
}

// APIHandler — основной обработчик HTTP API.
type APIHandler struct {
	health      *HealthHandler
	sessions    *session.Manager
	tokens      *oauth.Manager
	users       UserSource
	provisioner Provisioner
	repairer    Repairer
	syncer      EnrollmentSyncer
	logger      *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	sessions *session.Manager,
	tokens *oauth.Manager,
	users UserSource,
	provisioner Provisioner,
	repairer Repairer,
	syncer EnrollmentSyncer,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:      health,
		sessions:    sessions,
		tokens:      tokens,
		users:       users,
		provisioner: provisioner,
		repairer:    repairer,
		syncer:      syncer,
		logger:      logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
