// oauth.go — браузерный вариант OAuth-рукопожатия.
// Используется, когда серверное рукопожатие невозможно: аккаунт LMS
// существует, но токенов нет, и сессию может создать только сам
// пользователь, войдя в LMS через браузер.
//
// GET /oauth2/login?user_id=…  — привязывает браузер к локальному
// пользователю (зашифрованный cookie) и отправляет его на авторизацию в LMS.
// GET /oauth2/complete?code=… — принимает возврат из LMS, обменивает код
// на пару токенов и сохраняет её.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	apierrors "github.com/openlearn/lms-module/internal/api/errors"
	"github.com/openlearn/lms-module/internal/oauth"
	"github.com/openlearn/lms-module/internal/repository"
	"github.com/openlearn/lms-module/internal/session"
)

// OAuthLogin — начало браузерного рукопожатия.
func (h *APIHandler) OAuthLogin(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		apierrors.ValidationError(w, "Отсутствует обязательный параметр user_id")
		return
	}
	if _, err := uuid.Parse(userID); err != nil {
		apierrors.ValidationError(w, "Параметр user_id не является UUID")
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Пользователь не найден")
			return
		}
		h.logger.Error("Ошибка поиска пользователя для рукопожатия",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка поиска пользователя")
		return
	}
	if !user.IsActive {
		apierrors.Forbidden(w, "Пользователь деактивирован")
		return
	}

	if err := h.sessions.SetCookie(w, session.NewData(user.ID)); err != nil {
		h.logger.Error("Ошибка установки cookie рукопожатия",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка создания сессии рукопожатия")
		return
	}

	h.logger.Info("Браузерное рукопожатие начато",
		slog.String("user_id", user.ID))
	http.Redirect(w, r, h.tokens.AuthorizeURL(), http.StatusFound)
}

// OAuthComplete — завершение браузерного рукопожатия.
func (h *APIHandler) OAuthComplete(w http.ResponseWriter, r *http.Request) {
	data, err := h.sessions.FromRequest(r)
	if err != nil {
		h.sessions.ClearCookie(w)
		apierrors.ValidationError(w, "Нечитаемая сессия рукопожатия — начните заново через /oauth2/login")
		return
	}
	if data == nil {
		apierrors.ValidationError(w, "Отсутствует сессия рукопожатия — начните через /oauth2/login")
		return
	}
	if data.IsStale() {
		h.sessions.ClearCookie(w)
		apierrors.ValidationError(w, "Сессия рукопожатия устарела — начните заново через /oauth2/login")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		h.sessions.ClearCookie(w)
		if oauthErr := r.URL.Query().Get("error"); oauthErr != "" {
			apierrors.ValidationError(w, "LMS отклонила авторизацию: "+oauthErr)
			return
		}
		apierrors.ValidationError(w, "Отсутствует код авторизации")
		return
	}

	if _, err := h.tokens.CompleteHandshake(r.Context(), data.UserID, code); err != nil {
		h.logger.Error("Ошибка завершения браузерного рукопожатия",
			slog.String("user_id", data.UserID),
			slog.String("error", err.Error()))

		var handshakeErr *oauth.HandshakeError
		if errors.As(err, &handshakeErr) {
			apierrors.LMSUnavailable(w, "Обмен кода авторизации не удался")
			return
		}
		apierrors.InternalError(w, "Ошибка сохранения токенов")
		return
	}

	h.sessions.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"user_id": data.UserID,
	})
}
