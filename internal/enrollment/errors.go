package enrollment

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/openlearn/lms-module/internal/oauth"
)

// EnrollApiError — LMS ответила ошибочным статусом на операцию с записью.
type EnrollApiError struct {
	// UserID — UUID пользователя
	UserID string
	// CoursewareID — идентификатор запуска в LMS
	CoursewareID string
	// Err — исходная ошибка (StatusError)
	Err error
}

func (e *EnrollApiError) Error() string {
	return fmt.Sprintf("LMS отклонила операцию с записью пользователя %s на %s: %v",
		e.UserID, e.CoursewareID, e.Err)
}

func (e *EnrollApiError) Unwrap() error { return e.Err }

// EnrollUnknownError — операция с записью оборвалась не на уровне HTTP.
type EnrollUnknownError struct {
	UserID       string
	CoursewareID string
	Err          error
}

func (e *EnrollUnknownError) Error() string {
	return fmt.Sprintf("ошибка операции с записью пользователя %s на %s: %v",
		e.UserID, e.CoursewareID, e.Err)
}

func (e *EnrollUnknownError) Unwrap() error { return e.Err }

// EmailSettingsError — LMS ответила ошибочным статусом на изменение
// подписки на письма курса.
type EmailSettingsError struct {
	UserID       string
	CoursewareID string
	Err          error
}

func (e *EmailSettingsError) Error() string {
	return fmt.Sprintf("LMS отклонила изменение подписки пользователя %s на %s: %v",
		e.UserID, e.CoursewareID, e.Err)
}

func (e *EmailSettingsError) Unwrap() error { return e.Err }

// EmailSettingsUnknownError — изменение подписки оборвалось не на уровне HTTP.
type EmailSettingsUnknownError struct {
	UserID       string
	CoursewareID string
	Err          error
}

func (e *EmailSettingsUnknownError) Error() string {
	return fmt.Sprintf("ошибка изменения подписки пользователя %s на %s: %v",
		e.UserID, e.CoursewareID, e.Err)
}

func (e *EmailSettingsUnknownError) Unwrap() error { return e.Err }

// NameUpdateError — не удалось обновить отображаемое имя в LMS.
type NameUpdateError struct {
	UserID string
	Err    error
}

func (e *NameUpdateError) Error() string {
	return fmt.Sprintf("ошибка обновления имени пользователя %s в LMS: %v", e.UserID, e.Err)
}

func (e *NameUpdateError) Unwrap() error { return e.Err }

// isTokenError сообщает, что ошибка вызвана состоянием токенов
// пользователя, а не самой операцией: токенов нет, refresh token
// отозван или token endpoint ответил 400.
func isTokenError(err error) bool {
	if errors.Is(err, oauth.ErrMissingAuth) {
		return true
	}
	var refreshErr *oauth.TokenRefreshError
	if errors.As(err, &refreshErr) {
		return refreshErr.IsInvalidGrant() || refreshErr.StatusCode == http.StatusBadRequest
	}
	return false
}
