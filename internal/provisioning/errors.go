package provisioning

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrEmailBlocked — адрес пользователя в блок-списке, аккаунт в LMS
// не создаётся.
var ErrEmailBlocked = errors.New("адрес пользователя в блок-списке")

// ErrUserInactive — пользователь деактивирован, аккаунт не создаётся.
var ErrUserInactive = errors.New("пользователь деактивирован")

// UserCreateError — регистрационный endpoint LMS отклонил создание аккаунта.
type UserCreateError struct {
	// StatusCode — HTTP-статус ответа
	StatusCode int
	// Body — тело ответа (усечённое)
	Body string
}

func (e *UserCreateError) Error() string {
	return fmt.Sprintf("LMS отклонила создание аккаунта: статус %d: %s", e.StatusCode, e.Body)
}

// IsConflict сообщает, что аккаунт с таким именем или email уже существует
// в LMS — состояние подлежит сверке, а не повтору.
func (e *UserCreateError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// UsernameValidationError — имя пользователя не прошло валидацию.
type UsernameValidationError struct {
	// Username — проверявшееся имя
	Username string
	// Message — причина отказа
	Message string
}

func (e *UsernameValidationError) Error() string {
	return fmt.Sprintf("имя пользователя %q не прошло валидацию: %s", e.Username, e.Message)
}
