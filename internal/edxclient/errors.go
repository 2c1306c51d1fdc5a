package edxclient

import (
	"errors"
	"fmt"
)

// ErrNoServiceToken — сервисный клиент запрошен, но токен сервисного
// воркера не сконфигурирован (LMS_SERVICE_WORKER_API_TOKEN).
var ErrNoServiceToken = errors.New("токен сервисного воркера LMS не сконфигурирован")

// StatusError — LMS вернула неуспешный HTTP-статус.
// Тело ответа сохраняется для диагностики и разбора кода ошибки.
type StatusError struct {
	// StatusCode — HTTP-статус ответа
	StatusCode int
	// Body — тело ответа (усечённое)
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("LMS вернула статус %d: %s", e.StatusCode, e.Body)
}

// IsStatus сообщает, является ли err ответом LMS с указанным статусом.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// maxErrorBody ограничивает размер тела ответа, сохраняемого в ошибке.
const maxErrorBody = 4096
