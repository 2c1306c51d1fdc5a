package oauth

import (
	"errors"
	"fmt"
)

// ErrMissingAuth — у пользователя нет сохранённых токенов LMS.
// Запись восстанавливается только полным OAuth-рукопожатием.
var ErrMissingAuth = errors.New("у пользователя нет сохранённых токенов LMS")

// TokenRefreshError — LMS отклонила обмен refresh token.
type TokenRefreshError struct {
	// StatusCode — HTTP-статус ответа token endpoint
	StatusCode int
	// OAuthError — поле error из тела ответа (invalid_grant и т.п.)
	OAuthError string
	// Body — тело ответа (усечённое)
	Body string
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("LMS отклонила обновление токена: статус %d, error=%q", e.StatusCode, e.OAuthError)
}

// IsInvalidGrant сообщает, что refresh token отозван или истёк —
// токены пользователя подлежат полному перевыпуску.
func (e *TokenRefreshError) IsInvalidGrant() bool {
	return e.OAuthError == "invalid_grant"
}

// HandshakeError — OAuth-рукопожатие (authorization code flow) не дошло
// до получения кода авторизации.
type HandshakeError struct {
	// Step — шаг, на котором рукопожатие оборвалось (authorize, exchange)
	Step string
	// StatusCode — HTTP-статус последнего ответа (0, если запрос не состоялся)
	StatusCode int
	// Detail — описание причины
	Detail string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("OAuth-рукопожатие оборвалось на шаге %q: статус %d, %s",
		e.Step, e.StatusCode, e.Detail)
}
