// auth.go — аутентификация внутренних endpoint'ов по статическому
// bearer-токену (LM_API_TOKEN). Публичные пути (health, metrics,
// браузерное OAuth-рукопожатие) проходят без токена.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	apierrors "github.com/openlearn/lms-module/internal/api/errors"
)

// BearerAuth — middleware статической bearer-аутентификации.
type BearerAuth struct {
	token           string
	excludePrefixes []string
	logger          *slog.Logger
}

// NewBearerAuth создаёт middleware bearer-аутентификации.
// token — ожидаемый токен; пустой токен отключает проверку полностью.
// excludePrefixes — префиксы путей, проходящих без аутентификации.
func NewBearerAuth(token string, logger *slog.Logger, excludePrefixes ...string) *BearerAuth {
	return &BearerAuth{
		token:           token,
		excludePrefixes: excludePrefixes,
		logger:          logger.With(slog.String("component", "bearer_auth")),
	}
}

// Middleware возвращает HTTP middleware проверки bearer-токена.
func (a *BearerAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Аутентификация отключена конфигурацией
			if a.token == "" {
				next.ServeHTTP(w, r)
				return
			}

			for _, prefix := range a.excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(a.token)) != 1 {
				a.logger.Warn("Запрос с неверным API-токеном",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Неверный API-токен")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
