package edxclient

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/openlearn/lms-module/internal/config"
	"github.com/openlearn/lms-module/internal/oauth"
)

// Factory — фабрика клиентов LMS. Разделяет два режима авторизации:
// пользовательский (токены из менеджера, от имени пользователя) и
// сервисный (статический токен воркера, от имени платформы).
type Factory struct {
	cfg        *config.Config
	httpClient *http.Client
	tokens     *oauth.Manager
	logger     *slog.Logger
}

// NewFactory создаёт фабрику клиентов LMS.
func NewFactory(cfg *config.Config, tokens *oauth.Manager, logger *slog.Logger) *Factory {
	return &Factory{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPClientTimeout},
		tokens:     tokens,
		logger:     logger,
	}
}

// ForUser возвращает клиент, действующий от имени пользователя.
// minTTL — требуемый остаток срока жизни access token на момент вызова.
// Токен запрашивается у менеджера лениво, при каждом обращении к LMS —
// клиент можно держать долго, истечение токена его не ломает.
func (f *Factory) ForUser(userID string, minTTL time.Duration) *Client {
	provider := func(ctx context.Context) (string, error) {
		return f.tokens.GetValidToken(ctx, userID, minTTL)
	}
	return New(f.cfg.LMSBaseURL, f.httpClient, provider, f.cfg.LMSAPIKey,
		f.cfg.LMSRegistrationAccessToken, f.logger)
}

// ForService возвращает клиент с токеном сервисного воркера.
// Если токен не сконфигурирован — ErrNoServiceToken сразу, а не при
// первом запросе.
func (f *Factory) ForService() (*Client, error) {
	token := f.cfg.LMSServiceWorkerAPIToken
	if token == "" {
		return nil, ErrNoServiceToken
	}
	provider := func(ctx context.Context) (string, error) {
		return token, nil
	}
	return New(f.cfg.LMSBaseURL, f.httpClient, provider, f.cfg.LMSAPIKey,
		f.cfg.LMSRegistrationAccessToken, f.logger), nil
}

// Anonymous возвращает клиент без bearer-авторизации — для регистрации
// и валидации имени пользователя.
func (f *Factory) Anonymous() *Client {
	return New(f.cfg.LMSBaseURL, f.httpClient, nil, f.cfg.LMSAPIKey,
		f.cfg.LMSRegistrationAccessToken, f.logger)
}
