// Пакет oauth — управление OAuth2-токенами пользователей LMS.
// Каждый пользователь авторизуется в API LMS собственной парой
// access/refresh token; менеджер отдаёт действительный access token,
// при необходимости обновляя его под блокировкой записи пользователя.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openlearn/lms-module/internal/config"
	"github.com/openlearn/lms-module/internal/domain/model"
	"github.com/openlearn/lms-module/internal/session"
)

// TokenSafetyMargin — запас при сохранении expires_on: токен с меньшим
// остатком считается истёкшим, чтобы не истечь в полёте.
const TokenSafetyMargin = 10 * time.Second

// MaxTokenTTL — верхняя граница запрашиваемого остатка срока жизни.
// LMS выдаёт access token примерно на час, поэтому требовать больший
// остаток бессмысленно — обновление его не даст.
const MaxTokenTTL = time.Hour

// DefaultMinTTL — остаток срока жизни токена, которого хватает на
// обычный вызов API LMS.
const DefaultMinTTL = time.Minute

// maxRefreshBody ограничивает размер тела ответа token endpoint в ошибке.
const maxRefreshBody = 4096

// Manager — менеджер токенов LMS.
type Manager struct {
	store        AuthStore
	sessions     *session.Manager
	httpClient   *http.Client
	baseURL      string
	platformURL  string
	clientID     string
	clientSecret string
	provider     string
	scopes       string
	redirectURI  string
	tokenExpires time.Duration
	logger       *slog.Logger
}

// NewManager создаёт менеджер токенов. sessions выпускает локальные
// web-сессии для серверной эмуляции OAuth-рукопожатия.
func NewManager(cfg *config.Config, store AuthStore, sessions *session.Manager, httpClient *http.Client, logger *slog.Logger) *Manager {
	return &Manager{
		store:        store,
		sessions:     sessions,
		httpClient:   httpClient,
		baseURL:      cfg.LMSBaseURL,
		platformURL:  cfg.BaseURL,
		clientID:     cfg.LMSOAuthClientID,
		clientSecret: cfg.LMSOAuthClientSecret,
		provider:     cfg.LMSOAuthProvider,
		scopes:       cfg.LMSOAuthScopes,
		redirectURI:  cfg.OAuthRedirectURI(),
		tokenExpires: time.Duration(cfg.LMSTokenExpiresHours) * time.Hour,
		logger:       logger.With(slog.String("component", "oauth_manager")),
	}
}

// tokenResponse — ответ token endpoint LMS.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// GetValidToken возвращает access token пользователя с остатком срока
// жизни не меньше minTTL, при необходимости обновляя его.
func (m *Manager) GetValidToken(ctx context.Context, userID string, minTTL time.Duration) (string, error) {
	auth, err := m.GetValidAuth(ctx, userID, minTTL)
	if err != nil {
		return "", err
	}
	return *auth.AccessToken, nil
}

// GetValidAuth возвращает запись токенов, чей access token действителен
// ещё минимум minTTL. minTTL обязан быть меньше MaxTokenTTL — свежий
// токен живёт около часа, больший остаток недостижим.
//
// Быстрый путь — чтение без блокировки: если остаток достаточен, запись
// возвращается сразу. Иначе она перечитывается под блокировкой FOR UPDATE
// и проверяется повторно: параллельный процесс мог уже обновить токены,
// пока мы ждали блокировку. Только если остатка всё ещё не хватает —
// выполняется обмен refresh token.
func (m *Manager) GetValidAuth(ctx context.Context, userID string, minTTL time.Duration) (*model.OpenEdxApiAuth, error) {
	if minTTL >= MaxTokenTTL {
		return nil, fmt.Errorf("запрошенный остаток срока жизни токена %s не меньше предела %s",
			minTTL, MaxTokenTTL)
	}
	if minTTL < TokenSafetyMargin {
		minTTL = TokenSafetyMargin
	}

	auth, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: пользователь %s", ErrMissingAuth, userID)
		}
		return nil, err
	}

	if auth.HasValidToken(time.Now(), minTTL) {
		return auth, nil
	}

	var result *model.OpenEdxApiAuth
	err = m.store.WithUserLock(ctx, userID, func(cur *model.OpenEdxApiAuth, save SaveFunc) error {
		// Повторная проверка под блокировкой
		if cur.HasValidToken(time.Now(), minTTL) {
			result = cur
			return nil
		}

		tok, err := m.exchangeRefreshToken(ctx, cur.RefreshToken)
		if err != nil {
			return err
		}

		// LMS ротирует refresh token при каждом обмене
		newRefresh := tok.RefreshToken
		if newRefresh == "" {
			newRefresh = cur.RefreshToken
		}
		expiresOn := time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - TokenSafetyMargin)

		if err := save(newRefresh, tok.AccessToken, expiresOn); err != nil {
			return err
		}

		m.logger.Debug("Access token пользователя обновлён",
			slog.String("user_id", userID),
			slog.Time("expires_on", expiresOn),
		)

		cur.RefreshToken = newRefresh
		cur.AccessToken = &tok.AccessToken
		cur.AccessTokenExpiresOn = &expiresOn
		result = cur
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: пользователь %s", ErrMissingAuth, userID)
		}
		return nil, err
	}
	return result, nil
}

// exchangeRefreshToken обменивает refresh token на новую пару токенов.
func (m *Manager) exchangeRefreshToken(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
	}
	return m.postTokenEndpoint(ctx, form)
}

// postTokenEndpoint выполняет POST /oauth2/access_token и разбирает ответ.
func (m *Manager) postTokenEndpoint(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.baseURL+"/oauth2/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("создание запроса к token endpoint: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос к token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxRefreshBody))
		var oauthErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &oauthErr)
		return nil, &TokenRefreshError{
			StatusCode: resp.StatusCode,
			OAuthError: oauthErr.Error,
			Body:       string(raw),
		}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("декодирование ответа token endpoint: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint вернул пустой access token")
	}
	return &tok, nil
}

// NewRegistrationToken выдаёт краткоживущий подписанный токен,
// уходящий полем access_token в теле регистрации. Токен связывает
// создаваемый аккаунт с локальным пользователем без отдельной таблицы
// выделенных токенов.
func (m *Manager) NewRegistrationToken(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    m.clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenExpires)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.clientSecret))
	if err != nil {
		return "", fmt.Errorf("подпись регистрационного токена: %w", err)
	}
	return signed, nil
}
