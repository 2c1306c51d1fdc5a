package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openlearn/lms-module/internal/domain/model"
	"github.com/openlearn/lms-module/internal/session"
)

// maxRedirectHops ограничивает длину цепочки редиректов рукопожатия.
const maxRedirectHops = 10

// AcquireInitialTokens выполняет полное OAuth-рукопожатие (authorization
// code flow) от имени пользователя без его участия и сохраняет
// полученные токены. Если токены уже есть, они возвращаются как есть —
// операция идемпотентна; второе значение сообщает, выполнялось ли
// рукопожатие фактически.
//
// Платформа сама является IdP для LMS, поэтому живой браузер не нужен:
// менеджер выпускает локальную web-сессию пользователя, кладёт её cookie
// в jar и проходит SSO-вход LMS как браузер — LMS гонит запрос через
// точку входа social-login обратно на платформу, где его аутентифицирует
// сессионный cookie. Дальше обычная цепочка /oauth2/authorize до
// redirect_uri с кодом и обмен кода на токены.
func (m *Manager) AcquireInitialTokens(ctx context.Context, user *model.User) (*model.OpenEdxApiAuth, bool, error) {
	auth, err := m.store.GetByUser(ctx, user.ID)
	if err == nil {
		return auth, false, nil
	}
	if !isNotFound(err) {
		return nil, false, err
	}

	client, err := m.newHandshakeClient(user.ID)
	if err != nil {
		return nil, false, err
	}

	if err := m.ssoLogin(ctx, client); err != nil {
		return nil, false, err
	}

	code, err := m.walkAuthorize(ctx, client)
	if err != nil {
		return nil, false, err
	}

	auth, err = m.completeExchange(ctx, user.ID, code)
	if err != nil {
		return nil, false, err
	}

	m.logger.Info("Токены пользователя получены через OAuth-рукопожатие",
		slog.String("user_id", user.ID))
	return auth, true, nil
}

// newHandshakeClient собирает HTTP-клиент рукопожатия: cookie jar со
// свежевыпущенной локальной сессией пользователя на домене платформы.
func (m *Manager) newHandshakeClient(userID string) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("создание cookie jar рукопожатия: %w", err)
	}

	cookie, err := m.sessions.Cookie(session.NewData(userID))
	if err != nil {
		return nil, fmt.Errorf("выпуск сессии рукопожатия: %w", err)
	}
	platform, err := url.Parse(m.platformURL)
	if err != nil {
		return nil, fmt.Errorf("разбор базового URL платформы: %w", err)
	}
	jar.SetCookies(platform, []*http.Cookie{cookie})

	return &http.Client{
		Jar:     jar,
		Timeout: m.httpClient.Timeout,
	}, nil
}

// ssoLogin проходит точку входа social-login LMS. LMS делегирует
// аутентификацию платформе через редиректы; сессионный cookie в jar
// отвечает на них, и в jar оседает сессия LMS.
func (m *Manager) ssoLogin(ctx context.Context, client *http.Client) error {
	entry := m.baseURL + "/auth/login/" + url.PathEscape(m.provider) + "/?auth_entry=login"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry, nil)
	if err != nil {
		return &HandshakeError{Step: "sso", Detail: err.Error()}
	}

	resp, err := client.Do(req)
	if err != nil {
		return &HandshakeError{Step: "sso", Detail: err.Error()}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HandshakeError{Step: "sso", StatusCode: resp.StatusCode,
			Detail: "SSO-вход в LMS не установил сессию"}
	}
	return nil
}

// AuthorizeURL возвращает URL начала авторизации в LMS. Браузерный
// вариант рукопожатия отправляет пользователя по этому адресу, LMS
// после логина возвращает его на redirect_uri с кодом авторизации.
func (m *Manager) AuthorizeURL() string {
	return m.baseURL + "/oauth2/authorize?" + m.authorizeQuery().Encode()
}

// authorizeQuery — параметры GET /oauth2/authorize.
func (m *Manager) authorizeQuery() url.Values {
	return url.Values{
		"response_type": {"code"},
		"client_id":     {m.clientID},
		"scope":         {m.scopes},
		"redirect_uri":  {m.redirectURI},
	}
}

// CompleteHandshake обменивает код авторизации браузерного рукопожатия
// на пару токенов и сохраняет её, заменяя существующую запись.
func (m *Manager) CompleteHandshake(ctx context.Context, userID, code string) (*model.OpenEdxApiAuth, error) {
	auth, err := m.completeExchange(ctx, userID, code)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Токены пользователя получены через браузерное рукопожатие",
		slog.String("user_id", userID))
	return auth, nil
}

// completeExchange обменивает код на пару токенов и сохраняет её,
// заменяя существующую запись пользователя.
func (m *Manager) completeExchange(ctx context.Context, userID, code string) (*model.OpenEdxApiAuth, error) {
	tok, err := m.exchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		return nil, &HandshakeError{Step: "exchange", StatusCode: http.StatusOK,
			Detail: "token endpoint не вернул refresh token"}
	}

	expiresOn := time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - TokenSafetyMargin)
	auth := &model.OpenEdxApiAuth{
		ID:                   uuid.NewString(),
		UserID:               userID,
		RefreshToken:         tok.RefreshToken,
		AccessToken:          &tok.AccessToken,
		AccessTokenExpiresOn: &expiresOn,
	}

	if err := m.store.Replace(ctx, auth); err != nil {
		return nil, fmt.Errorf("сохранение токенов после рукопожатия: %w", err)
	}
	return auth, nil
}

// walkAuthorize обходит цепочку редиректов /oauth2/authorize до возврата
// на redirect_uri и извлекает код авторизации.
func (m *Manager) walkAuthorize(ctx context.Context, sessionClient *http.Client) (string, error) {
	// Редиректы обходим сами: клиент не должен следовать им автоматически
	client := &http.Client{
		Transport: sessionClient.Transport,
		Jar:       sessionClient.Jar,
		Timeout:   sessionClient.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	current := m.baseURL + "/oauth2/authorize?" + m.authorizeQuery().Encode()

	for hop := 0; hop < maxRedirectHops; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return "", &HandshakeError{Step: "authorize", Detail: err.Error()}
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", &HandshakeError{Step: "authorize", Detail: err.Error()}
		}
		resp.Body.Close()

		if resp.StatusCode < 300 || resp.StatusCode > 399 {
			return "", &HandshakeError{Step: "authorize", StatusCode: resp.StatusCode,
				Detail: "LMS не вернула редирект — нет активной сессии или согласия"}
		}

		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", &HandshakeError{Step: "authorize", StatusCode: resp.StatusCode,
				Detail: "редирект без заголовка Location"}
		}

		next, err := req.URL.Parse(loc)
		if err != nil {
			return "", &HandshakeError{Step: "authorize", StatusCode: resp.StatusCode,
				Detail: fmt.Sprintf("некорректный Location %q", loc)}
		}

		// Цепочка завершена: LMS вернула нас на redirect_uri с кодом
		if strings.HasPrefix(next.String(), m.redirectURI) {
			code := next.Query().Get("code")
			if code == "" {
				return "", &HandshakeError{Step: "authorize", StatusCode: resp.StatusCode,
					Detail: fmt.Sprintf("redirect_uri без кода авторизации: %s", next.Query().Get("error"))}
			}
			return code, nil
		}

		current = next.String()
	}

	return "", &HandshakeError{Step: "authorize",
		Detail: fmt.Sprintf("цепочка редиректов длиннее %d переходов", maxRedirectHops)}
}

// exchangeCode обменивает код авторизации на пару токенов.
func (m *Manager) exchangeCode(ctx context.Context, code string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {m.redirectURI},
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
	}

	tok, err := m.postTokenEndpoint(ctx, form)
	if err != nil {
		var refreshErr *TokenRefreshError
		if errors.As(err, &refreshErr) {
			return nil, &HandshakeError{Step: "exchange",
				StatusCode: refreshErr.StatusCode, Detail: refreshErr.Body}
		}
		return nil, err
	}
	return tok, nil
}
