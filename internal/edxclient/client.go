// Пакет edxclient — HTTP-клиент REST API Open edX.
// Авторизация — bearer-токен через TokenProvider, плюс общий ключ
// X-EdX-Api-Key (LMS_API_KEY), если он сконфигурирован.
package edxclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// TokenProvider — функция, возвращающая access token для запросов к LMS.
// Для пользовательских клиентов обращается к менеджеру токенов,
// для сервисного — возвращает статический токен воркера.
type TokenProvider func(ctx context.Context) (string, error)

// Client — клиент REST API Open edX, привязанный к одному источнику токенов.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	tokenProvider TokenProvider
	apiKey        string
	regToken      string
	logger        *slog.Logger
}

// New создаёт клиент LMS.
// tokenProvider может быть nil для endpoint'ов без авторизации.
// regToken — статический сервисный токен регистрационных endpoint'ов
// (LMS_REGISTRATION_ACCESS_TOKEN), заголовок X-Access-Token; пустой —
// заголовок не отправляется.
func New(baseURL string, httpClient *http.Client, tokenProvider TokenProvider, apiKey, regToken string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    httpClient,
		tokenProvider: tokenProvider,
		apiKey:        apiKey,
		regToken:      regToken,
		logger:        logger.With(slog.String("component", "edx_client")),
	}
}

// do выполняет запрос к LMS и декодирует JSON-ответ в out (если out != nil).
// Неуспешный статус превращается в *StatusError с усечённым телом ответа.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("создание запроса %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("X-EdX-Api-Key", c.apiKey)
	}
	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return fmt.Errorf("получение токена для LMS: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("запрос %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("декодирование ответа %s %s: %w", method, path, err)
	}
	return nil
}

// --- User API ---

// GetCurrentUser возвращает аккаунт пользователя, которому принадлежит токен.
func (c *Client) GetCurrentUser(ctx context.Context) (*UserInfo, error) {
	var me struct {
		Username string `json:"username"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/user/v1/me", nil, "", nil, &me); err != nil {
		return nil, err
	}
	return c.GetUserByUsername(ctx, me.Username)
}

// GetUserByUsername возвращает аккаунт по имени пользователя в LMS.
func (c *Client) GetUserByUsername(ctx context.Context, username string) (*UserInfo, error) {
	var info UserInfo
	path := "/api/user/v1/accounts/" + url.PathEscape(username)
	if err := c.do(ctx, http.MethodGet, path, nil, "", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetUserByEmail ищет аккаунт по email. Требует сервисного клиента.
func (c *Client) GetUserByEmail(ctx context.Context, email string) (*UserInfo, error) {
	query := url.Values{"email": {email}}
	var accounts []UserInfo
	if err := c.do(ctx, http.MethodGet, "/api/user/v1/accounts", query, "", nil, &accounts); err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, &StatusError{StatusCode: http.StatusNotFound, Body: "аккаунт с таким email не найден"}
	}
	return &accounts[0], nil
}

// UpdateUserAccount обновляет атрибуты аккаунта (merge-patch).
func (c *Client) UpdateUserAccount(ctx context.Context, username string, fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("сериализация patch-запроса: %w", err)
	}
	path := "/api/user/v1/accounts/" + url.PathEscape(username)
	return c.do(ctx, http.MethodPatch, path, nil, "application/merge-patch+json",
		bytes.NewReader(payload), nil)
}

// UpdateUserName обновляет отображаемое имя аккаунта.
func (c *Client) UpdateUserName(ctx context.Context, username, name string) error {
	return c.UpdateUserAccount(ctx, username, map[string]any{"name": name})
}

// --- Enrollment API ---

// GetEnrollment возвращает запись пользователя на курс.
// LMS отвечает 200 с пустым телом, если записи нет — тогда возвращается nil.
func (c *Client) GetEnrollment(ctx context.Context, username, courseID string) (*Enrollment, error) {
	path := fmt.Sprintf("/api/enrollment/v1/enrollment/%s,%s",
		url.PathEscape(username), url.PathEscape(courseID))

	var enr *Enrollment
	if err := c.do(ctx, http.MethodGet, path, nil, "", nil, &enr); err != nil {
		return nil, err
	}
	return enr, nil
}

// ListEnrollments возвращает все записи пользователя на курсы.
func (c *Client) ListEnrollments(ctx context.Context, username string) ([]Enrollment, error) {
	query := url.Values{"user": {username}}
	var list []Enrollment
	if err := c.do(ctx, http.MethodGet, "/api/enrollment/v1/enrollment", query, "", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// CreateEnrollment создаёт активную запись на курс.
// username передаётся только сервисным клиентом (запись от имени пользователя);
// пользовательский клиент оставляет его пустым.
func (c *Client) CreateEnrollment(ctx context.Context, username, courseID, mode string, emailOptIn *bool) (*Enrollment, error) {
	reqBody := enrollmentRequest{
		User:          username,
		Mode:          mode,
		IsActive:      true,
		CourseDetails: CourseDetails{CourseID: courseID},
		EmailOptIn:    emailOptIn,
	}
	return c.postEnrollment(ctx, reqBody)
}

// DeactivateEnrollment переводит запись на курс в неактивное состояние.
func (c *Client) DeactivateEnrollment(ctx context.Context, username, courseID, mode string) (*Enrollment, error) {
	reqBody := enrollmentRequest{
		User:          username,
		Mode:          mode,
		IsActive:      false,
		CourseDetails: CourseDetails{CourseID: courseID},
	}
	return c.postEnrollment(ctx, reqBody)
}

func (c *Client) postEnrollment(ctx context.Context, reqBody enrollmentRequest) (*Enrollment, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса записи: %w", err)
	}

	var enr Enrollment
	if err := c.do(ctx, http.MethodPost, "/api/enrollment/v1/enrollment", nil,
		"application/json", bytes.NewReader(payload), &enr); err != nil {
		return nil, err
	}
	return &enr, nil
}

// --- Email Settings API ---

// UpdateEmailSettings включает или выключает письма курса.
// Работает только от имени пользователя (пользовательский токен).
func (c *Client) UpdateEmailSettings(ctx context.Context, courseID string, receive bool) error {
	form := url.Values{"course_id": {courseID}}
	if receive {
		form.Set("receive_emails", "on")
	}
	return c.do(ctx, http.MethodPost, "/change_email_settings", nil,
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()), nil)
}

// --- Courses API ---

// GetCourseDetail возвращает данные запуска курса.
func (c *Client) GetCourseDetail(ctx context.Context, courseKey string) (*CourseDetail, error) {
	path := "/api/courses/v1/courses/" + url.PathEscape(courseKey)
	var detail CourseDetail
	if err := c.do(ctx, http.MethodGet, path, nil, "", nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// GetCourseModes возвращает доступные режимы записи на курс.
func (c *Client) GetCourseModes(ctx context.Context, courseKey string) ([]CourseMode, error) {
	path := "/api/course_modes/v1/courses/" + url.PathEscape(courseKey)
	var modes []CourseMode
	if err := c.do(ctx, http.MethodGet, path, nil, "", nil, &modes); err != nil {
		return nil, err
	}
	return modes, nil
}

// --- Grades API ---

// GetCurrentGrades возвращает текущие оценки пользователя по курсу,
// собирая все страницы ответа.
func (c *Client) GetCurrentGrades(ctx context.Context, username, courseKey string) ([]CurrentGrade, error) {
	path := fmt.Sprintf("/api/grades/v1/courses/%s/", url.PathEscape(courseKey))
	query := url.Values{"username": {username}}

	var result []CurrentGrade
	for {
		var page gradesPage
		if err := c.do(ctx, http.MethodGet, path, query, "", nil, &page); err != nil {
			return nil, err
		}
		result = append(result, page.Results...)
		if page.Next == nil || *page.Next == "" {
			return result, nil
		}
		next, err := url.Parse(*page.Next)
		if err != nil {
			return nil, fmt.Errorf("разбор ссылки на следующую страницу оценок: %w", err)
		}
		path = next.Path
		query = next.Query()
	}
}

// --- Registration ---

// RegisterUser создаёт аккаунт в LMS через регистрационный endpoint.
// Bearer-авторизация не используется: выделенный токен пользователя
// уходит полем access_token, статический сервисный токен — заголовком
// X-Access-Token. Страна фиксирована: LMS требует её при регистрации,
// а платформа адрес пользователя не хранит.
func (c *Client) RegisterUser(ctx context.Context, reg RegistrationRequest) error {
	form := url.Values{
		"username":         {reg.Username},
		"email":            {reg.Email},
		"name":             {reg.Name},
		"password":         {reg.Password},
		"provider":         {reg.Provider},
		"access_token":     {reg.AccessToken},
		"country":          {"US"},
		"honor_code":       {"true"},
		"terms_of_service": {"true"},
	}

	reqURL := c.baseURL + "/user_api/v1/account/registration/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("создание запроса регистрации: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.apiKey != "" {
		req.Header.Set("X-EdX-Api-Key", c.apiKey)
	}
	if c.regToken != "" {
		req.Header.Set("X-Access-Token", c.regToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("запрос регистрации: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return nil
}

// ValidateUsername проверяет имя пользователя регистрационным валидатором LMS.
// Возвращает текст замечания; пустая строка — имя свободно и допустимо.
func (c *Client) ValidateUsername(ctx context.Context, username string) (string, error) {
	form := url.Values{"username": {username}}

	reqURL := c.baseURL + "/api/user/v1/validation/registration"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("создание запроса валидации имени: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.apiKey != "" {
		req.Header.Set("X-EdX-Api-Key", c.apiKey)
	}
	if c.regToken != "" {
		req.Header.Set("X-Access-Token", c.regToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("запрос валидации имени: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var vr validationResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return "", fmt.Errorf("декодирование ответа валидации: %w", err)
	}
	return vr.ValidationDecisions.Username, nil
}
