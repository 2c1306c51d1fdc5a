// Пакет config — загрузка и валидация конфигурации LMS Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации LMS Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Собственный публичный URL (база для redirect_uri OAuth-рукопожатия)
	BaseURL string
	// Статический bearer-токен внутренних endpoint'ов (пустой — auth отключён)
	APIToken string
	// Секрет для шифрования сессионных cookie и подписи выделяемых токенов
	SessionSecret string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Redis (очередь фоновых задач) ---

	// Адрес Redis (host:port)
	RedisAddr string
	// Пароль Redis (опционально)
	RedisPassword string
	// Номер базы Redis
	RedisDB int

	// --- LMS (Open edX) ---

	// Базовый URL LMS (например, https://courses.example.org)
	LMSBaseURL string
	// Client ID OAuth2-приложения в LMS
	LMSOAuthClientID string
	// Client Secret OAuth2-приложения в LMS
	LMSOAuthClientSecret string
	// Общий API-ключ LMS, заголовок X-EdX-Api-Key (опционально)
	LMSAPIKey string
	// Долгоживущий токен сервисного воркера (пустой — сервисный клиент недоступен)
	LMSServiceWorkerAPIToken string
	// Имя провайдера social-login в LMS
	LMSOAuthProvider string
	// OAuth2 scopes, запрашиваемые при авторизации (через пробел)
	LMSOAuthScopes string
	// Статический токен регистрационного endpoint'а LMS, заголовок X-Access-Token (опционально)
	LMSRegistrationAccessToken string
	// Срок жизни выделяемого при регистрации access token, часов
	LMSTokenExpiresHours int

	// --- Фоновые задачи ---

	// Grace period: записи моложе этого возраста repair и retry не трогают, минут
	RepairGracePeriodMins int
	// Интервал фонового восстановления неисправных пользователей
	RepairInterval time.Duration
	// Размер чанка при обходе неисправных пользователей
	RepairChunkSize int
	// Интервал повторных попыток незавершённых записей на курсы
	RetryInterval time.Duration

	// --- HTTP-клиент ---

	// Таймаут HTTP-клиента LMS
	HTTPClientTimeout time.Duration

	// --- topologymetrics ---

	// Имя группы в метриках dephealth
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// LM_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("LM_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("LM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("LM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// LM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("LM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LM_LOG_LEVEL: %w", err)
	}

	// LM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("LM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// LM_BASE_URL — обязательный, на него LMS возвращает authorization code
	cfg.BaseURL, err = getEnvRequired("LM_BASE_URL")
	if err != nil {
		return nil, err
	}
	// Убираем trailing slash
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	// LM_API_TOKEN — bearer-токен внутренних endpoint'ов (опционально)
	cfg.APIToken = getEnvDefault("LM_API_TOKEN", "")

	// LM_SESSION_SECRET — секрет сессий (опционально, автогенерация при пустом)
	cfg.SessionSecret = getEnvDefault("LM_SESSION_SECRET", "")

	// --- PostgreSQL ---

	// LM_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("LM_DB_HOST")
	if err != nil {
		return nil, err
	}

	// LM_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("LM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("LM_DB_PORT: %w", err)
	}

	// LM_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("LM_DB_NAME")
	if err != nil {
		return nil, err
	}

	// LM_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("LM_DB_USER")
	if err != nil {
		return nil, err
	}

	// LM_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("LM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// LM_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("LM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("LM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Redis ---

	// LM_REDIS_ADDR — адрес Redis (по умолчанию localhost:6379)
	cfg.RedisAddr = getEnvDefault("LM_REDIS_ADDR", "localhost:6379")

	// LM_REDIS_PASSWORD — пароль Redis (опционально)
	cfg.RedisPassword = getEnvDefault("LM_REDIS_PASSWORD", "")

	// LM_REDIS_DB — номер базы Redis (по умолчанию 0)
	cfg.RedisDB, err = getEnvInt("LM_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("LM_REDIS_DB: %w", err)
	}

	// --- LMS ---

	// LMS_BASE_URL — обязательный
	cfg.LMSBaseURL, err = getEnvRequired("LMS_BASE_URL")
	if err != nil {
		return nil, err
	}
	cfg.LMSBaseURL = strings.TrimRight(cfg.LMSBaseURL, "/")

	// LMS_OAUTH_CLIENT_ID — обязательный
	cfg.LMSOAuthClientID, err = getEnvRequired("LMS_OAUTH_CLIENT_ID")
	if err != nil {
		return nil, err
	}

	// LMS_OAUTH_CLIENT_SECRET — обязательный
	cfg.LMSOAuthClientSecret, err = getEnvRequired("LMS_OAUTH_CLIENT_SECRET")
	if err != nil {
		return nil, err
	}

	// LMS_API_KEY — общий API-ключ (опционально)
	cfg.LMSAPIKey = getEnvDefault("LMS_API_KEY", "")

	// LMS_SERVICE_WORKER_API_TOKEN — токен сервисного воркера (опционально)
	cfg.LMSServiceWorkerAPIToken = getEnvDefault("LMS_SERVICE_WORKER_API_TOKEN", "")

	// LMS_OAUTH_PROVIDER — имя провайдера social-login (по умолчанию ol-oauth2)
	cfg.LMSOAuthProvider = getEnvDefault("LMS_OAUTH_PROVIDER", "ol-oauth2")

	// LMS_OAUTH_SCOPES — запрашиваемые scopes (по умолчанию read write profile email)
	cfg.LMSOAuthScopes = getEnvDefault("LMS_OAUTH_SCOPES", "read write profile email")

	// LMS_REGISTRATION_ACCESS_TOKEN — заголовок X-Access-Token (опционально)
	cfg.LMSRegistrationAccessToken = getEnvDefault("LMS_REGISTRATION_ACCESS_TOKEN", "")

	// LMS_TOKEN_EXPIRES_HOURS — срок жизни выделяемого токена (по умолчанию 1 час)
	cfg.LMSTokenExpiresHours, err = getEnvInt("LMS_TOKEN_EXPIRES_HOURS", 1)
	if err != nil {
		return nil, fmt.Errorf("LMS_TOKEN_EXPIRES_HOURS: %w", err)
	}
	if cfg.LMSTokenExpiresHours < 1 {
		return nil, fmt.Errorf("LMS_TOKEN_EXPIRES_HOURS: значение %d должно быть не меньше 1", cfg.LMSTokenExpiresHours)
	}

	// --- Фоновые задачи ---

	// OPENEDX_REPAIR_GRACE_PERIOD_MINS — grace period (по умолчанию 5 минут)
	cfg.RepairGracePeriodMins, err = getEnvInt("OPENEDX_REPAIR_GRACE_PERIOD_MINS", 5)
	if err != nil {
		return nil, fmt.Errorf("OPENEDX_REPAIR_GRACE_PERIOD_MINS: %w", err)
	}
	if cfg.RepairGracePeriodMins < 0 {
		return nil, fmt.Errorf("OPENEDX_REPAIR_GRACE_PERIOD_MINS: значение %d не может быть отрицательным", cfg.RepairGracePeriodMins)
	}

	// LM_REPAIR_INTERVAL — интервал восстановления (по умолчанию 30m)
	cfg.RepairInterval, err = getEnvDuration("LM_REPAIR_INTERVAL", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("LM_REPAIR_INTERVAL: %w", err)
	}

	// LM_REPAIR_CHUNK_SIZE — размер чанка обхода (по умолчанию 1000)
	cfg.RepairChunkSize, err = getEnvInt("LM_REPAIR_CHUNK_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("LM_REPAIR_CHUNK_SIZE: %w", err)
	}
	if cfg.RepairChunkSize < 1 || cfg.RepairChunkSize > 10000 {
		return nil, fmt.Errorf("LM_REPAIR_CHUNK_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.RepairChunkSize)
	}

	// LM_RETRY_INTERVAL — интервал повторных попыток записи (по умолчанию 30m)
	cfg.RetryInterval, err = getEnvDuration("LM_RETRY_INTERVAL", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("LM_RETRY_INTERVAL: %w", err)
	}

	// --- HTTP-клиент ---

	// LM_HTTP_CLIENT_TIMEOUT — таймаут HTTP-клиента LMS (по умолчанию 30s)
	cfg.HTTPClientTimeout, err = getEnvDuration("LM_HTTP_CLIENT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LM_HTTP_CLIENT_TIMEOUT: %w", err)
	}

	// --- topologymetrics ---

	// LM_DEPHEALTH_GROUP — имя группы (по умолчанию lms)
	cfg.DephealthGroup = getEnvDefault("LM_DEPHEALTH_GROUP", "lms")

	// LM_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("LM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	// LM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("LM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для dephealth).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// OAuthRedirectURI возвращает endpoint завершения OAuth-рукопожатия.
func (c *Config) OAuthRedirectURI() string {
	return c.BaseURL + "/oauth2/complete"
}

// RepairGracePeriod возвращает grace period как time.Duration.
func (c *Config) RepairGracePeriod() time.Duration {
	return time.Duration(c.RepairGracePeriodMins) * time.Minute
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
