package model

import "time"

// Платформы LMS. В текущей конфигурации используется единственная — Open edX.
const (
	// PlatformOpenEdx — платформа Open edX.
	PlatformOpenEdx = "openedx"
)

// OpenEdxUser — связка локального пользователя с аккаунтом в LMS.
// Таблица openedx_users, уникальность по (user_id, platform).
type OpenEdxUser struct {
	// ID — UUID записи
	ID string
	// UserID — UUID локального пользователя
	UserID string
	// Platform — платформа LMS (пока только openedx)
	Platform string
	// EdxUsername — имя пользователя, которое LMS фактически присвоила
	// (может быть nil, пока аккаунт не создан; может отличаться от локального)
	EdxUsername *string
	// DesiredUsername — имя, которое отправляется при (пере)создании аккаунта
	DesiredUsername string
	// HasBeenSynced — true только после подтверждения создания аккаунта со стороны LMS
	HasBeenSynced bool
	// HasSyncError — последняя попытка синхронизации завершилась ошибкой
	HasSyncError bool
	// SyncErrorData — контекст последней ошибки (опционально)
	SyncErrorData *string
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// OpenEdxApiAuth — OAuth2-токены пользователя для API LMS.
// Таблица openedx_api_auths, одна запись на пользователя.
// AccessToken и AccessTokenExpiresOn либо оба заданы, либо оба nil.
type OpenEdxApiAuth struct {
	// ID — UUID записи
	ID string
	// UserID — UUID локального пользователя (уникален)
	UserID string
	// RefreshToken — непрозрачный refresh token (единственный невосстановимый секрет)
	RefreshToken string
	// AccessToken — текущий access token (nil до первого refresh)
	AccessToken *string
	// AccessTokenExpiresOn — время истечения access token
	AccessTokenExpiresOn *time.Time
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// HasValidToken сообщает, действителен ли access token ещё минимум ttl.
func (a *OpenEdxApiAuth) HasValidToken(now time.Time, ttl time.Duration) bool {
	if a == nil || a.AccessToken == nil || a.AccessTokenExpiresOn == nil {
		return false
	}
	return a.AccessTokenExpiresOn.After(now.Add(ttl))
}
