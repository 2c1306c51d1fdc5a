// Пакет provisioning — создание аккаунтов пользователей в LMS.
// Движок доводит пользователя до полностью подготовленного состояния:
// подтверждённый аккаунт в LMS плюс пара OAuth2-токенов для API.
package provisioning

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/openlearn/lms-module/internal/config"
	"github.com/openlearn/lms-module/internal/domain/model"
	"github.com/openlearn/lms-module/internal/edxclient"
	"github.com/openlearn/lms-module/internal/oauth"
)

// usernamePattern — локальные правила имени пользователя LMS:
// 3–30 символов, латиница, цифры, дефис и подчёркивание.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,30}$`)

// UserSource — чтение пользователей, необходимое движку.
type UserSource interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// Blocklist — проверка адреса по блок-списку.
type Blocklist interface {
	IsBlocked(ctx context.Context, email string) (bool, error)
}

// Engine — движок создания аккаунтов в LMS.
type Engine struct {
	cfg       *config.Config
	users     UserSource
	accounts  AccountStore
	blocklist Blocklist
	tokens    *oauth.Manager
	factory   *edxclient.Factory
	logger    *slog.Logger
}

// NewEngine создаёт движок создания аккаунтов.
func NewEngine(
	cfg *config.Config,
	users UserSource,
	accounts AccountStore,
	blocklist Blocklist,
	tokens *oauth.Manager,
	factory *edxclient.Factory,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		users:     users,
		accounts:  accounts,
		blocklist: blocklist,
		tokens:    tokens,
		factory:   factory,
		logger:    logger.With(slog.String("component", "provisioning")),
	}
}

// ValidateUsername проверяет имя пользователя: сначала локальные правила,
// затем регистрационная валидация LMS. Пустая ошибка — имя свободно.
func (e *Engine) ValidateUsername(ctx context.Context, username string) error {
	if !usernamePattern.MatchString(username) {
		return &UsernameValidationError{
			Username: username,
			Message:  "допустимы 3–30 символов: латиница, цифры, дефис и подчёркивание",
		}
	}

	msg, err := e.factory.Anonymous().ValidateUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("проверка имени пользователя в LMS: %w", err)
	}
	if msg != "" {
		return &UsernameValidationError{Username: username, Message: msg}
	}
	return nil
}

// CreateEdxAccount создаёт аккаунт пользователя в LMS, если он ещё
// не подтверждён. Подтверждённая связка сначала проверяется лёгким
// запросом данных аккаунта от имени пользователя: флаг синхронизации
// у нас мог пережить пересоздание стенда LMS. Проверка прошла —
// возврат без регистрации; не прошла — аккаунт регистрируется заново.
//
// Регистрация выполняется под блокировкой связки — параллельные вызовы
// сериализуются, и регистрационный POST уходит ровно один раз.
func (e *Engine) CreateEdxAccount(ctx context.Context, user *model.User) (*model.OpenEdxUser, bool, error) {
	if !user.IsActive {
		return nil, false, fmt.Errorf("%w: пользователь %s", ErrUserInactive, user.ID)
	}

	blocked, err := e.blocklist.IsBlocked(ctx, user.Email)
	if err != nil {
		return nil, false, fmt.Errorf("проверка блок-списка: %w", err)
	}
	if blocked {
		return nil, false, fmt.Errorf("%w: пользователь %s", ErrEmailBlocked, user.ID)
	}

	ou, err := e.accounts.GetOrCreate(ctx, user.ID, user.Username)
	if err != nil {
		return nil, false, err
	}

	reregister := false
	if ou.HasBeenSynced {
		checkErr := e.verifyAccount(ctx, user.ID, ou)
		if checkErr == nil {
			return ou, false, nil
		}
		e.logger.Warn("Аккаунт LMS не отвечает на проверку, регистрируем заново",
			slog.String("user_id", user.ID),
			slog.String("error", checkErr.Error()),
		)
		reregister = true
	}

	regToken, err := e.tokens.NewRegistrationToken(user.ID)
	if err != nil {
		return nil, false, err
	}
	password, err := randomPassword()
	if err != nil {
		return nil, false, err
	}
	client := e.factory.Anonymous()

	var result *model.OpenEdxUser
	var created bool
	err = e.accounts.WithUserLock(ctx, user.ID, func(cur *model.OpenEdxUser, markSynced MarkSyncedFunc) error {
		// Повторная проверка под блокировкой: параллельный процесс
		// мог успеть создать аккаунт, пока мы ждали. При повторной
		// регистрации флаг синхронизации заведомо взведён — его
		// игнорируем, проверка аккаунта уже провалилась.
		if cur.HasBeenSynced && !reregister {
			result = cur
			return nil
		}

		req := edxclient.RegistrationRequest{
			Username:    cur.DesiredUsername,
			Email:       user.Email,
			Name:        user.Name,
			Password:    password,
			Provider:    e.cfg.LMSOAuthProvider,
			AccessToken: regToken,
		}
		if err := client.RegisterUser(ctx, req); err != nil {
			return err
		}
		if err := markSynced(cur.DesiredUsername); err != nil {
			return err
		}

		name := cur.DesiredUsername
		cur.EdxUsername = &name
		cur.HasBeenSynced = true
		cur.HasSyncError = false
		cur.SyncErrorData = nil
		result = cur
		created = true
		return nil
	})
	if err != nil {
		var se *edxclient.StatusError
		if errors.As(err, &se) {
			createErr := &UserCreateError{StatusCode: se.StatusCode, Body: se.Body}
			// Транзакция откатилась — флаг ошибки пишем отдельно
			if serr := e.accounts.SetSyncError(ctx, ou.ID, createErr.Error()); serr != nil {
				e.logger.Warn("Не удалось записать ошибку синхронизации",
					slog.String("user_id", user.ID), slog.String("error", serr.Error()))
			}
			return nil, false, createErr
		}
		return nil, false, err
	}

	if !created {
		return result, false, nil
	}

	e.logger.Info("Аккаунт пользователя создан в LMS",
		slog.String("user_id", user.ID),
		slog.String("username", result.DesiredUsername),
	)
	return result, true, nil
}

// verifyAccount проверяет, что подтверждённый аккаунт действительно
// существует в LMS: лёгкий запрос данных аккаунта от имени пользователя.
func (e *Engine) verifyAccount(ctx context.Context, userID string, ou *model.OpenEdxUser) error {
	username := ou.DesiredUsername
	if ou.EdxUsername != nil {
		username = *ou.EdxUsername
	}
	_, err := e.factory.ForUser(userID, oauth.DefaultMinTTL).GetUserByUsername(ctx, username)
	return err
}

// Provision доводит пользователя до полностью подготовленного состояния:
// подтверждённый аккаунт в LMS и сохранённая пара OAuth2-токенов.
// Токены при отсутствии получаются серверным OAuth-рукопожатием.
func (e *Engine) Provision(ctx context.Context, userID string) (*model.RepairOutcome, error) {
	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	outcome := &model.RepairOutcome{UserID: userID}

	_, createdAccount, err := e.CreateEdxAccount(ctx, user)
	if err != nil {
		return nil, err
	}
	outcome.CreatedAccount = createdAccount

	_, createdAuth, err := e.tokens.AcquireInitialTokens(ctx, user)
	if err != nil {
		return nil, err
	}
	outcome.CreatedAuth = createdAuth

	outcome.RepairedAt = time.Now()
	return outcome, nil
}

// RegenerateTokens заново получает пару OAuth2-токенов пользователя
// серверным рукопожатием. Существующая запись токенов должна быть
// удалена вызывающим — иначе рукопожатие идемпотентно вернёт её.
func (e *Engine) RegenerateTokens(ctx context.Context, userID string) error {
	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.IsActive {
		return fmt.Errorf("%w: пользователь %s", ErrUserInactive, userID)
	}
	if _, _, err := e.tokens.AcquireInitialTokens(ctx, user); err != nil {
		return err
	}
	return nil
}

// randomPassword генерирует одноразовый пароль для регистрации.
// Пароль нигде не сохраняется: вход в LMS идёт только через SSO.
func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("генерация пароля: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
