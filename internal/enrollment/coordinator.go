// Пакет enrollment — координатор записей пользователей на запуски курсов.
// Координатор владеет локальными записями course_run_enrollments и всеми
// обращениями к Enrollment API LMS: запись, отписка, повтор неудачных
// попыток, двусторонняя сверка и подписка на письма курсов.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/openlearn/lms-module/internal/domain/model"
	"github.com/openlearn/lms-module/internal/edxclient"
	"github.com/openlearn/lms-module/internal/oauth"
	"github.com/openlearn/lms-module/internal/repository"
)

// AccountSource — чтение связки пользователь ↔ LMS для определения
// фактического имени пользователя в LMS.
type AccountSource interface {
	GetByUser(ctx context.Context, userID string) (*model.OpenEdxUser, error)
}

// AuthDeleter — удаление токенов пользователя при отозванном refresh token.
type AuthDeleter interface {
	Delete(ctx context.Context, userID string) error
}

// TokenAcquirer — серверное OAuth-рукопожатие (internal/oauth).
type TokenAcquirer interface {
	AcquireInitialTokens(ctx context.Context, user *model.User) (*model.OpenEdxApiAuth, bool, error)
}

// TaskQueue — постановка фоновых задач.
type TaskQueue interface {
	// EnqueueRegenerateTokens ставит задачу перевыпуска токенов пользователя.
	EnqueueRegenerateTokens(ctx context.Context, userID string) error
}

// EnrollOptions — параметры операции записи.
type EnrollOptions struct {
	// Mode — режим записи; пустая строка означает audit
	Mode string
	// Force — административная запись сервисным клиентом от имени пользователя
	Force bool
	// AllowTokenRegen — при отказе токенов перевыпустить их на месте
	// серверным рукопожатием и продолжить; иначе только поставить
	// фоновую задачу перевыпуска
	AllowTokenRegen bool
	// KeepFailed — сохранять локальную запись при отказе LMS
	// (повтор выполнит фоновый сервис)
	KeepFailed bool
}

// Coordinator — координатор записей на курсы.
type Coordinator struct {
	enrollments repository.EnrollmentRepository
	runs        repository.CourseRunRepository
	accounts    AccountSource
	authDel     AuthDeleter
	tokens      TokenAcquirer
	queue       TaskQueue
	factory     *edxclient.Factory
	logger      *slog.Logger
}

// NewCoordinator создаёт координатор записей.
func NewCoordinator(
	enrollments repository.EnrollmentRepository,
	runs repository.CourseRunRepository,
	accounts AccountSource,
	authDel AuthDeleter,
	tokens TokenAcquirer,
	queue TaskQueue,
	factory *edxclient.Factory,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		enrollments: enrollments,
		runs:        runs,
		accounts:    accounts,
		authDel:     authDel,
		tokens:      tokens,
		queue:       queue,
		factory:     factory,
		logger:      logger.With(slog.String("component", "enrollment")),
	}
}

// edxUsername возвращает фактическое имя пользователя в LMS.
// Связка может нести имя, отличное от локального (после сверки 409).
func (c *Coordinator) edxUsername(ctx context.Context, user *model.User) string {
	ou, err := c.accounts.GetByUser(ctx, user.ID)
	if err == nil && ou.EdxUsername != nil && *ou.EdxUsername != "" {
		return *ou.EdxUsername
	}
	return user.Username
}

// Enroll записывает пользователя на запуски курсов.
//
// Для каждого запуска сначала проверяется существующая запись в LMS:
// активная запись с нужным режимом включается в результат без нового
// POST (идемпотентность). Отказ токенов пользователя обрабатывается
// один раз на вызов: при AllowTokenRegen токены перевыпускаются на
// месте серверным рукопожатием и операция продолжается свежим
// пользовательским клиентом, иначе ставится фоновая задача перевыпуска.
func (c *Coordinator) Enroll(ctx context.Context, user *model.User, runs []*model.CourseRun, opts EnrollOptions) ([]*edxclient.Enrollment, error) {
	mode := opts.Mode
	if mode == "" {
		mode = model.ModeAudit
	}
	username := c.edxUsername(ctx, user)

	var client *edxclient.Client
	callUser := "" // поле user в POST; пустое для пользовательского клиента
	if opts.Force {
		svc, err := c.factory.ForService()
		if err != nil {
			return nil, err
		}
		client = svc
		callUser = username
	} else {
		client = c.factory.ForUser(user.ID, oauth.DefaultMinTTL)
	}

	var result []*edxclient.Enrollment
	tokenHandled := false

	for i := 0; i < len(runs); i++ {
		run := runs[i]

		enr, err := c.enrollOne(ctx, client, callUser, username, user, run, mode)
		if err != nil {
			if isTokenError(err) && !opts.Force && !tokenHandled {
				tokenHandled = true
				client, err = c.recoverTokenFailure(ctx, user, opts, err)
				if err != nil {
					return nil, err
				}
				i-- // повторяем этот же запуск со свежими токенами
				continue
			}

			err = c.classify(user.ID, run.CoursewareID, err)
			if !opts.KeepFailed {
				return nil, err
			}

			// Запись сохраняется локально без подтверждения — повтор
			// выполнит фоновый сервис
			if lerr := c.ensureLocal(ctx, user, run, mode, false); lerr != nil {
				return nil, lerr
			}
			c.logger.Warn("Запись в LMS не удалась, сохранена для повтора",
				slog.String("user_id", user.ID),
				slog.String("courseware_id", run.CoursewareID),
				slog.String("error", err.Error()),
			)
			continue
		}

		result = append(result, enr)
	}

	return result, nil
}

// enrollOne записывает пользователя на один запуск с проверкой
// существующей записи в LMS. Ошибки возвращаются неклассифицированными.
func (c *Coordinator) enrollOne(ctx context.Context, client *edxclient.Client, callUser, username string, user *model.User, run *model.CourseRun, mode string) (*edxclient.Enrollment, error) {
	existing, err := client.GetEnrollment(ctx, username, run.CoursewareID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.IsActive && existing.Mode == mode {
		if err := c.ensureLocal(ctx, user, run, mode, true); err != nil {
			return nil, err
		}
		return existing, nil
	}

	enr, err := client.CreateEnrollment(ctx, callUser, run.CoursewareID, mode, nil)
	if err != nil {
		return nil, err
	}

	if err := c.ensureLocal(ctx, user, run, mode, true); err != nil {
		return nil, err
	}

	c.logger.Info("Пользователь записан на запуск курса",
		slog.String("user_id", user.ID),
		slog.String("courseware_id", run.CoursewareID),
		slog.String("mode", mode),
	)
	return enr, nil
}

// recoverTokenFailure обрабатывает отказ токенов во время записи.
// При AllowTokenRegen негодные токены удаляются и тут же перевыпускаются
// серверным рукопожатием — возвращается свежий пользовательский клиент.
// Иначе ставится фоновая задача перевыпуска, а исходная ошибка отдаётся
// наверх.
func (c *Coordinator) recoverTokenFailure(ctx context.Context, user *model.User, opts EnrollOptions, cause error) (*edxclient.Client, error) {
	if !opts.AllowTokenRegen {
		if err := c.queue.EnqueueRegenerateTokens(ctx, user.ID); err != nil {
			c.logger.Error("Не удалось поставить задачу перевыпуска токенов",
				slog.String("user_id", user.ID), slog.String("error", err.Error()))
		} else {
			c.logger.Info("Поставлена задача перевыпуска токенов",
				slog.String("user_id", user.ID))
		}
		return nil, fmt.Errorf("токены пользователя %s негодны: %w", user.ID, cause)
	}

	if err := c.authDel.Delete(ctx, user.ID); err != nil {
		c.logger.Warn("Не удалось удалить негодные токены",
			slog.String("user_id", user.ID), slog.String("error", err.Error()))
	}
	if _, _, err := c.tokens.AcquireInitialTokens(ctx, user); err != nil {
		return nil, fmt.Errorf("перевыпуск токенов пользователя %s: %w", user.ID, err)
	}
	c.logger.Info("Токены пользователя перевыпущены на месте",
		slog.String("user_id", user.ID))

	return c.factory.ForUser(user.ID, oauth.DefaultMinTTL), nil
}

// classify оборачивает ошибку операции с записью в типизированную пару.
func (c *Coordinator) classify(userID, coursewareID string, err error) error {
	var se *edxclient.StatusError
	if errors.As(err, &se) {
		return &EnrollApiError{UserID: userID, CoursewareID: coursewareID, Err: err}
	}
	return &EnrollUnknownError{UserID: userID, CoursewareID: coursewareID, Err: err}
}

// ensureLocal приводит локальную запись к состоянию после операции:
// создаёт отсутствующую, реактивирует неактивную, проставляет
// подтверждение LMS. confirmed=false — LMS не подтвердила запись,
// строка остаётся в ожидании повтора.
func (c *Coordinator) ensureLocal(ctx context.Context, user *model.User, run *model.CourseRun, mode string, confirmed bool) error {
	cur, err := c.enrollments.GetByUserAndRun(ctx, user.ID, run.ID)
	if errors.Is(err, repository.ErrNotFound) {
		e := &model.CourseRunEnrollment{
			ID:                    uuid.NewString(),
			UserID:                user.ID,
			RunID:                 run.ID,
			CoursewareID:          run.CoursewareID,
			Active:                true,
			EnrollmentMode:        mode,
			EdxEnrolled:           confirmed,
			EdxEmailsSubscription: confirmed,
		}
		err := c.enrollments.Create(ctx, e)
		if errors.Is(err, repository.ErrConflict) {
			// Параллельное создание — обновляем существующую строку
			cur, err = c.enrollments.GetByUserAndRun(ctx, user.ID, run.ID)
			if err != nil {
				return err
			}
			return c.applyLocal(ctx, cur, mode, confirmed)
		}
		return err
	}
	if err != nil {
		return err
	}
	return c.applyLocal(ctx, cur, mode, confirmed)
}

// applyLocal обновляет существующую строку под результат операции.
func (c *Coordinator) applyLocal(ctx context.Context, cur *model.CourseRunEnrollment, mode string, confirmed bool) error {
	changed := false
	if !cur.Active {
		cur.Active = true
		cur.ChangeStatus = nil
		changed = true
	}
	if cur.EnrollmentMode != mode {
		cur.EnrollmentMode = mode
		changed = true
	}
	if confirmed && !cur.EdxEnrolled {
		cur.EdxEnrolled = true
		cur.EdxEmailsSubscription = true
		changed = true
	}
	if !changed {
		return nil
	}
	return c.enrollments.Update(ctx, cur)
}

// Unenroll отписывает пользователя от запуска: деактивация записи в LMS,
// затем локальная строка переводится в active=false со статусом unenrolled.
func (c *Coordinator) Unenroll(ctx context.Context, user *model.User, run *model.CourseRun) (*edxclient.Enrollment, error) {
	cur, err := c.enrollments.GetByUserAndRun(ctx, user.ID, run.ID)
	if err != nil {
		return nil, err
	}

	username := c.edxUsername(ctx, user)
	client := c.factory.ForUser(user.ID, oauth.DefaultMinTTL)

	enr, err := client.DeactivateEnrollment(ctx, username, run.CoursewareID, cur.EnrollmentMode)
	if err != nil {
		return nil, c.classify(user.ID, run.CoursewareID, err)
	}

	status := model.ChangeStatusUnenrolled
	cur.Active = false
	cur.ChangeStatus = &status
	cur.EdxEmailsSubscription = false
	if err := c.enrollments.Update(ctx, cur); err != nil {
		return nil, err
	}

	c.logger.Info("Пользователь отписан от запуска курса",
		slog.String("user_id", user.ID),
		slog.String("courseware_id", run.CoursewareID),
	)
	return enr, nil
}

// Subscribe включает письма курса для пользователя.
func (c *Coordinator) Subscribe(ctx context.Context, user *model.User, run *model.CourseRun) error {
	return c.setEmailSubscription(ctx, user, run, true)
}

// Unsubscribe выключает письма курса для пользователя.
func (c *Coordinator) Unsubscribe(ctx context.Context, user *model.User, run *model.CourseRun) error {
	return c.setEmailSubscription(ctx, user, run, false)
}

func (c *Coordinator) setEmailSubscription(ctx context.Context, user *model.User, run *model.CourseRun, subscribe bool) error {
	client := c.factory.ForUser(user.ID, oauth.DefaultMinTTL)
	if err := client.UpdateEmailSettings(ctx, run.CoursewareID, subscribe); err != nil {
		var se *edxclient.StatusError
		if errors.As(err, &se) {
			return &EmailSettingsError{UserID: user.ID, CoursewareID: run.CoursewareID, Err: err}
		}
		return &EmailSettingsUnknownError{UserID: user.ID, CoursewareID: run.CoursewareID, Err: err}
	}

	cur, err := c.enrollments.GetByUserAndRun(ctx, user.ID, run.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.EdxEmailsSubscription != subscribe {
		cur.EdxEmailsSubscription = subscribe
		return c.enrollments.Update(ctx, cur)
	}
	return nil
}

// UpdateName отправляет текущее отображаемое имя пользователя в LMS.
func (c *Coordinator) UpdateName(ctx context.Context, user *model.User) error {
	username := c.edxUsername(ctx, user)
	client := c.factory.ForUser(user.ID, oauth.DefaultMinTTL)
	if err := client.UpdateUserName(ctx, username, user.Name); err != nil {
		return &NameUpdateError{UserID: user.ID, Err: err}
	}
	return nil
}

// UpdateProfile отправляет локальные атрибуты профиля в LMS.
// Сейчас это отображаемое имя: email LMS меняет только через
// собственную процедуру подтверждения.
func (c *Coordinator) UpdateProfile(ctx context.Context, user *model.User) error {
	username := c.edxUsername(ctx, user)
	client := c.factory.ForUser(user.ID, oauth.DefaultMinTTL)
	if err := client.UpdateUserAccount(ctx, username, map[string]any{"name": user.Name}); err != nil {
		return &NameUpdateError{UserID: user.ID, Err: err}
	}
	return nil
}
