package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/openlearn/lms-module/internal/domain/model"
	"github.com/openlearn/lms-module/internal/edxclient"
	"github.com/openlearn/lms-module/internal/oauth"
	"github.com/openlearn/lms-module/internal/repository"
)

// Sync выполняет двустороннюю сверку записей пользователя с LMS.
//
// Каноничный ключ сопоставления — courseware_id. Три исхода:
//   - запись есть с обеих сторон: расхождение active разрешается
//     в пользу LMS (деактивация со статусом unenrolled или реактивация);
//   - запись только в LMS: создаётся локальная строка, если запуск
//     известен каталогу; неизвестные запуски молча пропускаются;
//   - локальная активная запись отсутствует в LMS: расхождение данных,
//     логируется ошибкой, но сверка завершается нормально.
//
// Списки результата попарно непересекаются: каждая строка попадает
// максимум в один.
func (c *Coordinator) Sync(ctx context.Context, user *model.User) (*model.EnrollmentSyncResult, error) {
	username := c.edxUsername(ctx, user)
	client := c.factory.ForUser(user.ID, oauth.DefaultMinTTL)

	lmsList, err := client.ListEnrollments(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("получение записей пользователя из LMS: %w", err)
	}
	lmsMap := make(map[string]edxclient.Enrollment, len(lmsList))
	for _, enr := range lmsList {
		lmsMap[enr.CourseDetails.CourseID] = enr
	}

	local, err := c.enrollments.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	localMap := make(map[string]*model.CourseRunEnrollment, len(local))
	for _, e := range local {
		if e.CoursewareID == "" {
			continue
		}
		localMap[e.CoursewareID] = e
	}

	result := &model.EnrollmentSyncResult{}

	// Записи с обеих сторон: LMS — источник истины по active
	for _, e := range local {
		lms, ok := lmsMap[e.CoursewareID]
		if !ok || e.CoursewareID == "" {
			continue
		}

		switch {
		case e.Active && !lms.IsActive:
			status := model.ChangeStatusUnenrolled
			e.Active = false
			e.ChangeStatus = &status
			if err := c.enrollments.Update(ctx, e); err != nil {
				c.logger.Warn("Ошибка деактивации записи при сверке",
					slog.String("courseware_id", e.CoursewareID),
					slog.String("error", err.Error()))
				continue
			}
			result.Deactivated = append(result.Deactivated, e)

		case !e.Active && lms.IsActive:
			e.Active = true
			e.ChangeStatus = nil
			e.EdxEnrolled = true
			if err := c.enrollments.Update(ctx, e); err != nil {
				c.logger.Warn("Ошибка реактивации записи при сверке",
					slog.String("courseware_id", e.CoursewareID),
					slog.String("error", err.Error()))
				continue
			}
			result.Reactivated = append(result.Reactivated, e)
		}
	}

	// Записи только в LMS: создаём локальные строки для известных запусков
	for _, lms := range lmsList {
		coursewareID := lms.CourseDetails.CourseID
		if _, ok := localMap[coursewareID]; ok {
			continue
		}

		run, err := c.runs.GetByCoursewareID(ctx, coursewareID)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		mode := lms.Mode
		if mode == "" {
			mode = model.ModeAudit
		}
		e := &model.CourseRunEnrollment{
			ID:                    uuid.NewString(),
			UserID:                user.ID,
			RunID:                 run.ID,
			CoursewareID:          coursewareID,
			Active:                lms.IsActive,
			EnrollmentMode:        mode,
			EdxEnrolled:           true,
			EdxEmailsSubscription: lms.IsActive,
		}
		if !lms.IsActive {
			status := model.ChangeStatusUnenrolled
			e.ChangeStatus = &status
		}
		if err := c.enrollments.Create(ctx, e); err != nil {
			c.logger.Warn("Ошибка создания записи при сверке",
				slog.String("courseware_id", coursewareID),
				slog.String("error", err.Error()))
			continue
		}
		result.Created = append(result.Created, e)
	}

	// Локальные активные записи, неизвестные LMS — расхождение данных
	var drift []string
	for _, e := range local {
		if e.CoursewareID == "" || !e.Active {
			continue
		}
		if _, ok := lmsMap[e.CoursewareID]; !ok {
			drift = append(drift, e.CoursewareID)
		}
	}
	if len(drift) > 0 {
		c.logger.Error("Расхождение записей с LMS: локальные активные записи отсутствуют в LMS",
			slog.String("user_id", user.ID),
			slog.String("courseware_ids", strings.Join(drift, ", ")),
		)
	}

	return result, nil
}
