package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openlearn/lms-module/internal/domain/model"
)

// EnrollmentRepository — доступ к таблице course_run_enrollments.
type EnrollmentRepository interface {
	// Create создаёт запись на запуск курса.
	Create(ctx context.Context, e *model.CourseRunEnrollment) error
	// GetByID возвращает запись по UUID.
	GetByID(ctx context.Context, id string) (*model.CourseRunEnrollment, error)
	// GetByUserAndRun возвращает запись пользователя на запуск.
	GetByUserAndRun(ctx context.Context, userID, runID string) (*model.CourseRunEnrollment, error)
	// ListByUser возвращает все записи пользователя, включая неактивные,
	// упорядоченные по courseware_id.
	ListByUser(ctx context.Context, userID string) ([]*model.CourseRunEnrollment, error)
	// Update сохраняет изменяемые поля записи.
	Update(ctx context.Context, e *model.CourseRunEnrollment) error
	// ListPending возвращает активные записи без подтверждения LMS,
	// созданные раньше cutoff.
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.CourseRunEnrollment, error)
}

// enrollmentRepo — реализация EnrollmentRepository.
type enrollmentRepo struct {
	db DBTX
}

// NewEnrollmentRepository создаёт репозиторий записей на курсы.
func NewEnrollmentRepository(db DBTX) EnrollmentRepository {
	return &enrollmentRepo{db: db}
}

const enrollmentColumns = `id, user_id, run_id, courseware_id, active, change_status,
	enrollment_mode, edx_enrolled, edx_emails_subscription, created_at, updated_at`

// scanEnrollment сканирует строку результата в модель CourseRunEnrollment.
func scanEnrollment(row pgx.Row) (*model.CourseRunEnrollment, error) {
	e := &model.CourseRunEnrollment{}
	err := row.Scan(
		&e.ID, &e.UserID, &e.RunID, &e.CoursewareID, &e.Active, &e.ChangeStatus,
		&e.EnrollmentMode, &e.EdxEnrolled, &e.EdxEmailsSubscription,
		&e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func (r *enrollmentRepo) Create(ctx context.Context, e *model.CourseRunEnrollment) error {
	query := `
		INSERT INTO course_run_enrollments (id, user_id, run_id, courseware_id,
			active, change_status, enrollment_mode, edx_enrolled, edx_emails_subscription)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		e.ID, e.UserID, e.RunID, e.CoursewareID,
		e.Active, e.ChangeStatus, e.EnrollmentMode, e.EdxEnrolled, e.EdxEmailsSubscription,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запись пользователя на этот запуск уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания записи на курс: %w", err)
	}
	return nil
}

func (r *enrollmentRepo) GetByID(ctx context.Context, id string) (*model.CourseRunEnrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM course_run_enrollments WHERE id = $1`, enrollmentColumns)
	e, err := scanEnrollment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи на курс: %w", err)
	}
	return e, nil
}

func (r *enrollmentRepo) GetByUserAndRun(ctx context.Context, userID, runID string) (*model.CourseRunEnrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM course_run_enrollments WHERE user_id = $1 AND run_id = $2`,
		enrollmentColumns)
	e, err := scanEnrollment(r.db.QueryRow(ctx, query, userID, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи пользователя на запуск: %w", err)
	}
	return e, nil
}

func (r *enrollmentRepo) ListByUser(ctx context.Context, userID string) ([]*model.CourseRunEnrollment, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM course_run_enrollments
		WHERE user_id = $1
		ORDER BY courseware_id`, enrollmentColumns)

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения записей пользователя: %w", err)
	}
	defer rows.Close()

	return collectEnrollments(rows)
}

func (r *enrollmentRepo) Update(ctx context.Context, e *model.CourseRunEnrollment) error {
	query := `
		UPDATE course_run_enrollments
		SET active = $2, change_status = $3, enrollment_mode = $4,
			edx_enrolled = $5, edx_emails_subscription = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		e.ID, e.Active, e.ChangeStatus, e.EnrollmentMode,
		e.EdxEnrolled, e.EdxEmailsSubscription,
	).Scan(&e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления записи на курс: %w", err)
	}
	return nil
}

func (r *enrollmentRepo) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.CourseRunEnrollment, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM course_run_enrollments
		WHERE active AND NOT edx_enrolled AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, enrollmentColumns)

	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки незавершённых записей: %w", err)
	}
	defer rows.Close()

	return collectEnrollments(rows)
}

// collectEnrollments собирает все строки результата в срез моделей.
func collectEnrollments(rows pgx.Rows) ([]*model.CourseRunEnrollment, error) {
	var result []*model.CourseRunEnrollment
	for rows.Next() {
		e := &model.CourseRunEnrollment{}
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.RunID, &e.CoursewareID, &e.Active, &e.ChangeStatus,
			&e.EnrollmentMode, &e.EdxEnrolled, &e.EdxEmailsSubscription,
			&e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи на курс: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
