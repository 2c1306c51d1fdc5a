package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/openlearn/lms-module/internal/domain/model"
)

// CourseRunRepository — доступ к таблице course_runs. Таблица принадлежит
// каталогу курсов, LMS Module читает её; Create нужен для автономных тестов.
type CourseRunRepository interface {
	// Create создаёт запуск курса.
	Create(ctx context.Context, run *model.CourseRun) error
	// GetByID возвращает запуск по UUID.
	GetByID(ctx context.Context, id string) (*model.CourseRun, error)
	// GetByCoursewareID возвращает запуск по идентификатору LMS.
	GetByCoursewareID(ctx context.Context, coursewareID string) (*model.CourseRun, error)
}

// courseRunRepo — реализация CourseRunRepository.
type courseRunRepo struct {
	db DBTX
}

// NewCourseRunRepository создаёт репозиторий запусков курсов.
func NewCourseRunRepository(db DBTX) CourseRunRepository {
	return &courseRunRepo{db: db}
}

const courseRunColumns = `id, course_id, courseware_id, title,
	start_date, end_date, upgrade_deadline`

// scanCourseRun сканирует строку результата в модель CourseRun.
func scanCourseRun(row pgx.Row) (*model.CourseRun, error) {
	run := &model.CourseRun{}
	err := row.Scan(
		&run.ID, &run.CourseID, &run.CoursewareID, &run.Title,
		&run.StartDate, &run.EndDate, &run.UpgradeDeadline,
	)
	return run, err
}

func (r *courseRunRepo) Create(ctx context.Context, run *model.CourseRun) error {
	query := `
		INSERT INTO course_runs (id, course_id, courseware_id, title,
			start_date, end_date, upgrade_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Exec(ctx, query,
		run.ID, run.CourseID, run.CoursewareID, run.Title,
		run.StartDate, run.EndDate, run.UpgradeDeadline,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запуск с таким courseware_id уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания запуска курса: %w", err)
	}
	return nil
}

func (r *courseRunRepo) GetByID(ctx context.Context, id string) (*model.CourseRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM course_runs WHERE id = $1`, courseRunColumns)
	run, err := scanCourseRun(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запуска курса: %w", err)
	}
	return run, nil
}

func (r *courseRunRepo) GetByCoursewareID(ctx context.Context, coursewareID string) (*model.CourseRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM course_runs WHERE courseware_id = $1`, courseRunColumns)
	run, err := scanCourseRun(r.db.QueryRow(ctx, query, coursewareID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запуска по courseware_id: %w", err)
	}
	return run, nil
}
