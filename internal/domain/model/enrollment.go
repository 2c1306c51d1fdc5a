package model

import "time"

// Режимы записи на курс.
const (
	// ModeAudit — бесплатный режим (по умолчанию).
	ModeAudit = "audit"
	// ModeVerified — платный режим с сертификатом.
	ModeVerified = "verified"
)

// Статусы изменения записи. Деактивированная запись обязана иметь статус.
const (
	ChangeStatusDeferred    = "deferred"
	ChangeStatusTransferred = "transferred"
	ChangeStatusRefunded    = "refunded"
	ChangeStatusUnenrolled  = "unenrolled"
)

// CourseRun — запуск курса. Таблица course_runs принадлежит каталогу курсов;
// LMS Module читает её для сопоставления courseware_id → локальный запуск.
type CourseRun struct {
	// ID — UUID записи
	ID string
	// CourseID — UUID курса
	CourseID string
	// CoursewareID — непрозрачный идентификатор запуска в LMS
	// (формат course-v1:org+course+run)
	CoursewareID string
	// Title — название запуска
	Title string
	// StartDate — начало курса (опционально)
	StartDate *time.Time
	// EndDate — окончание курса (опционально)
	EndDate *time.Time
	// UpgradeDeadline — крайний срок перехода в verified (опционально)
	UpgradeDeadline *time.Time
}

// CourseRunEnrollment — запись пользователя на запуск курса.
// Таблица course_run_enrollments; LMS Module создаёт и обновляет записи,
// остальные подсистемы читают.
type CourseRunEnrollment struct {
	// ID — UUID записи
	ID string
	// UserID — UUID пользователя
	UserID string
	// RunID — UUID запуска курса
	RunID string
	// CoursewareID — денормализованный идентификатор запуска в LMS
	CoursewareID string
	// Active — активна ли запись (false после деактивации)
	Active bool
	// ChangeStatus — причина деактивации (nil для активных записей)
	ChangeStatus *string
	// EnrollmentMode — режим записи (audit, verified)
	EnrollmentMode string
	// EdxEnrolled — true после подтверждения записи со стороны LMS
	EdxEnrolled bool
	// EdxEmailsSubscription — зеркало подписки на письма курса в LMS
	EdxEmailsSubscription bool
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}
