package model

import "time"

// EnrollmentSyncResult — результат двусторонней сверки записей пользователя с LMS.
// Три списка попарно непересекаются: запись попадает максимум в один из них.
type EnrollmentSyncResult struct {
	// Created — записи, созданные локально по данным LMS
	Created []*CourseRunEnrollment
	// Reactivated — локальные записи, активированные заново по данным LMS
	Reactivated []*CourseRunEnrollment
	// Deactivated — локальные записи, деактивированные по данным LMS
	Deactivated []*CourseRunEnrollment
}

// RepairRunResult — итог одного прохода восстановления по всем
// неисправным пользователям.
type RepairRunResult struct {
	// Examined — сколько неисправных пользователей рассмотрено
	Examined int
	// RepairedAccounts — создано аккаунтов в LMS
	RepairedAccounts int
	// RepairedAuths — получено пар токенов
	RepairedAuths int
	// Reconciled — сверено существующих аккаунтов (после 409)
	Reconciled int
	// Failed — пользователей с ошибкой восстановления
	Failed int
	// CompletedAt — время завершения прохода
	CompletedAt time.Time
}

// RepairOutcome — результат восстановления одного пользователя.
type RepairOutcome struct {
	// UserID — UUID восстановленного пользователя
	UserID string
	// CreatedAccount — аккаунт в LMS был создан в ходе восстановления
	CreatedAccount bool
	// CreatedAuth — токены были получены в ходе восстановления
	CreatedAuth bool
	// RepairedAt — время завершения восстановления
	RepairedAt time.Time
}
