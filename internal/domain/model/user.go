// Пакет model — доменные модели LMS Module.
package model

import "time"

// User — локальный пользователь платформы.
// Таблица users принадлежит подсистеме аккаунтов; LMS Module только читает её.
type User struct {
	// ID — UUID записи
	ID string
	// Username — локальное имя пользователя
	Username string
	// Email — адрес электронной почты
	Email string
	// Name — отображаемое имя (ФИО)
	Name string
	// IsActive — активен ли пользователь
	IsActive bool
	// CreatedAt — время регистрации
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}
