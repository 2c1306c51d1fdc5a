package edxclient

// UserInfo — данные аккаунта пользователя в LMS
// (ответ GET /api/user/v1/accounts/{username} и /api/user/v1/me).
type UserInfo struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// CourseDetails — вложенный блок курса в ответах Enrollment API.
type CourseDetails struct {
	CourseID string `json:"course_id"`
}

// Enrollment — запись на курс в LMS
// (ответ GET/POST /api/enrollment/v1/enrollment).
type Enrollment struct {
	User          string        `json:"user"`
	Mode          string        `json:"mode"`
	IsActive      bool          `json:"is_active"`
	CourseDetails CourseDetails `json:"course_details"`
	Created       string        `json:"created,omitempty"`
}

// enrollmentRequest — тело POST /api/enrollment/v1/enrollment.
type enrollmentRequest struct {
	User          string        `json:"user,omitempty"`
	Mode          string        `json:"mode"`
	IsActive      bool          `json:"is_active"`
	CourseDetails CourseDetails `json:"course_details"`
	EmailOptIn    *bool         `json:"email_opt_in,omitempty"`
	EnrollmentAttributes []map[string]string `json:"enrollment_attributes,omitempty"`
}

// CourseDetail — данные запуска курса
// (ответ GET /api/courses/v1/courses/{course_key}).
type CourseDetail struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Start            *string `json:"start"`
	End              *string `json:"end"`
	EnrollmentStart  *string `json:"enrollment_start"`
	EnrollmentEnd    *string `json:"enrollment_end"`
	Pacing           string  `json:"pacing"`
}

// CourseMode — режим записи на курс
// (ответ GET /api/course_modes/v1/courses/{course_key}).
type CourseMode struct {
	Slug           string   `json:"mode_slug"`
	DisplayName    string   `json:"mode_display_name"`
	Price          float64  `json:"min_price"`
	ExpirationDate *string  `json:"expiration_datetime"`
}

// CurrentGrade — текущая оценка пользователя по курсу
// (ответ GET /api/grades/v1/courses/{course_key}/).
type CurrentGrade struct {
	Username     string  `json:"username"`
	CourseKey    string  `json:"course_key"`
	Passed       bool    `json:"passed"`
	Percent      float64 `json:"percent"`
	LetterGrade  *string `json:"letter_grade"`
}

// gradesPage — страница ответа Grades API.
type gradesPage struct {
	Next    *string        `json:"next"`
	Results []CurrentGrade `json:"results"`
}

// RegistrationRequest — поля регистрации аккаунта
// (POST /user_api/v1/account/registration/, form-encoded).
type RegistrationRequest struct {
	// Username — желаемое имя пользователя
	Username string
	// Email — адрес электронной почты
	Email string
	// Name — отображаемое имя
	Name string
	// Password — одноразовый случайный пароль
	Password string
	// Provider — провайдер social-login, пробрасывается в поле provider
	Provider string
	// AccessToken — выделенный токен пользователя, пробрасывается
	// в поле access_token
	AccessToken string
}

// validationResponse — ответ POST /api/user/v1/validation/registration.
type validationResponse struct {
	ValidationDecisions struct {
		Username string `json:"username"`
	} `json:"validation_decisions"`
}
