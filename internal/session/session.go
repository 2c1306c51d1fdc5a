// Пакет session — зашифрованные cookie-сессии OAuth-рукопожатия.
// Браузерный вариант рукопожатия (восстановление токенов через логин
// пользователя) связывает запрос к /oauth2/complete с локальным
// пользователем; связка хранится в cookie, шифрование AES-256-GCM.
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Имя cookie рукопожатия.
const CookieName = "lm_session"

// Максимальный возраст cookie рукопожатия (1 час).
const CookieMaxAge = 60 * 60

// Data — состояние рукопожатия, хранящееся в зашифрованном cookie.
type Data struct {
	// UserID — UUID локального пользователя, начавшего рукопожатие.
	UserID string `json:"user_id"`
	// StartedAt — время начала рукопожатия (Unix timestamp).
	StartedAt int64 `json:"started_at"`
}

// NewData создаёт состояние рукопожатия для пользователя.
func NewData(userID string) *Data {
	return &Data{
		UserID:    userID,
		StartedAt: time.Now().Unix(),
	}
}

// IsStale сообщает, что рукопожатие начато слишком давно и код
// авторизации ему уже не принадлежит.
func (d *Data) IsStale() bool {
	return time.Now().Unix() >= d.StartedAt+CookieMaxAge
}

// Manager шифрует и дешифрует Data в HTTP cookie через AES-256-GCM.
type Manager struct {
	gcm cipher.AEAD
	// secure — устанавливать Secure flag cookie (true для HTTPS)
	secure bool
}

// NewManager создаёт менеджер сессий.
// key — ключ AES-256 (base64 или произвольная строка, хешируемая SHA-256).
// Пустой key — случайный ключ, непостоянный между рестартами.
func NewManager(key string, secure bool) (*Manager, error) {
	var keyBytes []byte

	if key == "" {
		keyBytes = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, keyBytes); err != nil {
			return nil, fmt.Errorf("ошибка генерации ключа сессии: %w", err)
		}
	} else {
		var err error
		keyBytes, err = base64.StdEncoding.DecodeString(key)
		if err != nil || len(keyBytes) != 32 {
			// Не base64 — хешируем строку до 32 байт
			keyBytes = sha256Key(key)
		}
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания GCM: %w", err)
	}

	return &Manager{gcm: gcm, secure: secure}, nil
}

// Encrypt шифрует Data и возвращает base64-строку.
func (m *Manager) Encrypt(data *Data) (string, error) {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации сессии: %w", err)
	}

	// Уникальный nonce на каждое шифрование, prepended к ciphertext
	nonce := make([]byte, m.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("ошибка генерации nonce: %w", err)
	}

	ciphertext := m.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

// Decrypt дешифрует base64-строку обратно в Data.
func (m *Manager) Decrypt(encrypted string) (*Data, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("ошибка декодирования base64: %w", err)
	}

	nonceSize := m.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("зашифрованные данные слишком короткие")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := m.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка дешифрования сессии: %w", err)
	}

	var data Data
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("ошибка десериализации сессии: %w", err)
	}
	return &data, nil
}

// SetCookie устанавливает зашифрованный cookie рукопожатия в ответ.
func (m *Manager) SetCookie(w http.ResponseWriter, data *Data) error {
	encrypted, err := m.Encrypt(data)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    encrypted,
		Path:     "/oauth2",
		MaxAge:   CookieMaxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Cookie возвращает зашифрованный cookie рукопожатия для cookie jar.
// Путь "/" — серверная эмуляция входа носит cookie на все endpoints
// платформы, через которые LMS гонит SSO-цепочку.
func (m *Manager) Cookie(data *Data) (*http.Cookie, error) {
	encrypted, err := m.Encrypt(data)
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:   CookieName,
		Value:  encrypted,
		Path:   "/",
		MaxAge: CookieMaxAge,
		Secure: m.secure,
	}, nil
}

// FromRequest извлекает и дешифрует Data из cookie запроса.
// Возвращает nil, nil, если cookie отсутствует.
func (m *Manager) FromRequest(r *http.Request) (*Data, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return nil, nil
		}
		return nil, err
	}
	return m.Decrypt(cookie.Value)
}

// ClearCookie удаляет cookie рукопожатия из ответа.
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/oauth2",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// sha256Key хеширует строковый ключ в 32 байта.
func sha256Key(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return h[:]
}
