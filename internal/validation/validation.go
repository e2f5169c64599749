// Package validation содержит функции валидации входных данных.
package validation

import "github.com/utubchat/growth-system/internal/model"

const maxIDLength = 64

// IsValidID проверяет, что идентификатор непустой, не длиннее 64 символов
// и состоит только из букв, цифр, дефисов и подчёркиваний.
func IsValidID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}

	for _, ch := range id {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_':
		default:
			return false
		}
	}

	return true
}

// ParseEventType разбирает строковое представление типа события метрики.
func ParseEventType(s string) (model.EventType, bool) {
	switch model.EventType(s) {
	case model.EventViewed:
		return model.EventViewed, true
	case model.EventClicked:
		return model.EventClicked, true
	case model.EventConverted:
		return model.EventConverted, true
	default:
		return "", false
	}
}
