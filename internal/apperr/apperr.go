// Package apperr описывает таксономию ошибок сервиса сверки бронирований.
package apperr

import (
	"errors"
	"fmt"
)

// Kind — категория ошибки, видимая клиенту.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindInvalidTransition    Kind = "invalid_transition"
	KindExhausted            Kind = "exhausted"
	KindConsistencyViolation Kind = "consistency_violation"
	KindStorageUnavailable   Kind = "storage_unavailable"
	KindNotFound             Kind = "not_found"
	KindForbidden            Kind = "forbidden"
	KindInternal             Kind = "internal"
)

// Error несёт категорию и сообщение для пользователя.
// Причина (Cause) доступна через errors.Unwrap, но клиенту не отдаётся.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is позволяет сравнивать ошибки по категории: errors.Is(err, apperr.ErrExhausted).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Маркеры категорий для errors.Is.
var (
	ErrValidation           = &Error{Kind: KindValidation}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrExhausted            = &Error{Kind: KindExhausted}
	ErrConsistencyViolation = &Error{Kind: KindConsistencyViolation}
	ErrStorageUnavailable   = &Error{Kind: KindStorageUnavailable}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrForbidden            = &Error{Kind: KindForbidden}
)

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation создаёт ошибку некорректных входных данных.
func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

// InvalidTransition создаёт ошибку недопустимого перехода состояния.
func InvalidTransition(format string, args ...any) *Error {
	return newf(KindInvalidTransition, format, args...)
}

// Exhausted создаёт ошибку исчерпанного лимита.
func Exhausted(format string, args ...any) *Error {
	return newf(KindExhausted, format, args...)
}

// ConsistencyViolation создаёт ошибку нарушения денежной согласованности.
func ConsistencyViolation(format string, args ...any) *Error {
	return newf(KindConsistencyViolation, format, args...)
}

// NotFound создаёт ошибку отсутствующей сущности.
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

// Forbidden создаёт ошибку недостаточных прав.
func Forbidden(format string, args ...any) *Error {
	return newf(KindForbidden, format, args...)
}

// StorageUnavailable оборачивает ошибку хранилища, после которой операцию можно повторить.
func StorageUnavailable(cause error) *Error {
	return &Error{Kind: KindStorageUnavailable, Message: "storage temporarily unavailable", Cause: cause}
}

// KindOf возвращает категорию ошибки; для неизвестных ошибок KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf возвращает сообщение, которое можно показать пользователю.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// Retryable сообщает, можно ли безопасно повторить операцию.
func Retryable(err error) bool {
	return KindOf(err) == KindStorageUnavailable
}
