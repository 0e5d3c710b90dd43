package voice

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory - классификация ошибок командной поверхности.
type ErrorCategory string

const (
	// ErrorCategoryValidation - невалидные аргументы команды;
	// возвращается вызывающему немедленно, состояние не меняется
	ErrorCategoryValidation ErrorCategory = "VALIDATION"
	// ErrorCategoryPrecondition - команда в состоянии, которое ее
	// запрещает (не зарегистрированы, нет ожидающего invite)
	ErrorCategoryPrecondition ErrorCategory = "PRECONDITION"
	// ErrorCategoryEngine - ошибка движка или платформы
	ErrorCategoryEngine ErrorCategory = "ENGINE"
)

func (c ErrorCategory) String() string {
	return string(c)
}

// Коды ошибок командной поверхности.
const (
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeMissingDeviceToken  = "MISSING_DEVICE_TOKEN"
	CodeInitializationError = "INITIALIZATION_ERROR"
	CodeNotInitialized      = "NOT_INITIALIZED"
	CodeCallError           = "CALL_ERROR"
	CodeNoIncomingCall      = "NO_INCOMING_CALL"
	CodeAcceptError         = "ACCEPT_ERROR"
	CodeHangupError         = "HANGUP_ERROR"
	CodeMuteError           = "MUTE_ERROR"
	CodeSpeakerError        = "SPEAKER_ERROR"
)

// CallError - структурированная ошибка с кодом и категорией.
type CallError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Category  ErrorCategory          `json:"category"`
	CallID    CallID                 `json:"call_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"-"`
}

// Error реализует интерфейс error.
func (e *CallError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("[%s:%s] %s (call %s)", e.Category, e.Code, e.Message, e.CallID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As.
func (e *CallError) Unwrap() error {
	return e.Cause
}

// WithField добавляет поле контекста к ошибке.
func (e *CallError) WithField(key string, value interface{}) *CallError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку.
func (e *CallError) WithCause(cause error) *CallError {
	e.Cause = cause
	if cause != nil && e.Message == "" {
		e.Message = cause.Error()
	}
	return e
}

// NewCallError создает новую структурированную ошибку.
func NewCallError(code, message string, category ErrorCategory) *CallError {
	return &CallError{
		Code:      code,
		Message:   message,
		Category:  category,
		Timestamp: time.Now(),
	}
}

// Предопределенные конструкторы для кодов командной поверхности.

func ErrInvalidArgument(message string) *CallError {
	return NewCallError(CodeInvalidArgument, message, ErrorCategoryValidation)
}

func ErrMissingDeviceToken() *CallError {
	return NewCallError(CodeMissingDeviceToken, "device push token has not been observed yet", ErrorCategoryPrecondition)
}

func ErrInitialization(cause error) *CallError {
	return NewCallError(CodeInitializationError, "engine registration failed", ErrorCategoryEngine).WithCause(cause)
}

func ErrNotInitialized() *CallError {
	return NewCallError(CodeNotInitialized, "not registered with the call engine", ErrorCategoryPrecondition)
}

func ErrCall(cause error) *CallError {
	return NewCallError(CodeCallError, "outbound call failed", ErrorCategoryEngine).WithCause(cause)
}

func ErrNoIncomingCall() *CallError {
	return NewCallError(CodeNoIncomingCall, "no incoming call to accept", ErrorCategoryPrecondition)
}

func ErrAccept(cause error) *CallError {
	return NewCallError(CodeAcceptError, "failed to accept invite", ErrorCategoryEngine).WithCause(cause)
}

func ErrHangup(cause error) *CallError {
	return NewCallError(CodeHangupError, "failed to hang up", ErrorCategoryEngine).WithCause(cause)
}

func ErrMute(cause error) *CallError {
	return NewCallError(CodeMuteError, "failed to change mute", ErrorCategoryEngine).WithCause(cause)
}

func ErrSpeaker(cause error) *CallError {
	return NewCallError(CodeSpeakerError, "failed to change audio route", ErrorCategoryEngine).WithCause(cause)
}

// GetErrorCode извлекает код ошибки командной поверхности.
func GetErrorCode(err error) string {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "UNKNOWN_ERROR"
}

// GetErrorCategory извлекает категорию ошибки.
func GetErrorCategory(err error) ErrorCategory {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ErrorCategoryEngine
}
