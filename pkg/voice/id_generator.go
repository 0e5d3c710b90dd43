package voice

import (
	"github.com/google/uuid"
)

// CallID - сквозной идентификатор вызова. Связывает push-доставку,
// запись UI-провайдера и вызов движка.
type CallID string

func (id CallID) String() string {
	return string(id)
}

// NewCallID генерирует идентификатор для исходящего вызова.
// Входящие вызовы приходят с идентификатором из push-уведомления.
func NewCallID() CallID {
	return CallID(uuid.NewString())
}

// ParseCallID валидирует строковый идентификатор вызова.
// Принимаются любые непустые строки: идентификаторы входящих вызовов
// назначает внешний провайдер и их формат не наш.
func ParseCallID(s string) (CallID, bool) {
	if s == "" {
		return "", false
	}
	return CallID(s), true
}
