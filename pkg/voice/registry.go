package voice

import (
	"fmt"
)

// slotKind - содержимое слота реестра. Явный sum-тип вместо пары nullable
// указателей: одновременное присутствие invite и сессии непредставимо.
type slotKind int

const (
	slotEmpty slotKind = iota
	slotInvite
	slotSession
)

// Registry хранит не более одного ожидающего invite и не более одной
// активной сессии — система не поддерживает call waiting и мульти-вызов.
//
// Реестром владеет исключительно горутина координатора; все методы
// вызываются только из нее, поэтому синхронизация не нужна.
type Registry struct {
	kind    slotKind
	invite  *CallInvite
	session *CallSession
}

// NewRegistry создает пустой реестр.
func NewRegistry() *Registry {
	return &Registry{kind: slotEmpty}
}

// Empty возвращает true, если нет ни invite, ни сессии.
func (r *Registry) Empty() bool {
	return r.kind == slotEmpty
}

// PendingInvite возвращает ожидающий invite, если он есть.
func (r *Registry) PendingInvite() (*CallInvite, bool) {
	if r.kind != slotInvite {
		return nil, false
	}
	return r.invite, true
}

// ActiveSession возвращает активную сессию, если она есть.
func (r *Registry) ActiveSession() (*CallSession, bool) {
	if r.kind != slotSession {
		return nil, false
	}
	return r.session, true
}

// Matches сообщает, совпадает ли id с текущей записью реестра.
// Идентификаторы разных источников должны совпадать точно; несовпадение
// означает устаревшее или дублирующее событие.
func (r *Registry) Matches(id CallID) bool {
	switch r.kind {
	case slotInvite:
		return r.invite.ID == id
	case slotSession:
		return r.session.id == id
	default:
		return false
	}
}

// InstallInvite помещает invite в пустой реестр.
func (r *Registry) InstallInvite(invite *CallInvite) error {
	if r.kind != slotEmpty {
		return fmt.Errorf("registry occupied: %s", r.describe())
	}
	r.invite = invite
	r.kind = slotInvite
	return nil
}

// DiscardInvite убирает ожидающий invite с совпадающим id.
func (r *Registry) DiscardInvite(id CallID) (*CallInvite, bool) {
	if r.kind != slotInvite || r.invite.ID != id {
		return nil, false
	}
	invite := r.invite
	r.invite = nil
	r.kind = slotEmpty
	return invite, true
}

// PromoteInvite атомарно превращает ожидающий invite в сессию с тем же
// идентификатором. Одна мутация: промежуточного состояния, в котором видны
// и invite, и сессия, не существует.
func (r *Registry) PromoteInvite(id CallID, session *CallSession) error {
	if r.kind != slotInvite {
		return fmt.Errorf("no pending invite to promote")
	}
	if r.invite.ID != id || session.id != id {
		return fmt.Errorf("invite/session identity mismatch: invite=%s session=%s", r.invite.ID, session.id)
	}
	r.invite = nil
	r.session = session
	r.kind = slotSession
	return nil
}

// InstallSession помещает исходящую сессию в пустой реестр.
func (r *Registry) InstallSession(session *CallSession) error {
	if r.kind != slotEmpty {
		return fmt.Errorf("registry occupied: %s", r.describe())
	}
	r.session = session
	r.kind = slotSession
	return nil
}

// EvictSession убирает сессию с совпадающим id.
func (r *Registry) EvictSession(id CallID) (*CallSession, bool) {
	if r.kind != slotSession || r.session.id != id {
		return nil, false
	}
	session := r.session
	r.session = nil
	r.kind = slotEmpty
	return session, true
}

func (r *Registry) describe() string {
	switch r.kind {
	case slotInvite:
		return fmt.Sprintf("pending invite %s", r.invite.ID)
	case slotSession:
		return fmt.Sprintf("active session %s (%s)", r.session.id, r.session.State())
	default:
		return "empty"
	}
}
