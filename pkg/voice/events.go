package voice

// EventKind - закрытый словарь нормализованных событий сессии.
type EventKind string

const (
	EventTokenUpdated          EventKind = "TokenUpdated"
	EventInviteArrived         EventKind = "InviteArrived"
	EventInviteCancelled       EventKind = "InviteCancelled"
	EventUIAnswerRequested     EventKind = "UIAnswerRequested"
	EventUIEndRequested        EventKind = "UIEndRequested"
	EventUIMuteRequested       EventKind = "UIMuteRequested"
	EventUIProviderReset       EventKind = "UIProviderReset"
	EventEngineRinging         EventKind = "EngineRinging"
	EventEngineConnected       EventKind = "EngineConnected"
	EventEngineReconnecting    EventKind = "EngineReconnecting"
	EventEngineReconnected     EventKind = "EngineReconnected"
	EventEngineDisconnected    EventKind = "EngineDisconnected"
	EventEngineFailedToConnect EventKind = "EngineFailedToConnect"
)

func (k EventKind) String() string {
	return string(k)
}

// Event - нормализованное событие сессии.
//
// Поля заполняются в зависимости от Kind: Invite только для InviteArrived,
// Muted только для UIMuteRequested, Reason для отмен и отключений.
type Event struct {
	Kind   EventKind
	CallID CallID
	Token  string
	Invite *CallInvite
	Muted  bool
	Reason string
}

// Нормализация чистая и не обращается к реестру: каждый сырой колбэк порта
// отображается в ровно одно событие словаря. Благодаря этому логика
// переходов координатора тестируется простой инъекцией событий, без фейков
// платформы.

func NormalizeTokenRefresh(token string) Event {
	return Event{Kind: EventTokenUpdated, Token: token}
}

func NormalizeInboundOffer(invite CallInvite) Event {
	inv := invite
	return Event{Kind: EventInviteArrived, CallID: invite.ID, Invite: &inv}
}

func NormalizeInviteCancelled(id CallID, reason string) Event {
	return Event{Kind: EventInviteCancelled, CallID: id, Reason: reason}
}

func NormalizeAnswerRequested(id CallID) Event {
	return Event{Kind: EventUIAnswerRequested, CallID: id}
}

func NormalizeEndRequested(id CallID) Event {
	return Event{Kind: EventUIEndRequested, CallID: id}
}

func NormalizeMuteRequested(id CallID, muted bool) Event {
	return Event{Kind: EventUIMuteRequested, CallID: id, Muted: muted}
}

func NormalizeProviderReset() Event {
	return Event{Kind: EventUIProviderReset}
}

func NormalizeRinging(id CallID) Event {
	return Event{Kind: EventEngineRinging, CallID: id}
}

func NormalizeConnected(id CallID) Event {
	return Event{Kind: EventEngineConnected, CallID: id}
}

func NormalizeReconnecting(id CallID) Event {
	return Event{Kind: EventEngineReconnecting, CallID: id}
}

func NormalizeReconnected(id CallID) Event {
	return Event{Kind: EventEngineReconnected, CallID: id}
}

func NormalizeDisconnected(id CallID, reason string) Event {
	return Event{Kind: EventEngineDisconnected, CallID: id, Reason: reason}
}

func NormalizeFailedToConnect(id CallID, reason string) Event {
	return Event{Kind: EventEngineFailedToConnect, CallID: id, Reason: reason}
}
