package voice

// Порты способностей. Чистые контракты без логики: каждая реализация
// привязана к одному реальному бэкенду, тесты подставляют фейки.
//
// Колбэки портов приходят из произвольных контекстов исполнения и не должны
// трогать реестр напрямую; координатор реализует handler-интерфейсы и
// переправляет каждый колбэк в свою очередь событий.

// PushHandler принимает уведомления push-источника.
type PushHandler interface {
	// HandleTokenRefresh вызывается при обновлении push-токена устройства.
	HandleTokenRefresh(token string)
	// HandleInboundOffer вызывается для каждого декодированного
	// входящего предложения вызова. Ошибки декодирования адаптер
	// логирует и отбрасывает сам, сюда они не попадают.
	HandleInboundOffer(invite CallInvite)
}

// CallUIProvider - команды нативному UI звонка.
type CallUIProvider interface {
	// ReportIncoming показывает входящий вызов. Ошибка означает, что UI
	// не смог показать вызов; invite при этом отбрасывается без повтора.
	ReportIncoming(id CallID, remote string) error
	// ReportEnded убирает запись вызова из UI. Fire-and-forget.
	ReportEnded(id CallID, reason EndReason)
	// Reset сбрасывает внутреннее состояние UI. Идемпотентен.
	Reset()
}

// UIHandler принимает действия пользователя из нативного UI.
type UIHandler interface {
	// HandleAnswerRequested - пользователь принял вызов
	HandleAnswerRequested(id CallID)
	// HandleEndRequested - пользователь завершил/отклонил вызов
	HandleEndRequested(id CallID)
	// HandleMuteRequested - пользователь переключил mute
	HandleMuteRequested(id CallID, muted bool)
	// HandleProviderReset - UI-провайдер сброшен извне (аналог
	// системного reset); трактуется как end-request для активного вызова
	HandleProviderReset()
}

// CallHandle - непрозрачный хэндл вызова, выданный движком.
type CallHandle interface {
	ID() CallID
}

// CallEngine - удаленный SDK вызовов.
type CallEngine interface {
	// Register регистрирует устройство в движке. Одна попытка, без retry.
	Register(credential, token string) error
	// ConnectOutbound начинает исходящий вызов
	ConnectOutbound(credential, destination string, params map[string]string) (CallHandle, error)
	// AcceptInvite принимает входящий invite
	AcceptInvite(invite CallInvite) (CallHandle, error)
	// RejectInvite отклоняет входящий invite
	RejectInvite(invite CallInvite) error
	// Disconnect завершает вызов
	Disconnect(handle CallHandle) error
	// SetMuted переключает mute
	SetMuted(handle CallHandle, muted bool) error
}

// EngineHandler принимает колбэки движка вызовов.
type EngineHandler interface {
	HandleRinging(id CallID)
	HandleConnected(id CallID)
	HandleReconnecting(id CallID)
	HandleReconnected(id CallID)
	HandleDisconnected(id CallID, reason string)
	HandleFailedToConnect(id CallID, reason string)
	HandleInviteReceived(invite CallInvite)
	HandleInviteCancelled(id CallID, reason string)
}

// AudioRouter - внешний коллаборатор маршрутизации звука.
// Не часть ядра; по умолчанию используется no-op реализация.
type AudioRouter interface {
	SetSpeaker(on bool) error
}

// NopAudioRouter - заглушка маршрутизации звука.
type NopAudioRouter struct{}

func (NopAudioRouter) SetSpeaker(on bool) error { return nil }
