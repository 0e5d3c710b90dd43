package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// Direction определяет направление вызова.
type Direction string

const (
	// DirectionIncoming - входящий вызов (создан из invite)
	DirectionIncoming Direction = "incoming"
	// DirectionOutgoing - исходящий вызов (создан командой dial)
	DirectionOutgoing Direction = "outgoing"
)

func (d Direction) String() string {
	return string(d)
}

// CallState определяет состояние сессии вызова.
type CallState string

const (
	// StateConnecting - движку отдана команда connect/accept, ждем ответа
	StateConnecting CallState = "Connecting"
	// StateConnected - вызов установлен
	StateConnected CallState = "Connected"
	// StateReconnecting - движок восстанавливает соединение
	StateReconnecting CallState = "Reconnecting"
	// StateDisconnecting - отдана команда disconnect, ждем подтверждения движка
	StateDisconnecting CallState = "Disconnecting"
	// StateTerminated - терминальное состояние; сессия сразу выселяется из реестра
	StateTerminated CallState = "Terminated"
)

func (s CallState) String() string {
	return string(s)
}

// IsTerminal возвращает true для терминального состояния.
func (s CallState) IsTerminal() bool {
	return s == StateTerminated
}

// EndReason - причина завершения вызова, отдаваемая UI-провайдеру.
type EndReason string

const (
	// EndReasonNormal - удаленная сторона завершила вызов
	EndReasonNormal EndReason = "normal"
	// EndReasonUserEnded - пользователь завершил вызов через UI
	EndReasonUserEnded EndReason = "userEnded"
	// EndReasonCancelled - invite отменен до ответа
	EndReasonCancelled EndReason = "cancelled"
	// EndReasonRejected - invite отклонен пользователем до ответа
	EndReasonRejected EndReason = "rejected"
	// EndReasonFailed - движок не смог установить соединение
	EndReasonFailed EndReason = "failed"
)

func (r EndReason) String() string {
	return string(r)
}

// CallInvite представляет не принятое предложение входящего вызова.
//
// Идентификатор связывает push-доставку, запись UI-провайдера и invite
// движка. Владеет invite исключительно реестр; одновременно существует
// не более одного.
type CallInvite struct {
	// ID - сквозной идентификатор вызова
	ID CallID
	// From - адрес вызывающего
	From string
	// To - адрес вызываемого
	To string
	// ReceivedAt - время получения push-уведомления
	ReceivedAt time.Time
}

// CallSession представляет вызов, дошедший до жизненного цикла
// connecting/connected/disconnecting.
//
// Состояние хранится в FSM; допустимые переходы заданы в initFSM.
// Сессия принадлежит реестру и мутируется только из горутины координатора,
// поэтому собственный мьютекс не нужен.
type CallSession struct {
	id        CallID
	direction Direction
	remote    string
	muted     bool
	startedAt time.Time
	endReason EndReason

	// Хэндл движка; nil пока движок не вернул handle
	handle CallHandle

	fsm *fsm.FSM
}

// newCallSession создает сессию в состоянии Connecting.
func newCallSession(id CallID, direction Direction, remote string) *CallSession {
	s := &CallSession{
		id:        id,
		direction: direction,
		remote:    remote,
	}
	s.initFSM()
	return s
}

// formEventName формирует имя события FSM в конвенции "SRC_to_DST".
func formEventName(src, dst CallState) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

// initFSM инициализирует конечный автомат сессии.
//
// Диаграмма переходов:
//
//	[Connecting] → [Connected] → [Reconnecting] → [Connected]
//	[Connecting|Connected|Reconnecting] → [Disconnecting] → [Terminated]
//	[Connecting|Connected|Reconnecting|Disconnecting] → [Terminated]
func (s *CallSession) initFSM() {
	s.fsm = fsm.NewFSM(
		string(StateConnecting),
		fsm.Events{
			{Name: formEventName(StateConnecting, StateConnected), Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: formEventName(StateConnected, StateReconnecting), Src: []string{string(StateConnected)}, Dst: string(StateReconnecting)},
			{Name: formEventName(StateReconnecting, StateConnected), Src: []string{string(StateReconnecting)}, Dst: string(StateConnected)},
			{Name: formEventName(StateConnecting, StateDisconnecting), Src: []string{string(StateConnecting)}, Dst: string(StateDisconnecting)},
			{Name: formEventName(StateConnected, StateDisconnecting), Src: []string{string(StateConnected)}, Dst: string(StateDisconnecting)},
			{Name: formEventName(StateReconnecting, StateDisconnecting), Src: []string{string(StateReconnecting)}, Dst: string(StateDisconnecting)},
			{Name: formEventName(StateConnecting, StateTerminated), Src: []string{string(StateConnecting)}, Dst: string(StateTerminated)},
			{Name: formEventName(StateConnected, StateTerminated), Src: []string{string(StateConnected)}, Dst: string(StateTerminated)},
			{Name: formEventName(StateReconnecting, StateTerminated), Src: []string{string(StateReconnecting)}, Dst: string(StateTerminated)},
			{Name: formEventName(StateDisconnecting, StateTerminated), Src: []string{string(StateDisconnecting)}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{},
	)
}

// setState переводит сессию в состояние next.
// Возвращает ошибку при недопустимом переходе.
func (s *CallSession) setState(next CallState) error {
	return s.fsm.Event(context.Background(), formEventName(s.State(), next))
}

// ID возвращает идентификатор вызова.
func (s *CallSession) ID() CallID {
	return s.id
}

// Direction возвращает направление вызова.
func (s *CallSession) Direction() Direction {
	return s.direction
}

// Remote возвращает адрес удаленной стороны.
func (s *CallSession) Remote() string {
	return s.remote
}

// State возвращает текущее состояние сессии.
func (s *CallSession) State() CallState {
	return CallState(s.fsm.Current())
}

// Muted возвращает текущий флаг mute.
func (s *CallSession) Muted() bool {
	return s.muted
}

// StartedAt возвращает время установления вызова (нулевое до Connected).
func (s *CallSession) StartedAt() time.Time {
	return s.startedAt
}

// EndReason возвращает причину завершения (пустая до терминации).
func (s *CallSession) EndReason() EndReason {
	return s.endReason
}

// RegistrationState хранит последний push-токен устройства и последний
// credential, использованный для регистрации в движке.
//
// Заполняется при каждом обновлении токена и каждой регистрации, явно не
// очищается. Читается координатором перед приемом входящего вызова: прием
// требует, чтобы оба значения наблюдались хотя бы один раз.
type RegistrationState struct {
	mu         sync.RWMutex
	token      string
	credential string
	registered bool
}

// NewRegistrationState создает пустое состояние регистрации.
func NewRegistrationState() *RegistrationState {
	return &RegistrationState{}
}

// UpdateToken фиксирует очередной push-токен (last-writer-wins).
func (r *RegistrationState) UpdateToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
}

// MarkRegistered фиксирует credential успешной регистрации.
func (r *RegistrationState) MarkRegistered(credential string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credential = credential
	r.registered = true
}

// Token возвращает последний наблюдавшийся push-токен.
func (r *RegistrationState) Token() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token
}

// Credential возвращает последний credential регистрации.
func (r *RegistrationState) Credential() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.credential
}

// TokenObserved сообщает, наблюдался ли push-токен хотя бы один раз.
func (r *RegistrationState) TokenObserved() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token != ""
}

// Registered сообщает, была ли успешная регистрация в движке.
func (r *RegistrationState) Registered() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registered
}

// Ready сообщает, можно ли принимать входящий вызов:
// и токен, и credential должны были наблюдаться хотя бы один раз.
func (r *RegistrationState) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token != "" && r.credential != ""
}
