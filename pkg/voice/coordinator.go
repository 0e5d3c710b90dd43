package voice

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// Проверяем, что Coordinator реализует handler-интерфейсы портов
var (
	_ PushHandler   = (*Coordinator)(nil)
	_ UIHandler     = (*Coordinator)(nil)
	_ EngineHandler = (*Coordinator)(nil)
)

// Config - конфигурация координатора.
type Config struct {
	// UIProvider - нативный UI звонка (обязателен)
	UIProvider CallUIProvider

	// Engine - движок вызовов (обязателен)
	Engine CallEngine

	// Audio - маршрутизация звука; nil означает no-op
	Audio AudioRouter

	// Logger - структурный логгер; nil означает slog.Default()
	Logger *slog.Logger

	// Metrics - сборщик метрик; nil отключает метрики
	Metrics *MetricsCollector

	// QueueSize - емкость очереди событий (по умолчанию 64)
	QueueSize int
}

// Validate проверяет конфигурацию и проставляет значения по умолчанию.
func (c *Config) Validate() error {
	if c.UIProvider == nil {
		return errors.New("UIProvider is required")
	}
	if c.Engine == nil {
		return errors.New("Engine is required")
	}
	if c.Audio == nil {
		c.Audio = NopAudioRouter{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return nil
}

// command - закрытие, исполняемое на горутине координатора.
type command struct {
	run   func() error
	reply chan error
}

// Coordinator - машина состояний сессии вызова.
//
// Все входящие события, независимо от источника, и все команды приложения
// проходят через одну горутину (Run). Применение таблицы переходов поэтому
// атомарно относительно реестра; ни один переход не начинается, пока не
// завершился предыдущий. Команды портам, отдаваемые внутри перехода,
// являются fire-and-forget: их колбэки возвращаются новыми событиями,
// а не ожидаются на месте.
type Coordinator struct {
	ui      CallUIProvider
	engine  CallEngine
	audio   AudioRouter
	log     *slog.Logger
	metrics *MetricsCollector

	registry  *Registry
	regState  *RegistrationState
	publisher *Publisher

	events   chan Event
	commands chan command
	done     chan struct{}
}

// NewCoordinator создает координатор. Запуск - через Run.
func NewCoordinator(cfg *Config) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid coordinator config")
	}

	return &Coordinator{
		ui:        cfg.UIProvider,
		engine:    cfg.Engine,
		audio:     cfg.Audio,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		registry:  NewRegistry(),
		regState:  NewRegistrationState(),
		publisher: NewPublisher(),
		events:    make(chan Event, cfg.QueueSize),
		commands:  make(chan command),
		done:      make(chan struct{}),
	}, nil
}

// Events возвращает издателя lifecycle-событий для подписки приложения.
func (c *Coordinator) Events() *Publisher {
	return c.publisher
}

// Registration возвращает состояние регистрации (только чтение снаружи).
func (c *Coordinator) Registration() *RegistrationState {
	return c.regState
}

// Run запускает цикл координатора и блокируется до отмены контекста.
// Единственная точка сериализации: реестр и состояние регистрации
// мутируются только отсюда.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)

	c.log.Info("Coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("Coordinator stopped")
			return
		case ev := <-c.events:
			c.apply(ev)
		case cmd := <-c.commands:
			cmd.reply <- cmd.run()
		}
	}
}

// enqueue ставит событие в очередь координатора.
// Вызывается из колбэков портов; после остановки события отбрасываются.
func (c *Coordinator) enqueue(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
		c.log.Debug("Coordinator.enqueue dropped event after stop",
			slog.String("kind", ev.Kind.String()))
	}
}

// do выполняет fn на горутине координатора и возвращает ее результат.
func (c *Coordinator) do(fn func() error) error {
	cmd := command{run: fn, reply: make(chan error, 1)}
	select {
	case c.commands <- cmd:
	case <-c.done:
		return errors.New("coordinator is not running")
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return errors.New("coordinator is not running")
	}
}

// commandErr учитывает ошибку командной поверхности в метриках.
func (c *Coordinator) commandErr(err error) error {
	if err != nil {
		c.metrics.CommandError(GetErrorCode(err))
	}
	return err
}

// --- Командная поверхность приложения ---

// Register регистрирует устройство в движке вызовов.
// Требует, чтобы push-токен уже наблюдался. Одна попытка, без retry.
func (c *Coordinator) Register(credential string) error {
	if credential == "" {
		return c.commandErr(ErrInvalidArgument("access token is required"))
	}
	return c.commandErr(c.do(func() error {
		if !c.regState.TokenObserved() {
			return ErrMissingDeviceToken()
		}
		if err := c.engine.Register(credential, c.regState.Token()); err != nil {
			return ErrInitialization(err)
		}
		c.regState.MarkRegistered(credential)
		c.log.Info("Coordinator registered with call engine")
		return nil
	}))
}

// Dial начинает исходящий вызов.
func (c *Coordinator) Dial(destination string, params map[string]string) error {
	if destination == "" {
		return c.commandErr(ErrInvalidArgument("destination number is required"))
	}
	return c.commandErr(c.do(func() error {
		if !c.regState.Registered() {
			return ErrNotInitialized()
		}
		if !c.registry.Empty() {
			return ErrCall(errors.New("another call is already in progress"))
		}

		handle, err := c.engine.ConnectOutbound(c.regState.Credential(), destination, params)
		if err != nil {
			return ErrCall(err)
		}

		session := newCallSession(handle.ID(), DirectionOutgoing, destination)
		session.handle = handle
		if err := c.registry.InstallSession(session); err != nil {
			return ErrCall(err)
		}

		c.metrics.CallStarted(DirectionOutgoing)
		c.log.Info("Coordinator.Dial outbound call started",
			slog.String("callID", session.id.String()),
			slog.String("to", destination))
		c.publish(LifecycleEvent{
			State:     LifecycleConnecting,
			Direction: DirectionOutgoing,
			CallID:    session.id,
			Remote:    destination,
		})
		return nil
	}))
}

// AcceptInvite принимает ожидающий входящий вызов.
func (c *Coordinator) AcceptInvite() error {
	return c.commandErr(c.do(func() error {
		invite, ok := c.registry.PendingInvite()
		if !ok {
			return ErrNoIncomingCall()
		}
		return c.acceptPending(invite)
	}))
}

// Hangup завершает активный вызов или отклоняет ожидающий invite.
// Толерантен к отсутствию вызова.
func (c *Coordinator) Hangup() error {
	return c.commandErr(c.do(func() error {
		if session, ok := c.registry.ActiveSession(); ok {
			if session.State() == StateDisconnecting {
				return nil
			}
			if err := c.beginDisconnect(session, EndReasonUserEnded); err != nil {
				return ErrHangup(err)
			}
			return nil
		}
		if invite, ok := c.registry.PendingInvite(); ok {
			if err := c.engine.RejectInvite(*invite); err != nil {
				return ErrHangup(err)
			}
			c.registry.DiscardInvite(invite.ID)
			c.ui.ReportEnded(invite.ID, EndReasonRejected)
			c.publish(LifecycleEvent{
				State:     LifecycleDisconnected,
				Direction: DirectionIncoming,
				CallID:    invite.ID,
				Remote:    invite.From,
			})
			return nil
		}
		return nil
	}))
}

// SetMute переключает mute активного вызова.
// Без активного вызова - no-op.
func (c *Coordinator) SetMute(muted bool) error {
	return c.commandErr(c.do(func() error {
		session, ok := c.registry.ActiveSession()
		if !ok {
			return nil
		}
		if err := c.engine.SetMuted(session.handle, muted); err != nil {
			return ErrMute(err)
		}
		session.muted = muted
		return nil
	}))
}

// SetSpeaker переключает маршрутизацию звука на громкую связь.
// Делегируется внешнему коллаборатору, не части ядра.
func (c *Coordinator) SetSpeaker(on bool) error {
	return c.commandErr(c.do(func() error {
		if err := c.audio.SetSpeaker(on); err != nil {
			return ErrSpeaker(err)
		}
		return nil
	}))
}

// --- Handler-интерфейсы портов: нормализация и постановка в очередь ---

func (c *Coordinator) HandleTokenRefresh(token string) {
	c.enqueue(NormalizeTokenRefresh(token))
}

func (c *Coordinator) HandleInboundOffer(invite CallInvite) {
	c.enqueue(NormalizeInboundOffer(invite))
}

func (c *Coordinator) HandleAnswerRequested(id CallID) {
	c.enqueue(NormalizeAnswerRequested(id))
}

func (c *Coordinator) HandleEndRequested(id CallID) {
	c.enqueue(NormalizeEndRequested(id))
}

func (c *Coordinator) HandleMuteRequested(id CallID, muted bool) {
	c.enqueue(NormalizeMuteRequested(id, muted))
}

func (c *Coordinator) HandleProviderReset() {
	c.enqueue(NormalizeProviderReset())
}

func (c *Coordinator) HandleRinging(id CallID) {
	c.enqueue(NormalizeRinging(id))
}

func (c *Coordinator) HandleConnected(id CallID) {
	c.enqueue(NormalizeConnected(id))
}

func (c *Coordinator) HandleReconnecting(id CallID) {
	c.enqueue(NormalizeReconnecting(id))
}

func (c *Coordinator) HandleReconnected(id CallID) {
	c.enqueue(NormalizeReconnected(id))
}

func (c *Coordinator) HandleDisconnected(id CallID, reason string) {
	c.enqueue(NormalizeDisconnected(id, reason))
}

func (c *Coordinator) HandleFailedToConnect(id CallID, reason string) {
	c.enqueue(NormalizeFailedToConnect(id, reason))
}

func (c *Coordinator) HandleInviteReceived(invite CallInvite) {
	c.enqueue(NormalizeInboundOffer(invite))
}

func (c *Coordinator) HandleInviteCancelled(id CallID, reason string) {
	c.enqueue(NormalizeInviteCancelled(id, reason))
}

// --- Применение таблицы переходов ---

// apply применяет одно нормализованное событие.
// Вызывается только из Run; любая не описанная таблицей комбинация
// состояние/событие игнорируется - это защита от дубликатов и
// перепутанного порядка колбэков, а не ошибка.
func (c *Coordinator) apply(ev Event) {
	c.metrics.EventProcessed(ev.Kind)
	c.log.Debug("Coordinator.apply",
		slog.String("kind", ev.Kind.String()),
		slog.String("callID", ev.CallID.String()))

	switch ev.Kind {
	case EventTokenUpdated:
		c.regState.UpdateToken(ev.Token)
	case EventInviteArrived:
		c.onInviteArrived(*ev.Invite)
	case EventInviteCancelled:
		c.onInviteCancelled(ev.CallID)
	case EventUIAnswerRequested:
		c.onAnswerRequested(ev.CallID)
	case EventUIEndRequested:
		c.onEndRequested(ev.CallID)
	case EventUIMuteRequested:
		c.onMuteRequested(ev.CallID, ev.Muted)
	case EventUIProviderReset:
		c.onProviderReset()
	case EventEngineRinging:
		// информационное, реестр не меняется
	case EventEngineConnected:
		c.onEngineConnected(ev.CallID)
	case EventEngineReconnecting:
		c.onEngineReconnecting(ev.CallID)
	case EventEngineReconnected:
		c.onEngineReconnected(ev.CallID)
	case EventEngineDisconnected:
		c.onEngineDown(ev.CallID, ev.Reason, false)
	case EventEngineFailedToConnect:
		c.onEngineDown(ev.CallID, ev.Reason, true)
	default:
		c.log.Debug("Coordinator.apply unknown event kind",
			slog.String("kind", ev.Kind.String()))
	}
}

// onInviteArrived обрабатывает входящее предложение вызова.
func (c *Coordinator) onInviteArrived(invite CallInvite) {
	if !c.registry.Empty() {
		// Второй invite при занятом реестре отклоняется на границе порта
		// и не мутирует состояние: система держит ровно один вызов.
		c.metrics.InviteRejected()
		if err := c.engine.RejectInvite(invite); err != nil {
			c.log.Debug("Coordinator.onInviteArrived reject failed",
				slog.String("callID", invite.ID.String()),
				slog.String("error", err.Error()))
		}
		c.log.Info("Coordinator.onInviteArrived invite rejected, registry occupied",
			slog.String("callID", invite.ID.String()))
		return
	}

	if invite.ReceivedAt.IsZero() {
		invite.ReceivedAt = time.Now()
	}
	stored := invite
	if err := c.registry.InstallInvite(&stored); err != nil {
		c.log.Warn("Coordinator.onInviteArrived install failed",
			slog.String("error", err.Error()))
		return
	}

	if err := c.ui.ReportIncoming(invite.ID, invite.From); err != nil {
		// UI не смог показать вызов; без повтора, чтобы реестр не держал
		// запись, которую никакой UI не показывает
		c.registry.DiscardInvite(invite.ID)
		if rerr := c.engine.RejectInvite(invite); rerr != nil {
			c.log.Debug("Coordinator.onInviteArrived reject after UI failure failed",
				slog.String("error", rerr.Error()))
		}
		c.log.Warn("Coordinator.onInviteArrived UI report failed, invite discarded",
			slog.String("callID", invite.ID.String()),
			slog.String("error", err.Error()))
		return
	}

	c.log.Info("Coordinator.onInviteArrived invite ringing",
		slog.String("callID", invite.ID.String()),
		slog.String("from", invite.From))
	c.publish(LifecycleEvent{
		State:     LifecycleRinging,
		Direction: DirectionIncoming,
		CallID:    invite.ID,
		Remote:    invite.From,
	})
}

// onInviteCancelled обрабатывает отмену invite удаленной стороной.
// После отмены invite больше не pending, reject движку не отдается.
func (c *Coordinator) onInviteCancelled(id CallID) {
	invite, ok := c.registry.DiscardInvite(id)
	if !ok {
		c.ignoreStale(EventInviteCancelled, id)
		return
	}

	c.ui.ReportEnded(invite.ID, EndReasonCancelled)
	c.log.Info("Coordinator.onInviteCancelled invite cancelled",
		slog.String("callID", id.String()))
	c.publish(LifecycleEvent{
		State:     LifecycleDisconnected,
		Direction: DirectionIncoming,
		CallID:    id,
		Remote:    invite.From,
	})
}

// acceptPending конвертирует ожидающий invite в сессию.
// Прием требует, чтобы и push-токен, и credential наблюдались хотя бы раз.
func (c *Coordinator) acceptPending(invite *CallInvite) error {
	if !c.regState.Ready() {
		return ErrAccept(errors.New("registration state not populated"))
	}

	handle, err := c.engine.AcceptInvite(*invite)
	if err != nil {
		return ErrAccept(err)
	}

	session := newCallSession(invite.ID, DirectionIncoming, invite.From)
	session.handle = handle
	// Атомарная конвертация: invite исчезает и сессия появляется одной
	// мутацией реестра, промежуточного состояния нет
	if err := c.registry.PromoteInvite(invite.ID, session); err != nil {
		return ErrAccept(err)
	}

	c.metrics.CallStarted(DirectionIncoming)
	c.log.Info("Coordinator.acceptPending invite accepted",
		slog.String("callID", invite.ID.String()))
	c.publish(LifecycleEvent{
		State:     LifecycleConnecting,
		Direction: DirectionIncoming,
		CallID:    invite.ID,
		Remote:    invite.From,
	})
	return nil
}

// onAnswerRequested обрабатывает прием вызова из нативного UI.
// Пустой id означает "текущий pending invite": UI-клиент может не
// передать callSid.
func (c *Coordinator) onAnswerRequested(id CallID) {
	invite, ok := c.registry.PendingInvite()
	if !ok || (id != "" && invite.ID != id) {
		c.ignoreStale(EventUIAnswerRequested, id)
		return
	}
	if err := c.acceptPending(invite); err != nil {
		c.log.Warn("Coordinator.onAnswerRequested accept failed",
			slog.String("callID", invite.ID.String()),
			slog.String("error", err.Error()))
	}
}

// onEndRequested обрабатывает завершение/отклонение вызова из нативного UI.
func (c *Coordinator) onEndRequested(id CallID) {
	if invite, ok := c.registry.PendingInvite(); ok && invite.ID == id {
		c.registry.DiscardInvite(id)
		if err := c.engine.RejectInvite(*invite); err != nil {
			c.log.Debug("Coordinator.onEndRequested reject failed",
				slog.String("error", err.Error()))
		}
		c.log.Info("Coordinator.onEndRequested invite rejected by user",
			slog.String("callID", id.String()))
		c.publish(LifecycleEvent{
			State:     LifecycleDisconnected,
			Direction: DirectionIncoming,
			CallID:    id,
			Remote:    invite.From,
		})
		return
	}

	if session, ok := c.registry.ActiveSession(); ok && session.id == id {
		if session.State() == StateDisconnecting {
			return
		}
		if err := c.beginDisconnect(session, EndReasonUserEnded); err != nil {
			c.log.Warn("Coordinator.onEndRequested disconnect failed",
				slog.String("callID", id.String()),
				slog.String("error", err.Error()))
		}
		return
	}

	c.ignoreStale(EventUIEndRequested, id)
}

// onProviderReset обрабатывает внешний сброс UI-провайдера.
// Эквивалент end-request для любого активного вызова; в Idle - no-op.
func (c *Coordinator) onProviderReset() {
	if invite, ok := c.registry.PendingInvite(); ok {
		c.registry.DiscardInvite(invite.ID)
		if err := c.engine.RejectInvite(*invite); err != nil {
			c.log.Debug("Coordinator.onProviderReset reject failed",
				slog.String("error", err.Error()))
		}
		c.publish(LifecycleEvent{
			State:     LifecycleDisconnected,
			Direction: DirectionIncoming,
			CallID:    invite.ID,
			Remote:    invite.From,
		})
		return
	}

	if session, ok := c.registry.ActiveSession(); ok {
		if session.State() == StateDisconnecting {
			return
		}
		if err := c.beginDisconnect(session, EndReasonUserEnded); err != nil {
			c.log.Warn("Coordinator.onProviderReset disconnect failed",
				slog.String("callID", session.id.String()),
				slog.String("error", err.Error()))
		}
		return
	}

	c.log.Debug("Coordinator.onProviderReset while idle")
}

// onMuteRequested обрабатывает переключение mute из нативного UI.
// Без активной сессии команда движку не выдается.
func (c *Coordinator) onMuteRequested(id CallID, muted bool) {
	session, ok := c.registry.ActiveSession()
	if !ok {
		c.log.Debug("Coordinator.onMuteRequested without active session")
		return
	}
	if id != "" && session.id != id {
		c.ignoreStale(EventUIMuteRequested, id)
		return
	}
	if err := c.engine.SetMuted(session.handle, muted); err != nil {
		c.log.Warn("Coordinator.onMuteRequested engine error",
			slog.String("callID", session.id.String()),
			slog.String("error", err.Error()))
		return
	}
	session.muted = muted
}

// beginDisconnect отдает движку команду disconnect и переводит сессию
// в Disconnecting. Терминация завершится событием EngineDisconnected.
func (c *Coordinator) beginDisconnect(session *CallSession, reason EndReason) error {
	if err := c.engine.Disconnect(session.handle); err != nil {
		return err
	}
	prev := session.State()
	session.endReason = reason
	if err := session.setState(StateDisconnecting); err != nil {
		return err
	}
	c.metrics.Transition(prev, StateDisconnecting)
	c.log.Info("Coordinator.beginDisconnect",
		slog.String("callID", session.id.String()),
		slog.String("from", prev.String()))
	return nil
}

// onEngineConnected обрабатывает установление вызова движком.
func (c *Coordinator) onEngineConnected(id CallID) {
	session, ok := c.registry.ActiveSession()
	if !ok || session.id != id {
		c.ignoreStale(EventEngineConnected, id)
		return
	}
	prev := session.State()
	if err := session.setState(StateConnected); err != nil {
		// дубликат или неожиданный порядок колбэков
		c.ignoreStale(EventEngineConnected, id)
		return
	}
	if session.startedAt.IsZero() {
		session.startedAt = time.Now()
	}
	c.metrics.Transition(prev, StateConnected)
	c.log.Info("Coordinator.onEngineConnected call connected",
		slog.String("callID", id.String()))
	c.publish(LifecycleEvent{
		State:     LifecycleConnected,
		Direction: session.direction,
		CallID:    id,
		Remote:    session.remote,
	})
}

// onEngineReconnecting обрабатывает потерю соединения движком.
func (c *Coordinator) onEngineReconnecting(id CallID) {
	session, ok := c.registry.ActiveSession()
	if !ok || session.id != id {
		c.ignoreStale(EventEngineReconnecting, id)
		return
	}
	prev := session.State()
	if err := session.setState(StateReconnecting); err != nil {
		c.ignoreStale(EventEngineReconnecting, id)
		return
	}
	c.metrics.Transition(prev, StateReconnecting)
	c.publish(LifecycleEvent{
		State:     LifecycleConnecting,
		Direction: session.direction,
		CallID:    id,
		Remote:    session.remote,
	})
}

// onEngineReconnected обрабатывает восстановление соединения.
func (c *Coordinator) onEngineReconnected(id CallID) {
	session, ok := c.registry.ActiveSession()
	if !ok || session.id != id || session.State() != StateReconnecting {
		c.ignoreStale(EventEngineReconnected, id)
		return
	}
	if err := session.setState(StateConnected); err != nil {
		c.ignoreStale(EventEngineReconnected, id)
		return
	}
	c.metrics.Transition(StateReconnecting, StateConnected)
	c.publish(LifecycleEvent{
		State:     LifecycleConnected,
		Direction: session.direction,
		CallID:    id,
		Remote:    session.remote,
	})
}

// onEngineDown обрабатывает отключение или отказ соединения.
// Любой путь ошибки разрешается в терминальное состояние и возврат в Idle.
func (c *Coordinator) onEngineDown(id CallID, reason string, failed bool) {
	session, ok := c.registry.ActiveSession()
	if !ok || session.id != id {
		c.ignoreStale(EventEngineDisconnected, id)
		return
	}

	prev := session.State()
	endReason := session.endReason
	if endReason == "" {
		if failed {
			endReason = EndReasonFailed
		} else {
			endReason = EndReasonNormal
		}
	}
	session.endReason = endReason
	if err := session.setState(StateTerminated); err != nil {
		c.ignoreStale(EventEngineDisconnected, id)
		return
	}

	c.ui.ReportEnded(id, endReason)

	var duration time.Duration
	if !session.startedAt.IsZero() {
		duration = time.Since(session.startedAt)
	}
	c.metrics.Transition(prev, StateTerminated)
	c.metrics.CallEnded(duration)

	// Terminated - транзитная бухгалтерия: сессия сразу выселяется,
	// реестр возвращается в Idle для следующего вызова
	c.registry.EvictSession(id)

	state := LifecycleDisconnected
	var errText string
	if failed {
		state = LifecycleFailed
		errText = reason
	}
	c.log.Info("Coordinator.onEngineDown call terminated",
		slog.String("callID", id.String()),
		slog.String("reason", endReason.String()),
		slog.Bool("failed", failed))
	c.publish(LifecycleEvent{
		State:     state,
		Direction: session.direction,
		CallID:    id,
		Remote:    session.remote,
		Error:     errText,
	})
}

// ignoreStale учитывает устаревшее/дублирующее событие.
// Несовпадение идентификаторов ожидаемо при конкурентной доставке
// и не является ошибкой - только debug-лог и счетчик.
func (c *Coordinator) ignoreStale(kind EventKind, id CallID) {
	c.metrics.StaleEvent()
	c.log.Debug("Coordinator stale event ignored",
		slog.String("kind", kind.String()),
		slog.String("callID", id.String()))
}

// publish рассылает lifecycle-событие подписчикам в порядке координатора.
func (c *Coordinator) publish(ev LifecycleEvent) {
	c.publisher.publish(ev)
}
