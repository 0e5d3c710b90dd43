// Package uibridge соединяет координатор с нативным UI звонка по WebSocket.
//
// UI-клиент один: новое подключение вытесняет предыдущее. Мост играет две
// роли: наружу он UI-провайдер (показать входящий, убрать запись), внутрь -
// источник действий пользователя (answer, end, mute, reset).
package uibridge

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/arzzra/voice_bridge/pkg/voice"
)

var _ voice.CallUIProvider = (*Bridge)(nil)

// outboundMessage - сообщение моста UI-клиенту.
type outboundMessage struct {
	Type    string `json:"type"`
	CallSid string `json:"callSid,omitempty"`
	From    string `json:"from,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// inboundAction - действие пользователя от UI-клиента.
type inboundAction struct {
	Action  string `json:"action"`
	CallSid string `json:"callSid,omitempty"`
	Muted   bool   `json:"muted,omitempty"`
}

// Bridge - WebSocket-мост к нативному UI звонка.
type Bridge struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	handler voice.UIHandler
	conn    *websocket.Conn
}

// New создает мост. Обработчик действий устанавливается через SetHandler.
func New(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetHandler устанавливает получателя действий пользователя.
func (b *Bridge) SetHandler(h voice.UIHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *Bridge) currentHandler() voice.UIHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

// ServeHTTP принимает подключение UI-клиента.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("uibridge upgrade failed", slog.String("error", err.Error()))
		return
	}

	b.mu.Lock()
	old := b.conn
	b.conn = conn
	b.mu.Unlock()

	if old != nil {
		// единственный UI-клиент: прежнее подключение закрывается
		_ = old.Close()
	}

	b.log.Info("uibridge UI client connected",
		slog.String("remote", conn.RemoteAddr().String()))
	go b.readLoop(conn)
}

// readLoop читает действия пользователя до разрыва соединения.
// Разрыв трактуется как сброс UI-провайдера.
func (b *Bridge) readLoop(conn *websocket.Conn) {
	defer func() {
		b.mu.Lock()
		active := b.conn == conn
		if active {
			b.conn = nil
		}
		b.mu.Unlock()
		_ = conn.Close()

		if active {
			b.log.Info("uibridge UI client disconnected")
			if h := b.currentHandler(); h != nil {
				h.HandleProviderReset()
			}
		}
	}()

	for {
		var action inboundAction
		if err := conn.ReadJSON(&action); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Debug("uibridge read error", slog.String("error", err.Error()))
			}
			return
		}
		b.dispatch(action)
	}
}

// dispatch переправляет действие обработчику.
// Неизвестные действия логируются и отбрасываются.
func (b *Bridge) dispatch(action inboundAction) {
	h := b.currentHandler()
	if h == nil {
		b.log.Debug("uibridge action before handler set",
			slog.String("action", action.Action))
		return
	}

	id := voice.CallID(action.CallSid)
	switch action.Action {
	case "answer":
		h.HandleAnswerRequested(id)
	case "end":
		h.HandleEndRequested(id)
	case "mute":
		h.HandleMuteRequested(id, action.Muted)
	case "reset":
		h.HandleProviderReset()
	default:
		b.log.Debug("uibridge unknown action",
			slog.String("action", action.Action))
	}
}

// send пишет сообщение текущему UI-клиенту.
func (b *Bridge) send(msg outboundMessage) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return errors.New("no UI client connected")
	}
	if err := conn.WriteJSON(msg); err != nil {
		return errors.Wrap(err, "failed to write to UI client")
	}
	return nil
}

// ReportIncoming показывает входящий вызов в UI.
// Без подключенного клиента показать вызов некому - это ошибка.
func (b *Bridge) ReportIncoming(id voice.CallID, remote string) error {
	return b.send(outboundMessage{
		Type:    "incoming",
		CallSid: id.String(),
		From:    remote,
	})
}

// ReportEnded убирает запись вызова из UI. Fire-and-forget.
func (b *Bridge) ReportEnded(id voice.CallID, reason voice.EndReason) {
	if err := b.send(outboundMessage{
		Type:    "ended",
		CallSid: id.String(),
		Reason:  reason.String(),
	}); err != nil {
		b.log.Debug("uibridge ReportEnded dropped",
			slog.String("callID", id.String()),
			slog.String("error", err.Error()))
	}
}

// Reset сбрасывает состояние UI. Идемпотентен.
func (b *Bridge) Reset() {
	if err := b.send(outboundMessage{Type: "reset"}); err != nil {
		b.log.Debug("uibridge Reset dropped", slog.String("error", err.Error()))
	}
}
