// Package pushhttp принимает push-уведомления провайдера по HTTP.
//
// Две точки входа: предложение входящего вызова и обновление push-токена
// устройства. Адаптер только декодирует полезную нагрузку и передает ее
// обработчику; никакой логики вызовов здесь нет.
package pushhttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arzzra/voice_bridge/pkg/voice"
)

// callPayload - полезная нагрузка push-уведомления о входящем вызове.
type callPayload struct {
	CallSid string `json:"callSid"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// tokenPayload - полезная нагрузка обновления push-токена.
type tokenPayload struct {
	Token string `json:"token"`
}

// Handler - HTTP-адаптер push-источника.
type Handler struct {
	push voice.PushHandler
	log  *slog.Logger
}

// New создает адаптер с заданным получателем уведомлений.
func New(push voice.PushHandler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{push: push, log: logger}
}

// Routes возвращает маршруты адаптера для монтирования.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/call", h.handleCall)
	r.Post("/token", h.handleToken)
	return r
}

// handleCall декодирует предложение вызова.
// Искаженная нагрузка логируется и отбрасывается, состояние не меняется.
func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	var payload callPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.log.Debug("pushhttp.handleCall malformed payload",
			slog.String("error", err.Error()))
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if payload.CallSid == "" || payload.From == "" {
		h.log.Debug("pushhttp.handleCall missing fields")
		http.Error(w, "callSid and from are required", http.StatusBadRequest)
		return
	}

	h.push.HandleInboundOffer(voice.CallInvite{
		ID:         voice.CallID(payload.CallSid),
		From:       payload.From,
		To:         payload.To,
		ReceivedAt: time.Now(),
	})
	w.WriteHeader(http.StatusAccepted)
}

// handleToken декодирует обновление push-токена.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	var payload tokenPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.log.Debug("pushhttp.handleToken malformed payload",
			slog.String("error", err.Error()))
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if payload.Token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	h.push.HandleTokenRefresh(payload.Token)
	w.WriteHeader(http.StatusAccepted)
}
