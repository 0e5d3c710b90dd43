// Package gateway - HTTP-поверхность приложения.
//
// Команды вызовов принимаются REST-маршрутами, события жизненного цикла
// раздаются по WebSocket, push-уведомления и UI-мост монтируются как
// вложенные маршруты. Вся логика вызовов живет в координаторе; шлюз только
// транслирует HTTP в команды и коды ошибок в статусы.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/voice_bridge/pkg/voice"
)

// Config - конфигурация HTTP-шлюза.
type Config struct {
	// Addr - адрес прослушивания (по умолчанию :8080)
	Addr string

	// Coordinator - координатор вызовов (обязателен)
	Coordinator *voice.Coordinator

	// UIBridge - обработчик WebSocket-подключений UI-клиента
	UIBridge http.Handler

	// PushRoutes - маршруты push-источника
	PushRoutes chi.Router

	// MetricsRegistry - реестр Prometheus для /metrics; nil отключает маршрут
	MetricsRegistry *prometheus.Registry

	// Logger - структурный логгер
	Logger *slog.Logger
}

// Validate проверяет конфигурацию и проставляет значения по умолчанию.
func (c *Config) Validate() error {
	if c.Coordinator == nil {
		return errors.New("Coordinator is required")
	}
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Server - HTTP-шлюз приложения.
type Server struct {
	cfg      *Config
	log      *slog.Logger
	http     *http.Server
	upgrader websocket.Upgrader
}

// New создает шлюз с собранным маршрутизатором.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid gateway config")
	}

	s := &Server{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // WebSocket-маршруты держат соединение открытым
	}
	return s, nil
}

// routes собирает маршрутизатор шлюза.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/dial", s.handleDial)
		r.Post("/accept", s.handleAccept)
		r.Post("/hangup", s.handleHangup)
		r.Post("/mute", s.handleMute)
		r.Post("/speaker", s.handleSpeaker)
	})

	r.Get("/events", s.handleEvents)

	if s.cfg.UIBridge != nil {
		r.Handle("/ui", s.cfg.UIBridge)
	}
	if s.cfg.PushRoutes != nil {
		r.Mount("/push", s.cfg.PushRoutes)
	}
	if s.cfg.MetricsRegistry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	return r
}

// ListenAndServe запускает HTTP-сервер и блокируется до Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("gateway listening", slog.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler возвращает маршрутизатор шлюза (для тестов и встраивания).
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Shutdown останавливает HTTP-сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// --- Командные маршруты ---

type registerRequest struct {
	AccessToken string `json:"accessToken"`
}

type dialRequest struct {
	To     string            `json:"to"`
	Params map[string]string `json:"params,omitempty"`
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

type speakerRequest struct {
	On bool `json:"on"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, s.cfg.Coordinator.Register(req.AccessToken))
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, s.cfg.Coordinator.Dial(req.To, req.Params))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.cfg.Coordinator.AcceptInvite())
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.cfg.Coordinator.Hangup())
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, s.cfg.Coordinator.SetMute(req.Muted))
}

func (s *Server) handleSpeaker(w http.ResponseWriter, r *http.Request) {
	var req speakerRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, s.cfg.Coordinator.SetSpeaker(req.On))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.log.Debug("gateway malformed request body",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		s.writeError(w, http.StatusBadRequest, voice.CodeInvalidArgument, "malformed request body")
		return false
	}
	return true
}

// respond отображает результат команды в HTTP-ответ.
func (s *Server) respond(w http.ResponseWriter, err error) {
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
		return
	}

	code := voice.GetErrorCode(err)
	status := http.StatusInternalServerError
	switch voice.GetErrorCategory(err) {
	case voice.ErrorCategoryValidation:
		status = http.StatusBadRequest
	case voice.ErrorCategoryPrecondition:
		status = http.StatusConflict
	case voice.ErrorCategoryEngine:
		status = http.StatusBadGateway
	}
	s.writeError(w, status, code, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

// --- Раздача событий жизненного цикла ---

// handleEvents подключает подписчика событий по WebSocket.
//
// Координатор публикует синхронно, поэтому подписчик лишь кладет событие
// в буферизованный канал; медленный клиент теряет события, а не тормозит
// машину состояний.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// подписка до upgrade: клиент, дождавшийся рукопожатия, не теряет
	// события, опубликованные сразу после подключения
	queue := make(chan voice.LifecycleEvent, 32)
	done := make(chan struct{})
	detach := s.cfg.Coordinator.Events().Attach(func(ev voice.LifecycleEvent) {
		select {
		case queue <- ev:
		default:
			s.log.Debug("gateway events queue full, event dropped")
		}
	})

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		detach()
		s.log.Warn("gateway events upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.log.Info("gateway events subscriber attached",
		slog.String("remote", conn.RemoteAddr().String()))

	// писатель: из канала в сокет
	go func() {
		defer func() {
			detach()
			_ = conn.Close()
		}()
		for {
			select {
			case ev := <-queue:
				if err := conn.WriteJSON(ev); err != nil {
					s.log.Debug("gateway events write failed",
						slog.String("error", err.Error()))
					return
				}
			case <-done:
				return
			}
		}
	}()

	// читатель: только для обнаружения разрыва
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
