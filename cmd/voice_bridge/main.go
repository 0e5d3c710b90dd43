// voice_bridge - шлюз координации VoIP-вызовов.
//
// Связывает четыре внешних мира: push-источник (HTTP-вебхуки), нативный UI
// звонка (WebSocket), SIP-движок вызовов и приложение (REST + WebSocket
// событий). Вся логика состояния вызова живет в координаторе.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/voice_bridge/pkg/gateway"
	"github.com/arzzra/voice_bridge/pkg/pushhttp"
	"github.com/arzzra/voice_bridge/pkg/sipengine"
	"github.com/arzzra/voice_bridge/pkg/uibridge"
	"github.com/arzzra/voice_bridge/pkg/voice"
)

func main() {
	var (
		httpAddr  = flag.String("http", ":8080", "адрес HTTP-шлюза")
		registrar = flag.String("registrar", "", "адрес SIP-регистратора (host:port)")
		sipUser   = flag.String("sip-user", "voicebridge", "SIP-пользователь")
		sipDomain = flag.String("sip-domain", "", "SIP-домен (по умолчанию хост регистратора)")
		sipPort   = flag.Int("sip-port", 5060, "порт SIP-прослушивания")
		transport = flag.String("sip-transport", "udp", "SIP-транспорт: udp или tcp")
		mediaHost = flag.String("media-host", "127.0.0.1", "адрес, объявляемый в SDP")
		mediaPort = flag.Int("media-port", 10000, "порт, объявляемый в SDP")
		logLevel  = flag.String("log-level", "info", "уровень логирования: debug, info, warn, error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if *registrar == "" {
		logger.Error("flag -registrar is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, options{
		httpAddr:  *httpAddr,
		registrar: *registrar,
		sipUser:   *sipUser,
		sipDomain: *sipDomain,
		sipPort:   *sipPort,
		transport: *transport,
		mediaHost: *mediaHost,
		mediaPort: *mediaPort,
	}); err != nil {
		logger.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type options struct {
	httpAddr  string
	registrar string
	sipUser   string
	sipDomain string
	sipPort   int
	transport string
	mediaHost string
	mediaPort int
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	metricsRegistry := prometheus.NewRegistry()
	metrics := voice.NewMetricsCollector(&voice.MetricsConfig{
		Enabled:    true,
		Namespace:  "voice",
		Subsystem:  "session",
		Registerer: metricsRegistry,
	})

	engineCfg := sipengine.DefaultConfig()
	engineCfg.Registrar = opts.registrar
	engineCfg.User = opts.sipUser
	engineCfg.Domain = opts.sipDomain
	engineCfg.ListenPort = opts.sipPort
	engineCfg.Transport = opts.transport
	engineCfg.MediaHost = opts.mediaHost
	engineCfg.MediaPort = opts.mediaPort

	engine, err := sipengine.New(engineCfg, logger)
	if err != nil {
		return err
	}

	bridge := uibridge.New(logger)

	coordinator, err := voice.NewCoordinator(&voice.Config{
		UIProvider: bridge,
		Engine:     engine,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	// замыкаем колбэки портов на координатор
	engine.SetHandler(coordinator)
	bridge.SetHandler(coordinator)

	push := pushhttp.New(coordinator, logger)

	server, err := gateway.New(&gateway.Config{
		Addr:            opts.httpAddr,
		Coordinator:     coordinator,
		UIBridge:        bridge,
		PushRoutes:      push.Routes(),
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("engine close", slog.String("error", err.Error()))
		}
	}()

	go coordinator.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-serveErr
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
