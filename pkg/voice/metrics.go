package voice

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector собирает и экспортирует метрики координатора.
//
// Все операции thread-safe. Nil-коллектор допустим: каждый метод
// проверяет enabled, поэтому координатор может работать без метрик.
type MetricsCollector struct {
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callDuration     prometheus.Histogram
	eventsTotal      *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	commandErrors    *prometheus.CounterVec
	invitesRejected  prometheus.Counter
	staleEvents      prometheus.Counter

	enabled bool
}

// MetricsConfig - конфигурация системы метрик.
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace - префикс Prometheus метрик
	Namespace string

	// Subsystem - подсистема Prometheus метрик
	Subsystem string

	// Registerer - реестр Prometheus; nil означает реестр по умолчанию
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:   true,
		Namespace: "voice",
		Subsystem: "session",
	}
}

// NewMetricsCollector создает сборщик метрик.
func NewMetricsCollector(config *MetricsConfig) *MetricsCollector {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	if !config.Enabled {
		return &MetricsCollector{enabled: false}
	}

	reg := config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	mc := &MetricsCollector{enabled: true}

	mc.callsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "calls_total",
		Help:      "Total number of call sessions created",
	}, []string{"direction"})

	mc.callsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "calls_active",
		Help:      "Number of currently active call sessions",
	})

	mc.callDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "call_duration_seconds",
		Help:      "Duration of connected calls",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	mc.eventsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "events_total",
		Help:      "Normalized session events processed by the coordinator",
	}, []string{"kind"})

	mc.transitionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "transitions_total",
		Help:      "Session state transitions",
	}, []string{"from", "to"})

	mc.commandErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "command_errors_total",
		Help:      "Command surface errors by code",
	}, []string{"code"})

	mc.invitesRejected = factory.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "invites_rejected_total",
		Help:      "Invites rejected because the registry was occupied",
	})

	mc.staleEvents = factory.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "stale_events_total",
		Help:      "Events ignored due to identifier mismatch or irrelevant state",
	})

	return mc
}

// CallStarted учитывает создание сессии.
func (mc *MetricsCollector) CallStarted(direction Direction) {
	if mc == nil || !mc.enabled {
		return
	}
	mc.callsTotal.WithLabelValues(string(direction)).Inc()
	mc.callsActive.Inc()
}

// CallEnded учитывает терминацию сессии.
// duration нулевая, если вызов так и не был установлен.
func (mc *MetricsCollector) CallEnded(duration time.Duration) {
	if mc == nil || !mc.enabled {
		return
	}
	mc.callsActive.Dec()
	if duration > 0 {
		mc.callDuration.Observe(duration.Seconds())
	}
}

// EventProcessed учитывает обработанное нормализованное событие.
func (mc *MetricsCollector) EventProcessed(kind EventKind) {
	if mc == nil || !mc.enabled {
		return
	}
	mc.eventsTotal.WithLabelValues(string(kind)).Inc()
}

// Transition учитывает переход состояния сессии.
func (mc *MetricsCollector) Transition(from, to CallState) {
	if mc == nil || !mc.enabled {
		return
	}
	mc.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// CommandError учитывает ошибку командной поверхности.
func (mc *MetricsCollector) CommandError(code string) {
	if mc == nil || !mc.enabled {
		return
	}
	mc.commandErrors.WithLabelValues(code).Inc()
}

// InviteRejected учитывает invite, отклоненный из-за занятого реестра.
func (mc *MetricsCollector) InviteRejected() {
	if mc == nil || !mc.enabled {
		return
	}
	mc.invitesRejected.Inc()
}

// StaleEvent учитывает проигнорированное устаревшее событие.
func (mc *MetricsCollector) StaleEvent() {
	if mc == nil || !mc.enabled {
		return
	}
	mc.staleEvents.Inc()
}
