package sipengine

import (
	"fmt"
	"time"
)

// Config содержит конфигурацию SIP-движка вызовов.
type Config struct {
	// Registrar - адрес SIP-регистратора (host:port)
	Registrar string

	// Domain - SIP-домен для формирования URI абонентов;
	// по умолчанию совпадает с хостом регистратора
	Domain string

	// User - локальное имя пользователя для Contact и From
	User string

	// Transport - транспортный протокол: udp или tcp
	Transport string

	// ListenHost - адрес для прослушивания входящих запросов
	ListenHost string

	// ListenPort - порт для прослушивания входящих запросов
	ListenPort int

	// MediaHost - адрес, объявляемый в SDP
	MediaHost string

	// MediaPort - порт, объявляемый в SDP
	MediaPort int

	// UserAgent - значение заголовка User-Agent
	UserAgent string

	// TxTimeout - максимальное время ожидания финального ответа
	// на транзакцию (Timer B, RFC 3261)
	TxTimeout time.Duration

	// RegisterExpires - время жизни регистрации в секундах
	RegisterExpires int
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() *Config {
	return &Config{
		User:            "voicebridge",
		Transport:       "udp",
		ListenHost:      "0.0.0.0",
		ListenPort:      5060,
		MediaHost:       "127.0.0.1",
		MediaPort:       10000,
		UserAgent:       "VoiceBridge/1.0",
		TxTimeout:       32 * time.Second,
		RegisterExpires: 3600,
	}
}

// Validate проверяет конфигурацию и проставляет значения по умолчанию.
func (c *Config) Validate() error {
	if c.Registrar == "" {
		return fmt.Errorf("registrar address is required")
	}
	switch c.Transport {
	case "":
		c.Transport = "udp"
	case "udp", "tcp":
	default:
		return fmt.Errorf("unsupported transport: %s", c.Transport)
	}
	if c.User == "" {
		c.User = "voicebridge"
	}
	if c.ListenHost == "" {
		c.ListenHost = "0.0.0.0"
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.ListenPort)
	}
	if c.MediaHost == "" {
		c.MediaHost = "127.0.0.1"
	}
	if c.MediaPort <= 0 || c.MediaPort > 65535 {
		return fmt.Errorf("invalid media port: %d", c.MediaPort)
	}
	if c.Domain == "" {
		c.Domain = registrarHost(c.Registrar)
	}
	if c.UserAgent == "" {
		c.UserAgent = "VoiceBridge/1.0"
	}
	if c.TxTimeout == 0 {
		c.TxTimeout = 32 * time.Second
	}
	if c.RegisterExpires == 0 {
		c.RegisterExpires = 3600
	}
	return nil
}

// ListenAddress возвращает адрес прослушивания в формате host:port.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// registrarHost извлекает хост из адреса вида host:port.
func registrarHost(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
