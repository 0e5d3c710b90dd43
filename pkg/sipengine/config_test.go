package sipengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Registrar = "sip.example.com:5060"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "udp", cfg.Transport)
	assert.Equal(t, "sip.example.com", cfg.Domain)
	assert.Equal(t, "0.0.0.0:5060", cfg.ListenAddress())
}

func TestConfigRequiresRegistrar(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate())
}

func TestConfigRejectsBadTransport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Registrar = "sip.example.com:5060"
	cfg.Transport = "sctp"
	require.Error(t, cfg.Validate())
}

func TestConfigRejectsBadPorts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Registrar = "sip.example.com:5060"
	cfg.ListenPort = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Registrar = "sip.example.com:5060"
	cfg.MediaPort = 70000
	require.Error(t, cfg.Validate())
}

func TestConfigDomainOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Registrar = "10.0.0.1:5060"
	cfg.Domain = "voice.example.com"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "voice.example.com", cfg.Domain)
}

func TestRegistrarHost(t *testing.T) {
	assert.Equal(t, "sip.example.com", registrarHost("sip.example.com:5060"))
	assert.Equal(t, "sip.example.com", registrarHost("sip.example.com"))
}
