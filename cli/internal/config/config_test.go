package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"DOMAIN", "INSECURE", "WIRE_FORMAT", "STUN_SERVERS"} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultDomain, cfg.Domain)
	assert.Equal(t, "wss://meshtalk.dev/ws", cfg.WebSocketURL)
	assert.Equal(t, "https://meshtalk.dev", cfg.HTTPURL)
	assert.Equal(t, "json", cfg.Wire)
	assert.Equal(t, DefaultSTUNServers, cfg.STUNServers)
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("DOMAIN", "env.example")
	t.Setenv("WIRE_FORMAT", "msgpack")
	t.Setenv("STUN_SERVERS", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("INSECURE", "true")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, "env.example", cfg.Domain)
	assert.Equal(t, "ws://env.example/ws", cfg.WebSocketURL)
	assert.Equal(t, "msgpack", cfg.Wire)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.STUNServers)

	cfg, err = Load(Options{Domain: "flag.example:8080", Wire: "json", STUNServers: []string{"stun:c.example:3478"}})
	require.NoError(t, err)
	assert.Equal(t, "flag.example:8080", cfg.Domain)
	assert.Equal(t, "http://flag.example:8080", cfg.HTTPURL)
	assert.Equal(t, "json", cfg.Wire)
	assert.Equal(t, []string{"stun:c.example:3478", DefaultSTUNServers[0]}, cfg.STUNServers)
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)

	_, err := Load(Options{Wire: "xml"})
	assert.Error(t, err)

	t.Setenv("INSECURE", "maybe")
	_, err = Load(Options{})
	assert.Error(t, err)
}

func TestSTUNNeverDuplicatesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(Options{STUNServers: []string{DefaultSTUNServers[0]}})
	require.NoError(t, err)
	assert.Equal(t, DefaultSTUNServers, cfg.STUNServers)
}
