package tlsutil

import (
	"crypto/tls"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.ElementsMatch(t, aeadSuites, cfg.CipherSuites)

	cfg.CipherSuites[0] = 0
	assert.NotEqual(t, uint16(0), DefaultTLSConfig().CipherSuites[0], "callers get a copy")
}

func TestForAddr(t *testing.T) {
	assert.Equal(t, "redis.internal", ForAddr("redis.internal:6380").ServerName)
	assert.Equal(t, "redis.internal", ForAddr("redis.internal").ServerName)
}

func TestClients(t *testing.T) {
	c := SecureHTTPClient(15 * time.Second)
	assert.Equal(t, 15*time.Second, c.Timeout)

	s := StreamingHTTPClient(20 * time.Second)
	assert.Zero(t, s.Timeout)
	tr, ok := s.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 20*time.Second, tr.ResponseHeaderTimeout)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
}
