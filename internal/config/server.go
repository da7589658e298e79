package config

import (
	"os"
	"time"

	"github.com/google/uuid"
)

type ServerConfig struct {
	Port          string        `mapstructure:"port"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	// InstanceID tags bus messages so an instance ignores its own events
	InstanceID string `mapstructure:"instance_id"`
	// PublishToken enables POST /internal/events when set
	PublishToken string `mapstructure:"publish_token"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Only enable behind a proxy that overwrites them.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers"`
}

type RealtimeConfig struct {
	MaxConnections      int      `mapstructure:"max_connections"`
	MaxConnectionsPerIP int      `mapstructure:"max_connections_per_ip"`
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
	SendBuffer          int      `mapstructure:"send_buffer"`
	UpgradeRate         float64  `mapstructure:"upgrade_rate"`
	UpgradeBurst        int      `mapstructure:"upgrade_burst"`
}

// Addr is the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return ":" + s.Port
}

// defaultInstanceID derives an id from the hostname. The random suffix keeps
// two processes on one host apart.
func defaultInstanceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "feedrelay"
	}
	return hostname + "-" + uuid.New().String()[:8]
}
