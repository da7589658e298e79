package config

import (
	"fmt"
	"net/url"
	"strings"
)

// FieldError describes one invalid setting.
type FieldError struct {
	Key     string
	Value   string
	Problem string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []FieldError
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

func (e *ValidationErrors) add(key string, value any, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{
		Key:     key,
		Value:   fmt.Sprint(value),
		Problem: fmt.Sprintf(format, args...),
	})
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s=%q: %s\n", f.Key, f.Value, f.Problem))
	}
	return sb.String()
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.Server.Port == "" {
		errs.add("server.port", c.Server.Port, "must not be empty")
	}
	if c.Server.ShutdownGrace < 0 {
		errs.add("server.shutdown_grace", c.Server.ShutdownGrace, "must not be negative")
	}

	// zero disables a ceiling
	if c.Realtime.MaxConnections < 0 {
		errs.add("realtime.max_connections", c.Realtime.MaxConnections, "must be >= 0")
	}
	if c.Realtime.MaxConnectionsPerIP < 0 {
		errs.add("realtime.max_connections_per_ip", c.Realtime.MaxConnectionsPerIP, "must be >= 0")
	}
	if c.Realtime.SendBuffer < 1 {
		errs.add("realtime.send_buffer", c.Realtime.SendBuffer, "must be >= 1")
	}
	if c.Realtime.UpgradeRate < 0 {
		errs.add("realtime.upgrade_rate", c.Realtime.UpgradeRate, "must be >= 0")
	}
	for _, origin := range c.Realtime.AllowedOrigins {
		if err := validateOrigin(origin); err != nil {
			errs.add("realtime.allowed_origins", origin, "%v", err)
		}
	}

	if !contains(ValidStoreDrivers, c.Store.Driver) {
		errs.add("store.driver", c.Store.Driver, "must be one of %s", join(ValidStoreDrivers))
	}
	if (c.Store.Driver == StoreSQLite || c.Store.Driver == StoreJSONL) && c.Store.Path == "" {
		errs.add("store.path", c.Store.Path, "required for the %s driver", c.Store.Driver)
	}

	if !contains(ValidCacheBackends, c.Cache.Backend) {
		errs.add("cache.backend", c.Cache.Backend, "must be one of %s", join(ValidCacheBackends))
	}
	if c.Cache.Backend == CachePebble && c.Cache.PebbleDir == "" {
		errs.add("cache.pebble_dir", c.Cache.PebbleDir, "required for the pebble backend")
	}
	if c.Cache.Window < 1 {
		errs.add("cache.window", c.Cache.Window, "must be >= 1")
	}
	if c.Cache.OverfetchFactor < 1 {
		errs.add("cache.overfetch_factor", c.Cache.OverfetchFactor, "must be >= 1")
	}
	if c.Cache.OverfetchCap < 1 {
		errs.add("cache.overfetch_cap", c.Cache.OverfetchCap, "must be >= 1")
	}

	if !contains(ValidBusTransports, c.Bus.Transport) {
		errs.add("bus.transport", c.Bus.Transport, "must be one of %s", join(ValidBusTransports))
	}
	if c.Bus.Transport == BusZMQ && (c.Bus.ZMQPubAddr == "" || c.Bus.ZMQSubAddr == "") {
		errs.add("bus.zmq_pub_addr", c.Bus.ZMQPubAddr, "zmq transport needs both publish and subscribe addresses")
	}
	if c.Bus.Channel == "" {
		errs.add("bus.channel", c.Bus.Channel, "must not be empty")
	}

	if (c.Cache.Backend == CacheRedis || c.Bus.Transport == BusRedis) && c.Redis.Addr == "" {
		errs.add("redis.addr", c.Redis.Addr, "required when redis backs the cache or bus")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs.add("logging.level", c.Logging.Level, "must be one of debug, info, warn, error")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// validateOrigin requires the scheme://host[:port] form browsers send.
func validateOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		return fmt.Errorf("must be scheme://host[:port]")
	}
	if strings.HasSuffix(origin, "/") {
		return fmt.Errorf("must not end with a slash")
	}
	return nil
}

func contains[T comparable](valid []T, v T) bool {
	for _, candidate := range valid {
		if candidate == v {
			return true
		}
	}
	return false
}

func join[T ~string](valid []T) string {
	parts := make([]string, len(valid))
	for i, v := range valid {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}
