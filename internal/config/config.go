package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Session   SessionConfig   `mapstructure:"session"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Bus       BusConfig       `mapstructure:"bus"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type SessionConfig struct {
	Cookie string `mapstructure:"cookie"`
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type StoreConfig struct {
	Driver StoreDriver `mapstructure:"driver"`
	Path   string      `mapstructure:"path"`
}

type CacheConfig struct {
	Backend         CacheBackend  `mapstructure:"backend"`
	PebbleDir       string        `mapstructure:"pebble_dir"`
	Window          int           `mapstructure:"window"`
	OverfetchFactor int           `mapstructure:"overfetch_factor"`
	OverfetchCap    int           `mapstructure:"overfetch_cap"`
	WarmInterval    time.Duration `mapstructure:"warm_interval"`
}

type BusConfig struct {
	Transport  BusTransport `mapstructure:"transport"`
	Channel    string       `mapstructure:"channel"`
	ZMQPubAddr string       `mapstructure:"zmq_pub_addr"`
	ZMQSubAddr string       `mapstructure:"zmq_sub_addr"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TelemetryConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// envBindings maps config keys to their flat environment names.
var envBindings = map[string]string{
	"server.port":                     "PORT",
	"server.instance_id":              "INSTANCE_ID",
	"server.shutdown_grace":           "SHUTDOWN_GRACE",
	"server.publish_token":            "PUBLISH_TOKEN",
	"server.trust_proxy_headers":      "TRUST_PROXY_HEADERS",
	"realtime.max_connections":        "MAX_CONNECTIONS",
	"realtime.max_connections_per_ip": "MAX_CONNECTIONS_PER_IP",
	"realtime.allowed_origins":        "ALLOWED_ORIGINS",
	"realtime.send_buffer":            "SEND_BUFFER",
	"realtime.upgrade_rate":           "UPGRADE_RATE",
	"realtime.upgrade_burst":          "UPGRADE_BURST",
	"session.cookie":                  "SESSION_COOKIE",
	"session.secret":                  "SESSION_SECRET",
	"session.issuer":                  "SESSION_ISSUER",
	"store.driver":                    "STORE_DRIVER",
	"store.path":                      "STORE_PATH",
	"cache.backend":                   "CACHE_BACKEND",
	"cache.pebble_dir":                "PEBBLE_DIR",
	"cache.window":                    "CACHE_WINDOW",
	"cache.warm_interval":             "WARM_INTERVAL",
	"bus.transport":                   "BUS_TRANSPORT",
	"bus.channel":                     "BUS_CHANNEL",
	"bus.zmq_pub_addr":                "ZMQ_PUB_ADDR",
	"bus.zmq_sub_addr":                "ZMQ_SUB_ADDR",
	"redis.addr":                      "REDIS_ADDR",
	"redis.password":                  "REDIS_PASSWORD",
	"telemetry.endpoint":              "OTEL_ENDPOINT",
	"logging.level":                   "LOG_LEVEL",
	"logging.development":             "LOG_DEVELOPMENT",
}

// Load reads defaults, then the optional YAML file, then the environment.
// An empty configPath falls back to FEEDRELAY_CONFIG and then to
// ./configs/feedrelay.yaml if present.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown_grace", 10*time.Second)
	v.SetDefault("server.trust_proxy_headers", false)
	v.SetDefault("realtime.max_connections", 1000)
	v.SetDefault("realtime.max_connections_per_ip", 50)
	v.SetDefault("realtime.allowed_origins", DefaultAllowedOrigins)
	v.SetDefault("realtime.send_buffer", 256)
	v.SetDefault("realtime.upgrade_rate", 50.0)
	v.SetDefault("realtime.upgrade_burst", 100)
	v.SetDefault("session.cookie", "session")
	v.SetDefault("store.driver", string(StoreMemory))
	v.SetDefault("cache.backend", string(CacheNone))
	v.SetDefault("cache.pebble_dir", "data/timeline")
	v.SetDefault("cache.window", 1000)
	v.SetDefault("cache.overfetch_factor", 3)
	v.SetDefault("cache.overfetch_cap", 300)
	v.SetDefault("cache.warm_interval", 5*time.Minute)
	v.SetDefault("bus.transport", string(BusMemory))
	v.SetDefault("bus.channel", "feedrelay:events")
	v.SetDefault("bus.zmq_pub_addr", "tcp://127.0.0.1:5559")
	v.SetDefault("bus.zmq_sub_addr", "tcp://127.0.0.1:5560")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("FEEDRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Flat names take precedence over the prefixed form
	for key, env := range envBindings {
		_ = v.BindEnv(key, env, "FEEDRELAY_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}

	if configPath == "" {
		configPath = os.Getenv("FEEDRELAY_CONFIG")
	}

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("feedrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) normalize() {
	c.Realtime.AllowedOrigins = splitList(c.Realtime.AllowedOrigins)
	c.Store.Driver = StoreDriver(strings.ToLower(string(c.Store.Driver)))
	c.Cache.Backend = CacheBackend(strings.ToLower(string(c.Cache.Backend)))
	c.Bus.Transport = BusTransport(strings.ToLower(string(c.Bus.Transport)))
	if c.Server.InstanceID == "" {
		c.Server.InstanceID = defaultInstanceID()
	}
}

// splitList trims entries and splits any that still hold commas, which is
// how a list arrives from a single environment variable.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
