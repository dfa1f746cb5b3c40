package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mini-relay/codec"
)

type Config struct {
	Node struct {
		Name     string `mapstructure:"name"`
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"node"`

	Registry struct {
		Kind        string        `mapstructure:"kind"` // "memory" or "etcd"
		Endpoints   []string      `mapstructure:"endpoints"`
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
		Prefix      string        `mapstructure:"prefix"`
		TTL         int64         `mapstructure:"ttl"`
	} `mapstructure:"registry"`

	Conn ConnConfig `mapstructure:"conn"`

	Unit struct {
		Enabled        bool          `mapstructure:"enabled"`
		Name           string        `mapstructure:"name"`
		Listen         string        `mapstructure:"listen"`
		Advertise      string        `mapstructure:"advertise"`
		Workers        int           `mapstructure:"workers"`
		QueueSize      int           `mapstructure:"queue_size"`
		TaskPoolSize   int           `mapstructure:"task_pool_size"`
		RateLimit      float64       `mapstructure:"rate_limit"` // requests per second, 0 disables
		RateBurst      int           `mapstructure:"rate_burst"`
		HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	} `mapstructure:"unit"`

	Gateway struct {
		Enabled     bool          `mapstructure:"enabled"`
		Listen      string        `mapstructure:"listen"`
		WSListen    string        `mapstructure:"ws_listen"` // empty disables WebSocket
		WSPath      string        `mapstructure:"ws_path"`
		Units       []string      `mapstructure:"units"`
		Balancer    string        `mapstructure:"balancer"`
		CallTimeout time.Duration `mapstructure:"call_timeout"`
		RouteTTL    time.Duration `mapstructure:"route_ttl"`
		Forward     bool          `mapstructure:"forward"`
		MinBackoff  time.Duration `mapstructure:"min_backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"gateway"`
}

// ConnConfig tunes every relay connection.
type ConnConfig struct {
	Codec       string        `mapstructure:"codec"` // "json" or "binary"
	SendQueue   int           `mapstructure:"send_queue"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// CodecType maps the configured codec name.
func (c ConnConfig) CodecType() (codec.CodecType, error) {
	switch strings.ToLower(c.Codec) {
	case "", "json":
		return codec.CodecTypeJSON, nil
	case "binary":
		return codec.CodecTypeBinary, nil
	}
	return 0, fmt.Errorf("unknown codec %q", c.Codec)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.name", "relayd")
	v.SetDefault("node.log_level", "info")

	v.SetDefault("registry.kind", "memory")
	v.SetDefault("registry.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("registry.dial_timeout", 5*time.Second)
	v.SetDefault("registry.prefix", "/mini-relay/")
	v.SetDefault("registry.ttl", 10)

	v.SetDefault("conn.codec", "json")
	v.SetDefault("conn.send_queue", 1024)
	v.SetDefault("conn.heartbeat", 30*time.Second)
	v.SetDefault("conn.idle_timeout", 0)

	v.SetDefault("unit.enabled", false)
	v.SetDefault("unit.name", "echo")
	v.SetDefault("unit.listen", ":7100")
	v.SetDefault("unit.advertise", "127.0.0.1:7100")
	v.SetDefault("unit.workers", 16)
	v.SetDefault("unit.queue_size", 1024)
	v.SetDefault("unit.task_pool_size", 1024)
	v.SetDefault("unit.rate_limit", 0)
	v.SetDefault("unit.rate_burst", 100)
	v.SetDefault("unit.handler_timeout", 10*time.Second)

	v.SetDefault("gateway.enabled", true)
	v.SetDefault("gateway.listen", ":7000")
	v.SetDefault("gateway.ws_listen", "")
	v.SetDefault("gateway.ws_path", "/relay")
	v.SetDefault("gateway.units", []string{})
	v.SetDefault("gateway.balancer", "consistent_hash")
	v.SetDefault("gateway.call_timeout", 5*time.Second)
	v.SetDefault("gateway.route_ttl", 30*time.Second)
	v.SetDefault("gateway.forward", false)
	v.SetDefault("gateway.min_backoff", 100*time.Millisecond)
	v.SetDefault("gateway.max_backoff", 10*time.Second)
}

// LoadConfig reads the YAML file at path, when path is not empty, over the defaults.
// RELAY_ prefixed environment variables override both, e.g. RELAY_GATEWAY_LISTEN.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if _, err := c.Conn.CodecType(); err != nil {
		return nil, err
	}
	return &c, nil
}
