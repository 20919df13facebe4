package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Media        MediaConfig        `mapstructure:"media"`
	Session      SessionConfig      `mapstructure:"session"`
	PTZ          PTZConfig          `mapstructure:"ptz"`
	Signal       SignalConfig       `mapstructure:"signal"`
}

type ProvisioningConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MediaConfig struct {
	URL        string   `mapstructure:"url"`
	ICEServers []string `mapstructure:"ice_servers"`
	// RecordDir receives remote streams as files; empty discards them.
	RecordDir string `mapstructure:"record_dir"`
}

type SessionConfig struct {
	// ConnectRetries > 0 enables exponential backoff on connect failures.
	ConnectRetries int           `mapstructure:"connect_retries"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
}

type PTZConfig struct {
	URL            string        `mapstructure:"url"`
	Channel        int           `mapstructure:"channel"`
	Magnitude      int           `mapstructure:"magnitude"`
	RepeatInterval time.Duration `mapstructure:"repeat_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	DragLimit      int           `mapstructure:"drag_limit"`
	DragWindow     time.Duration `mapstructure:"drag_window"`
}

type SignalConfig struct {
	PingPeriod time.Duration `mapstructure:"ping_period"`
	ReadLimit  int64         `mapstructure:"read_limit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("provisioning.url", "http://localhost:9000/api/session")
	v.SetDefault("provisioning.timeout", "10s")

	v.SetDefault("media.url", "ws://localhost:9000/ws/room")
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.record_dir", "")

	v.SetDefault("session.connect_retries", 0)
	v.SetDefault("session.retry_base", "500ms")

	v.SetDefault("ptz.url", "http://192.168.5.163/ajaxcom")
	v.SetDefault("ptz.channel", 0)
	v.SetDefault("ptz.magnitude", 60)
	v.SetDefault("ptz.repeat_interval", "100ms")
	v.SetDefault("ptz.timeout", "2s")
	v.SetDefault("ptz.drag_limit", 10)
	v.SetDefault("ptz.drag_window", "1s")

	v.SetDefault("signal.ping_period", "20s")
	v.SetDefault("signal.read_limit", 1<<20)
}

// Load reads config/config.<CONFIG_ENV>.yaml, then PTZLINK_* environment
// overrides. A missing file falls back to defaults.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("PTZLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("media", cfg.Media.URL).
		Str("ptz", cfg.PTZ.URL).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.PTZ.Magnitude < 0 {
		c.PTZ.Magnitude = 0
	}
	if c.PTZ.Magnitude > 100 {
		c.PTZ.Magnitude = 100
	}
	if c.PTZ.RepeatInterval <= 0 {
		return fmt.Errorf("ptz.repeat_interval must be positive, got %s", c.PTZ.RepeatInterval)
	}
	if c.Session.ConnectRetries < 0 {
		return fmt.Errorf("session.connect_retries must not be negative, got %d", c.Session.ConnectRetries)
	}
	return nil
}
