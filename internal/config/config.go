package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/Arena/internal/core"
)

type JoinRate struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type Policy struct {
	// AudienceSendTransport is "deny" or "allow".
	AudienceSendTransport string `mapstructure:"audience_send_transport"`
}

type Media struct {
	// Engine is "pion" or "memory".
	Engine                          string          `mapstructure:"engine"`
	NumWorkers                      int             `mapstructure:"num_workers"`
	RTCMinPort                      uint16          `mapstructure:"rtc_min_port"`
	RTCMaxPort                      uint16          `mapstructure:"rtc_max_port"`
	ListenIP                        string          `mapstructure:"listen_ip"`
	AnnouncedIP                     string          `mapstructure:"announced_ip"`
	MaxIncomingBitrate              int             `mapstructure:"max_incoming_bitrate"`
	InitialAvailableOutgoingBitrate int             `mapstructure:"initial_available_outgoing_bitrate"`
	Codecs                          []core.RTPCodec `mapstructure:"codecs"`
}

type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	RPCTimeout     time.Duration `mapstructure:"rpc_timeout"`
	FatalExitDelay time.Duration `mapstructure:"fatal_exit_delay"`
	Secret         string        `mapstructure:"secret"`
	Dialect        string        `mapstructure:"dialect"`
	JoinRate       JoinRate      `mapstructure:"join_rate"`
	Policy         Policy        `mapstructure:"policy"`
	Media          Media         `mapstructure:"media"`
	Metrics        Metrics       `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("rpc_timeout", "10s")
	v.SetDefault("fatal_exit_delay", "2s")
	v.SetDefault("secret", "arena-dev-secret")
	v.SetDefault("dialect", "rpc")
	v.SetDefault("join_rate.limit", 10)
	v.SetDefault("join_rate.interval", "10s")
	v.SetDefault("policy.audience_send_transport", "deny")
	v.SetDefault("media.engine", "pion")
	v.SetDefault("media.num_workers", 1)
	v.SetDefault("media.rtc_min_port", 40000)
	v.SetDefault("media.rtc_max_port", 49999)
	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.announced_ip", "")
	v.SetDefault("media.max_incoming_bitrate", 1500000)
	v.SetDefault("media.initial_available_outgoing_bitrate", 1000000)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. Every key can
// be overridden from the environment with the ARENA_ prefix, e.g.
// ARENA_MEDIA_NUM_WORKERS=4.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit file. A missing file falls back to defaults.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("arena")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Media.Codecs) == 0 {
		cfg.Media.Codecs = core.DefaultCodecs()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("engine", cfg.Media.Engine).
		Int("workers", cfg.Media.NumWorkers).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Media.Engine {
	case "pion", "memory":
	default:
		return fmt.Errorf("config: media.engine must be pion or memory, got %q", c.Media.Engine)
	}
	if c.Media.NumWorkers < 1 {
		return fmt.Errorf("config: media.num_workers must be positive, got %d", c.Media.NumWorkers)
	}
	if c.Media.RTCMaxPort < c.Media.RTCMinPort {
		return fmt.Errorf("config: media.rtc_max_port %d below rtc_min_port %d", c.Media.RTCMaxPort, c.Media.RTCMinPort)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("config: rpc_timeout must be positive")
	}
	if c.PingPeriod >= c.PongWait {
		return fmt.Errorf("config: ping_period %s must be shorter than pong_wait %s", c.PingPeriod, c.PongWait)
	}
	if c.JoinRate.Limit < 1 || c.JoinRate.Interval <= 0 {
		return fmt.Errorf("config: join_rate needs a positive limit and interval")
	}
	return nil
}
