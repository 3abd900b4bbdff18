package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	// Mode is the network role of the process: none, host or client.
	Mode       string           `mapstructure:"mode"`
	LogLevel   string           `mapstructure:"log_level"`
	Rendezvous RendezvousConfig `mapstructure:"rendezvous"`
	Network    NetworkConfig    `mapstructure:"network"`
	Room       RoomConfig       `mapstructure:"room"`
	Peer       PeerConfig       `mapstructure:"peer"`
	Server     ServerConfig     `mapstructure:"server"`
}

type RendezvousConfig struct {
	Addr        string        `mapstructure:"addr"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type NetworkConfig struct {
	BindIP     string `mapstructure:"bind_ip"`
	SendPort   uint16 `mapstructure:"send_port"`
	RecvPort   uint16 `mapstructure:"recv_port"`
	STUNServer string `mapstructure:"stun_server"`
}

type RoomConfig struct {
	ID         string `mapstructure:"id"`
	MaxClients int    `mapstructure:"max_clients"`
}

type PeerConfig struct {
	KeepAlive    time.Duration `mapstructure:"keep_alive"`
	QueueSize    int           `mapstructure:"queue_size"`
	FanoutBuffer int           `mapstructure:"fanout_buffer"`
	MaxDatagram  int           `mapstructure:"max_datagram"`
	// EvictAfter unsubscribes a broadcast subscriber after that many lagged
	// messages. Zero keeps lagging subscribers and only drops messages.
	EvictAfter uint64 `mapstructure:"evict_after"`
}

type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	HTTPAddr     string        `mapstructure:"http_addr"`
	GinMode      string        `mapstructure:"gin_mode"`
	MaxClients   int           `mapstructure:"max_clients"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

// FlagKeys maps command line flag names onto config keys.
var FlagKeys = map[string]string{
	"log-level":   "log_level",
	"rendezvous":  "rendezvous.addr",
	"bind-ip":     "network.bind_ip",
	"send-port":   "network.send_port",
	"recv-port":   "network.recv_port",
	"stun":        "network.stun_server",
	"max-clients": "room.max_clients",
	"listen":      "server.listen_addr",
	"http":        "server.http_addr",
	"rate-limit":  "server.rate_limit",
	"keep-alive":  "peer.keep_alive",
	"queue-size":  "peer.queue_size",
	"evict-after": "peer.evict_after",
}

// Load reads config/config.<CONFIG_ENV>.yaml, then PEERLINK_* environment
// variables, then any flags set in fs.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if fs != nil {
		if f := fs.Lookup("config-env"); f != nil && f.Changed {
			env = f.Value.String()
		}
	}
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("PEERLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "none")
	v.SetDefault("log_level", "info")
	v.SetDefault("rendezvous.addr", "127.0.0.1:50000")
	v.SetDefault("rendezvous.dial_timeout", "5s")
	v.SetDefault("network.bind_ip", "0.0.0.0")
	v.SetDefault("network.send_port", 0)
	v.SetDefault("network.recv_port", 0)
	v.SetDefault("network.stun_server", "")
	v.SetDefault("room.id", "")
	v.SetDefault("room.max_clients", 2)
	v.SetDefault("peer.keep_alive", "5s")
	v.SetDefault("peer.queue_size", 100)
	v.SetDefault("peer.fanout_buffer", 64)
	v.SetDefault("peer.max_datagram", 4096)
	v.SetDefault("peer.evict_after", 0)
	v.SetDefault("server.listen_addr", "127.0.0.1:50000")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("server.max_clients", 2)
	v.SetDefault("server.rate_limit", 10)
	v.SetDefault("server.rate_interval", "1s")

	if fs != nil {
		for flag, key := range FlagKeys {
			f := fs.Lookup(flag)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Str("rendezvous", cfg.Rendezvous.Addr).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case "none", "host", "client":
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.Mode == "client" && c.Room.ID == "" {
		return fmt.Errorf("config: client mode needs room.id")
	}
	if c.Peer.QueueSize < 0 || c.Peer.FanoutBuffer < 0 || c.Room.MaxClients < 0 {
		return fmt.Errorf("config: negative queue or room size")
	}
	return nil
}
