package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HTTPConfig represents the lookup API server configuration
type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig represents the state store connection
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig represents the event bus connection
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	GroupID     string   `mapstructure:"group_id"`
	CreateTopic string   `mapstructure:"create_topic"`
	ResultTopic string   `mapstructure:"result_topic"`
}

// ClusterConfig represents the control-plane side of match workloads
type ClusterConfig struct {
	Namespace       string `mapstructure:"namespace"`
	Kubeconfig      string `mapstructure:"kubeconfig"` // empty = in-cluster
	GameServerImage string `mapstructure:"game_server_image"`
	GameServerPort  int    `mapstructure:"game_server_port"`
}

// MatchConfig represents per-match lifecycle parameters
type MatchConfig struct {
	DomainTemplate  string        `mapstructure:"domain_template"`
	SubpathTemplate string        `mapstructure:"subpath_template"`
	TTL             time.Duration `mapstructure:"ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	CompletionGrace time.Duration `mapstructure:"completion_grace"`
}

// JWTConfig represents token verification for the lookup endpoint
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// Config represents the full application configuration
type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	HTTP     HTTPConfig    `mapstructure:"http"`
	Redis    RedisConfig   `mapstructure:"redis"`
	Kafka    KafkaConfig   `mapstructure:"kafka"`
	Cluster  ClusterConfig `mapstructure:"cluster"`
	Match    MatchConfig   `mapstructure:"match"`
	JWT      JWTConfig     `mapstructure:"jwt"`
}

// Load reads configuration from an optional config.yaml plus MATCHFLEET_*
// environment variables, layered over defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "matchfleet")
	v.SetDefault("kafka.create_topic", "match.create")
	v.SetDefault("kafka.result_topic", "match.result")

	v.SetDefault("cluster.namespace", "matches")
	v.SetDefault("cluster.kubeconfig", "")
	v.SetDefault("cluster.game_server_image", "arenaforge/game-server:latest")
	v.SetDefault("cluster.game_server_port", 7777)

	v.SetDefault("match.domain_template", "{matchId}.play.arenaforge.gg")
	v.SetDefault("match.subpath_template", "/match/{matchId}")
	v.SetDefault("match.ttl", 600*time.Second)
	v.SetDefault("match.sweep_interval", 60*time.Second)
	v.SetDefault("match.completion_grace", 2*time.Second)

	v.SetDefault("jwt.secret", "")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/matchfleet")

	v.SetEnvPrefix("MATCHFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Match.TTL <= 0 {
		return nil, fmt.Errorf("match.ttl must be positive, got %s", cfg.Match.TTL)
	}
	if !strings.Contains(cfg.Match.DomainTemplate, "{matchId}") {
		return nil, fmt.Errorf("match.domain_template must contain the {matchId} placeholder")
	}

	return cfg, nil
}
