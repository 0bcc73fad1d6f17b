package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Stats     StatsConfig     `yaml:"stats"`
	Spectator SpectatorConfig `yaml:"spectator"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host           string   `yaml:"host" env:"REPCAM_HOST"`
	Port           int      `yaml:"port" env:"REPCAM_PORT"`
	AuthToken      string   `yaml:"auth_token" env:"REPCAM_AUTH_TOKEN"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"REPCAM_ALLOWED_ORIGINS"`
}

type SessionConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"REPCAM_SESSION_IDLE_TIMEOUT"`
	EventBuffer     int           `yaml:"event_buffer" env:"REPCAM_SESSION_EVENT_BUFFER"`
	GracePeriod     time.Duration `yaml:"grace_period" env:"REPCAM_SESSION_GRACE_PERIOD"`
	TerminalTimeout time.Duration `yaml:"terminal_timeout" env:"REPCAM_SESSION_TERMINAL_TIMEOUT"`
	ScorePolicy     string        `yaml:"score_policy" env:"REPCAM_SCORE_POLICY"`
}

type StatsConfig struct {
	DBPath         string        `yaml:"db_path" env:"REPCAM_STATS_DB"`
	CommitRetries  int           `yaml:"commit_retries" env:"REPCAM_COMMIT_RETRIES"`
	RankingMetric  string        `yaml:"ranking_metric" env:"REPCAM_RANKING_METRIC"`
	LeaderboardTTL time.Duration `yaml:"leaderboard_ttl" env:"REPCAM_LEADERBOARD_TTL"`
}

type SpectatorConfig struct {
	SnapshotInterval  time.Duration `yaml:"snapshot_interval" env:"REPCAM_SNAPSHOT_INTERVAL"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle" env:"REPCAM_BROADCAST_THROTTLE"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"REPCAM_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"REPCAM_LOG_PRETTY"`
}

// Load reads configuration with precedence defaults < yaml file < env vars.
// A missing file is fine; defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Session: SessionConfig{
			IdleTimeout:     45 * time.Second,
			EventBuffer:     64,
			GracePeriod:     30 * time.Second,
			TerminalTimeout: 5 * time.Second,
			ScorePolicy:     "sum",
		},
		Stats: StatsConfig{
			DBPath:         "repcam.db",
			CommitRetries:  3,
			RankingMetric:  "totalScore",
			LeaderboardTTL: time.Second,
		},
		Spectator: SpectatorConfig{
			SnapshotInterval:  5 * time.Second,
			BroadcastThrottle: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Session.ScorePolicy {
	case "", "sum", "weighted":
	default:
		return fmt.Errorf("unknown score policy %q", c.Session.ScorePolicy)
	}
	switch c.Stats.RankingMetric {
	case "", "totalScore", "bestScore":
	default:
		return fmt.Errorf("unknown ranking metric %q", c.Stats.RankingMetric)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}
