package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL    string
	HTTPListenAddr string
	MetricsAddr    string
	ServiceName    string
	LogLevel       string

	// Sweep cadences and thresholds for the sweeper binary.
	RolloutInterval  time.Duration
	RetryInterval    time.Duration
	DispatchInterval time.Duration
	LivenessInterval time.Duration
	OfflineAfter     time.Duration
	InstallTimeout   time.Duration

	// Agent settings for the fleet-agent binary.
	NodeID          string
	ServerURL       string
	Tags            []string
	InstallHelper   string
	PollInterval    time.Duration
	CheckInInterval time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9100"),
		ServiceName:    getEnv("SERVICE_NAME", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		NodeID:         getEnv("NODE_ID", ""),
		ServerURL:      getEnv("SERVER_URL", ""),
		InstallHelper:  getEnv("INSTALL_HELPER", "/usr/local/lib/fleet/install"),
	}
	if tags := getEnv("NODE_TAGS", ""); tags != "" {
		cfg.Tags = strings.Split(tags, ",")
	}

	var err error
	if cfg.RolloutInterval, err = getDuration("ROLLOUT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryInterval, err = getDuration("RETRY_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DispatchInterval, err = getDuration("DISPATCH_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.LivenessInterval, err = getDuration("LIVENESS_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.OfflineAfter, err = getDuration("OFFLINE_AFTER", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.InstallTimeout, err = getDuration("INSTALL_TIMEOUT", time.Hour); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.CheckInInterval, err = getDuration("CHECKIN_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the fields the given role depends on.
func (c *Config) Validate(role string) error {
	if role == "fleet-agent" {
		if c.NodeID == "" {
			return fmt.Errorf("%s requires NODE_ID", role)
		}
		if c.ServerURL == "" {
			return fmt.Errorf("%s requires SERVER_URL", role)
		}
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s requires DATABASE_URL", role)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getDuration reads a duration env var, accepting time.ParseDuration
// syntax or a bare number of seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
