package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Redis struct {
		Addr          string `yaml:"addr"`
		SessionTTLMin int    `yaml:"session_ttl_min"`
	} `yaml:"redis"`

	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"nats"`

	Game struct {
		HeartbeatGraceSec int `yaml:"heartbeat_grace_sec"`
		PINGraceSec       int `yaml:"pin_grace_sec"`
	} `yaml:"game"`
}

func defaultConfig() *Config {
	var config Config
	config.Server.Port = "8080"
	config.Redis.Addr = "localhost:6379"
	config.Redis.SessionTTLMin = 60
	config.NATS.Enabled = false
	config.NATS.URL = nats.DefaultURL
	config.Game.HeartbeatGraceSec = 30
	config.Game.PINGraceSec = 300
	return &config
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// loadConfig reads the YAML config file if one exists, then applies
// environment overrides on top. Everything has a default, so running with no
// config file and no environment is fine for local development.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.Server.Port = getEnv("PORT", config.Server.Port)
	config.Redis.Addr = getEnv("REDIS_ADDR", config.Redis.Addr)
	config.Redis.SessionTTLMin = getEnvAsInt("SESSION_TTL_MIN", config.Redis.SessionTTLMin)
	config.NATS.Enabled = getEnvAsBool("NATS_ENABLED", config.NATS.Enabled)
	config.NATS.URL = getEnv("NATS_URL", config.NATS.URL)
	config.Game.HeartbeatGraceSec = getEnvAsInt("HEARTBEAT_GRACE_SEC", config.Game.HeartbeatGraceSec)
	config.Game.PINGraceSec = getEnvAsInt("PIN_GRACE_SEC", config.Game.PINGraceSec)

	return config, nil
}
