package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML layer: notification routing and request
// limits.
type FileConfig struct {
	Webhooks  []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	Stream    StreamConfig    `yaml:"stream" json:"stream"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// WebhookConfig routes events to an HTTP endpoint. Filter is an optional CEL
// expression over `event`.
type WebhookConfig struct {
	Name   string `yaml:"name" json:"name"`
	URL    string `yaml:"url" json:"url"`
	Filter string `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// StreamConfig controls the Redis event stream.
type StreamConfig struct {
	Name   string `yaml:"name" json:"name"`
	MaxLen int64  `yaml:"max_len" json:"max_len"`
}

// RateLimitConfig bounds request rates. PerIP applies in-process; PerCallerRPM
// applies across replicas through Redis when REDIS_URL is set.
type RateLimitConfig struct {
	PerIPRPS     float64 `yaml:"per_ip_rps" json:"per_ip_rps"`
	PerIPBurst   int     `yaml:"per_ip_burst" json:"per_ip_burst"`
	PerCallerRPM int     `yaml:"per_caller_rpm" json:"per_caller_rpm"`
	Burst        int     `yaml:"burst" json:"burst"`
}

func defaultFileConfig() FileConfig {
	return FileConfig{
		Stream: StreamConfig{Name: "motivate:events", MaxLen: 10000},
		RateLimit: RateLimitConfig{
			PerIPRPS:     20,
			PerIPBurst:   40,
			PerCallerRPM: 120,
			Burst:        20,
		},
	}
}

// LoadFile reads a YAML config file over the defaults.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	fc := defaultFileConfig()
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for i, w := range fc.Webhooks {
		if w.URL == "" {
			return nil, fmt.Errorf("config %s: webhook %d (%s) has no url", path, i, w.Name)
		}
	}
	return &fc, nil
}
