// Copyright (c) 2026 RelayCRM
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ProviderConfig holds OAuth client credentials for one integration provider.
// The refresh call needs the client id/secret in addition to the per-account
// refresh token stored in the credential store.
type ProviderConfig struct {
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret" validate:"required"`
	TokenURL     string `yaml:"token_url" validate:"required,url"`
	APIBaseURL   string `yaml:"api_base_url" validate:"required,url"`
}

// Config holds all configuration for the ingestion service.
type Config struct {
	DatabaseURL string `validate:"required"`
	RedisURL    string `validate:"required"`
	LeadsQueue  string `validate:"required"`

	// Providers that need authenticated pull or detail-fetch.
	// Keyed by source name ("facebook_ads", "google_ads").
	Providers map[string]ProviderConfig `validate:"dive"`

	// Shared secret Facebook echoes back on webhook verification.
	WebhookVerifyToken string

	TokenRefreshMargin time.Duration `validate:"min=0"`
	FetchTimeout       time.Duration `validate:"gt=0"`
	PullSyncInterval   time.Duration `validate:"gt=0"`

	WebhookPort int `validate:"gt=0,lt=65536"`
	Port        int `validate:"gt=0,lt=65536"` // health/ops server
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Leads string `yaml:"leads"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Webhook   struct {
		VerifyToken string `yaml:"verify_token"`
	} `yaml:"webhook"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		DatabaseURL:        firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:           firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		LeadsQueue:         firstNonEmpty(raw.Redis.Queues.Leads, envOrDefault("LEADS_QUEUE", "leads")),
		Providers:          raw.Providers,
		WebhookVerifyToken: firstNonEmpty(raw.Webhook.VerifyToken, os.Getenv("WEBHOOK_VERIFY_TOKEN")),
		TokenRefreshMargin: envOrDefaultDuration("TOKEN_REFRESH_MARGIN", 60*time.Second),
		FetchTimeout:       envOrDefaultDuration("FETCH_TIMEOUT", 30*time.Second),
		PullSyncInterval:   envOrDefaultDuration("PULL_SYNC_INTERVAL", 5*time.Minute),
		WebhookPort:        envOrDefaultInt("WEBHOOK_PORT", 8081),
		Port:               envOrDefaultInt("PORT", 8080),
	}

	// Drop providers with empty credentials (commented out in YAML)
	for name, p := range cfg.Providers {
		if p.ClientID == "" || p.ClientSecret == "" {
			delete(cfg.Providers, name)
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
