package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/regard/capture"
	"github.com/hazyhaar/regard/metrics"
	"github.com/hazyhaar/regard/notify"
	"github.com/hazyhaar/regard/scan"
	"github.com/hazyhaar/regard/tier"
	"github.com/hazyhaar/regard/vision"
)

// Config is the full service configuration. Secrets (the OpenAI API key)
// come from the environment, never from this file.
type Config struct {
	// Listen is the HTTP bind address. Default ":8080".
	Listen string `yaml:"listen"`

	// DBPath is the service database. Default "regard.db".
	DBPath string `yaml:"db_path"`
	// ObsDBPath is the observability database. Default "regard-obs.db".
	ObsDBPath string `yaml:"obs_db_path"`

	// Capture selects the screenshot backend: "rod" (local headless
	// Chrome) or "http" (remote capture service). Default "rod".
	Capture     string            `yaml:"capture"`
	ChromeURL   string            `yaml:"chrome_url"`
	CaptureHTTP capture.HTTPConfig `yaml:"capture_http"`

	Vision vision.OpenAIConfig `yaml:"vision"`
	Assess assessConfig        `yaml:"assess"`

	// Analytics lists HTTP metric providers to connect.
	Analytics []metrics.HTTPConfig `yaml:"analytics"`

	// AppDBs lists application SQLite databases whose row counts serve as
	// metric sources (signups, orders).
	AppDBs []appDBConfig `yaml:"app_dbs"`

	// Notify configures the notification relay. Empty endpoint = disabled.
	Notify notify.RelayConfig `yaml:"notify"`

	// Tiers overrides entries of the default tier policy.
	Tiers map[string]tier.Limits `yaml:"tiers"`

	Scan scan.Config `yaml:"scan"`
}

// appDBConfig is one application database used as a metric source.
type appDBConfig struct {
	Name   string               `yaml:"name"`
	Path   string               `yaml:"path"`
	Tables []metrics.TableCount `yaml:"tables"`
}

// assessConfig duplicates the yaml-visible fields of assess.OpenAIConfig
// (that struct carries a logger the config file must not touch).
type assessConfig struct {
	Model            string `yaml:"model"`
	MaxSnapshotChars int    `yaml:"max_snapshot_chars"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = "regard.db"
	}
	if c.ObsDBPath == "" {
		c.ObsDBPath = "regard-obs.db"
	}
	if c.Capture == "" {
		c.Capture = "rod"
	}
}

// loadConfig reads the YAML config file, or returns defaults when path is
// empty.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.defaults()
	return cfg, nil
}

// tierPolicy merges config overrides over the default policy.
func (c *Config) tierPolicy() tier.Policy {
	p := tier.DefaultPolicy()
	for name, limits := range c.Tiers {
		p[tier.Parse(name)] = limits
	}
	return p
}
