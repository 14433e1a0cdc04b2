// Package config loads and validates configuration for both pipeline stages.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Config holds the knobs for the crawl stage and the ETL stage. Values come
// from defaults, an optional config.yaml, and BOOKCRAWL_* environment
// variables; the binaries layer their flags on top.
type Config struct {
	BaseURL          string        `mapstructure:"base_url"`
	StartPage        string        `mapstructure:"start_page"`
	MaxPages         int           `mapstructure:"max_pages"`
	Delay            time.Duration `mapstructure:"delay"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	RetryBackoffMax  time.Duration `mapstructure:"retry_backoff_max"`
	UserAgent        string        `mapstructure:"user_agent"`
	RespectRobotsTxt bool          `mapstructure:"respect_robots"`
	ArtifactFile     string        `mapstructure:"artifact_file"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	Verbose          bool          `mapstructure:"verbose"`

	CSVFile  string `mapstructure:"csv_file"`
	JSONFile string `mapstructure:"json_file"`
}

// DefaultConfig returns conservative defaults for the demo target.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "http://books.toscrape.com",
		StartPage:        "catalogue/page-1.html",
		MaxPages:         50,
		Delay:            time.Second,
		Timeout:          10 * time.Second,
		MaxRetries:       2,
		RetryBackoff:     200 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
		UserAgent:        "Mozilla/5.0 (compatible; polite-scraper/1.0; +https://example.com)",
		RespectRobotsTxt: false,
		ArtifactFile:     "output/books.txt",
		MetricsAddr:      "",
		Verbose:          false,
		CSVFile:          "output/books.csv",
		JSONFile:         "output/books.json",
	}
}

// Load builds a Config from defaults, an optional config file, and the
// environment. A missing config file is not an error.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("BOOKCRAWL")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("base_url", def.BaseURL)
	v.SetDefault("start_page", def.StartPage)
	v.SetDefault("max_pages", def.MaxPages)
	v.SetDefault("delay", def.Delay)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("retry_backoff", def.RetryBackoff)
	v.SetDefault("retry_backoff_max", def.RetryBackoffMax)
	v.SetDefault("user_agent", def.UserAgent)
	v.SetDefault("respect_robots", def.RespectRobotsTxt)
	v.SetDefault("artifact_file", def.ArtifactFile)
	v.SetDefault("metrics_addr", def.MetricsAddr)
	v.SetDefault("verbose", def.Verbose)
	v.SetDefault("csv_file", def.CSVFile)
	v.SetDefault("json_file", def.JSONFile)
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.ArtifactFile == "" {
		return fmt.Errorf("artifact file cannot be empty")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.CSVFile == "" {
		return fmt.Errorf("csv file cannot be empty")
	}
	if c.JSONFile == "" {
		return fmt.Errorf("json file cannot be empty")
	}

	return nil
}

// StartURL resolves the first catalog page against the base URL.
func (c *Config) StartURL() (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if c.StartPage == "" {
		return base.String(), nil
	}
	ref, err := url.Parse(c.StartPage)
	if err != nil {
		return "", fmt.Errorf("parse start page: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
