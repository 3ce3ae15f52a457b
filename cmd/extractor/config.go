package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/completion/gemini"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/runner"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/store"
)

const defaultConfigFile = "extractor.yaml"

// fileConfig is the optional YAML layer. Environment variables override it
// and flags override both.
type fileConfig struct {
	Gemini struct {
		Model       string  `yaml:"model"`
		BaseURL     string  `yaml:"base_url"`
		Temperature float32 `yaml:"temperature"`
	} `yaml:"gemini"`
	Runner struct {
		RequestTimeout time.Duration `yaml:"request_timeout"`
		MaxRetries     int           `yaml:"max_retries"`
		RateLimitRPS   float64       `yaml:"rate_limit_rps"`
		ProjectWorkers int           `yaml:"project_workers"`
	} `yaml:"runner"`
	Store struct {
		Backend string `yaml:"backend"`
		DSN     string `yaml:"dsn"`
	} `yaml:"store"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
}

type config struct {
	Gemini       gemini.Config
	Runner       runner.Options
	StoreBackend string
	StoreDSN     string
	HTTPAddr     string
}

func defaultFileConfig() fileConfig {
	var fc fileConfig
	fc.Gemini.Model = gemini.DefaultModel
	fc.Gemini.Temperature = 0.2
	fc.Runner.RequestTimeout = 60 * time.Second
	fc.Runner.ProjectWorkers = 4
	fc.Store.Backend = store.BackendFile
	fc.HTTP.Addr = ":8080"
	return fc
}

// loadConfig reads .env (if present), then EXTRACTOR_CONFIG or
// ./extractor.yaml (if present), then the environment.
func loadConfig() (config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config{}, fmt.Errorf("load .env: %w", err)
	}

	fc := defaultFileConfig()
	path := strings.TrimSpace(os.Getenv("EXTRACTOR_CONFIG"))
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	temperature, err := envFloat("GEMINI_TEMPERATURE", float64(fc.Gemini.Temperature))
	if err != nil {
		return config{}, err
	}
	requestTimeout, err := envDuration("REQUEST_TIMEOUT", fc.Runner.RequestTimeout)
	if err != nil {
		return config{}, err
	}
	maxRetries, err := envInt("MAX_RETRIES", fc.Runner.MaxRetries)
	if err != nil {
		return config{}, err
	}
	rateLimitRPS, err := envFloat("RATE_LIMIT_RPS", fc.Runner.RateLimitRPS)
	if err != nil {
		return config{}, err
	}
	workers, err := envInt("PROJECT_WORKERS", fc.Runner.ProjectWorkers)
	if err != nil {
		return config{}, err
	}

	cfg := config{
		Gemini: gemini.Config{
			APIKey:      strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
			Model:       envString("GEMINI_MODEL", fc.Gemini.Model),
			BaseURL:     envString("GEMINI_BASE_URL", fc.Gemini.BaseURL),
			Temperature: float32(temperature),
		},
		Runner: runner.Options{
			Workers:        workers,
			MaxRetries:     maxRetries,
			RequestTimeout: requestTimeout,
			RateLimitRPS:   rateLimitRPS,
		},
		StoreBackend: envString("STORE_BACKEND", fc.Store.Backend),
		StoreDSN:     envString("STORE_DSN", fc.Store.DSN),
		HTTPAddr:     envString("HTTP_ADDR", fc.HTTP.Addr),
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	if c.Runner.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}
	if c.Runner.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0")
	}
	if c.Runner.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	if c.Runner.Workers <= 0 {
		return fmt.Errorf("PROJECT_WORKERS must be > 0")
	}
	if c.Gemini.Temperature < 0 || c.Gemini.Temperature > 2 {
		return fmt.Errorf("GEMINI_TEMPERATURE must be within [0, 2]")
	}
	return nil
}

func envString(varName, fallback string) string {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return false, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
