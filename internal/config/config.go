package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the YAML config file.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr         string `yaml:"redisAddr"`
	RedisPassword     string `yaml:"redisPassword"`
	QueueStreamPrefix string `yaml:"queueStreamPrefix"`
	QueueGroup        string `yaml:"queueGroup"`
	QueueMaxRetries   int    `yaml:"queueMaxRetries"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	CrawlerUserAgent       string `yaml:"crawlerUserAgent"`
	CrawlerTimeoutSeconds  int    `yaml:"crawlerTimeoutSeconds"`
	CrawlHostRateLimit     int    `yaml:"crawlHostRateLimit"`
	CrawlHostWindowSeconds int    `yaml:"crawlHostWindowSeconds"`
	VideoExtractionEnabled bool   `yaml:"videoExtractionEnabled"`
	VideoMaxBytes          int64  `yaml:"videoMaxBytes"`
	StageTimeoutSeconds    int    `yaml:"stageTimeoutSeconds"`
	CrawlConcurrency       int    `yaml:"crawlConcurrency"`
	TagConcurrency         int    `yaml:"tagConcurrency"`
	VideoConcurrency       int    `yaml:"videoConcurrency"`
	IndexConcurrency       int    `yaml:"indexConcurrency"`
	PresignExpiryMinutes   int    `yaml:"presignExpiryMinutes"`
	MaxUploadBytes         int64  `yaml:"maxUploadBytes"`

	TaggerProvider       string `yaml:"taggerProvider"` // openai | ollama
	TaggerBaseURL        string `yaml:"taggerBaseURL"`
	TaggerAPIKey         string `yaml:"taggerAPIKey"`
	TaggerModel          string `yaml:"taggerModel"`
	TaggerTimeoutSeconds int    `yaml:"taggerTimeoutSeconds"`
	TaggerMaxTags        int    `yaml:"taggerMaxTags"`

	MeiliHost     string `yaml:"meiliHost"`
	MeiliAPIKey   string `yaml:"meiliAPIKey"`
	MeiliIndexUID string `yaml:"meiliIndexUID"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("TAGGER_PROVIDER"); v != "" {
		cfg.TaggerProvider = v
	}
	if v := os.Getenv("TAGGER_BASE_URL"); v != "" {
		cfg.TaggerBaseURL = v
	}
	if v := os.Getenv("TAGGER_API_KEY"); v != "" {
		cfg.TaggerAPIKey = v
	}
	if v := os.Getenv("TAGGER_MODEL"); v != "" {
		cfg.TaggerModel = v
	}
	if v := os.Getenv("MEILI_HOST"); v != "" {
		cfg.MeiliHost = v
	}
	if v := os.Getenv("MEILI_API_KEY"); v != "" {
		cfg.MeiliAPIKey = v
	}
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.TaggerProvider)) {
	case "", "openai", "ollama":
	default:
		return fmt.Errorf("config: unknown taggerProvider %q", cfg.TaggerProvider)
	}
	if cfg.MinioEndpoint != "" {
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minio endpoint set but credentials or bucket missing")
		}
	}
	return nil
}
