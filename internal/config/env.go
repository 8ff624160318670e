package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom log forwarding configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// ProviderModels defines the model pair for a provider.
type ProviderModels struct {
	Primary   string
	Secondary string
}

// ProvidersConfig defines engines and models per provider.
type ProvidersConfig struct {
	PrimaryEngine   string // "openai"|"anthropic"
	SecondaryEngine string // "anthropic"|"openai"
	OpenAI          ProviderModels
	Anthropic       ProviderModels
}

// TilingConfig controls the tile grid.
type TilingConfig struct {
	MaxTileSide  int
	OverlapRatio float64
	MinTileSide  int
	MaxTiles     int
}

// PipelineConfig controls batching, concurrency and per-call limits.
type PipelineConfig struct {
	BatchSize           int
	MaxInflight         int
	OCRTimeout          time.Duration
	VisionTimeout       time.Duration
	SummaryTimeout      time.Duration
	MaxPromptChars      int
	MaxOverviewChars    int
	JPEGQuality         int
	RasterDPI           int
	MaxInflightPerModel int
	BreakerBaseBackoff  time.Duration
	BreakerMaxBackoff   time.Duration
}

// OCRConfig configures the local text recognition provider.
type OCRConfig struct {
	Language      string
	MinConfidence float64
}

// RedisConfig defines status/outcome store connectivity.
type RedisConfig struct {
	URL string
}

// S3Config defines source/result object storage. AccessKeyID and
// SecretAccessKey are optional; when empty the default AWS credential
// chain is used.
type S3Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig
	Axiom     AxiomConfig
	Providers ProvidersConfig
	Tiling    TilingConfig
	Pipeline  PipelineConfig
	OCR       OCRConfig
	Redis     RedisConfig
	S3        S3Config
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/drawingfusion.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_drawingfusion",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Providers = ProvidersConfig{
		PrimaryEngine:   getEnv("PRIMARY_ENGINE", "openai"),
		SecondaryEngine: getEnv("SECONDARY_ENGINE", "anthropic"),
		OpenAI: ProviderModels{
			Primary:   getEnv("OPENAI_PRIMARY_MODEL", "gpt-4.1"),
			Secondary: getEnv("OPENAI_SECONDARY_MODEL", "gpt-4o"),
		},
		Anthropic: ProviderModels{
			Primary:   getEnv("ANTHROPIC_PRIMARY_MODEL", "claude-3-5-sonnet"),
			Secondary: getEnv("ANTHROPIC_SECONDARY_MODEL", "claude-3-opus"),
		},
	}

	cfg.Tiling = TilingConfig{
		MaxTileSide:  parseInt(getEnv("TILE_MAX_SIDE", "2048"), 2048),
		OverlapRatio: parseFloat(getEnv("TILE_OVERLAP_RATIO", "0.10"), 0.10),
		MinTileSide:  parseInt(getEnv("TILE_MIN_SIDE", "256"), 256),
		MaxTiles:     parseInt(getEnv("TILE_MAX_COUNT", "64"), 64),
	}

	cfg.Pipeline = PipelineConfig{
		BatchSize:           parseInt(getEnv("PIPELINE_BATCH_SIZE", "8"), 8),
		MaxInflight:         parseInt(getEnv("PIPELINE_MAX_INFLIGHT", "4"), 4),
		OCRTimeout:          parseDuration(getEnv("OCR_TIMEOUT", "30s"), 30*time.Second),
		VisionTimeout:       parseDuration(getEnv("VISION_TIMEOUT", "90s"), 90*time.Second),
		SummaryTimeout:      parseDuration(getEnv("SUMMARY_TIMEOUT", "60s"), 60*time.Second),
		MaxPromptChars:      parseInt(getEnv("MAX_PROMPT_CHARS", "12000"), 12000),
		MaxOverviewChars:    parseInt(getEnv("MAX_OVERVIEW_CHARS", "2000"), 2000),
		JPEGQuality:         parseInt(getEnv("TILE_JPEG_QUALITY", "85"), 85),
		RasterDPI:           parseInt(getEnv("PDF_RASTER_DPI", "200"), 200),
		MaxInflightPerModel: parseInt(getEnv("MAX_INFLIGHT_PER_MODEL", "2"), 2),
		BreakerBaseBackoff:  parseDuration(getEnv("BREAKER_BASE_BACKOFF", "30s"), 30*time.Second),
		BreakerMaxBackoff:   parseDuration(getEnv("BREAKER_MAX_BACKOFF", "5m"), 5*time.Minute),
	}

	cfg.OCR = OCRConfig{
		Language:      getEnv("OCR_LANGUAGE", "eng"),
		MinConfidence: parseFloat(getEnv("OCR_MIN_CONFIDENCE", "0.3"), 0.3),
	}

	cfg.Redis = RedisConfig{
		URL: getEnv("REDIS_URL", "redis://localhost:6379"),
	}

	cfg.S3 = S3Config{
		Bucket:          getEnv("AWS_S3_BUCKET", "drawings-dev"),
		Region:          getEnv("AWS_REGION", "us-east-1"),
		AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
