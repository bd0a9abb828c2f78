package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	OIDC      OIDCConfig
	Gateway   GatewayConfig
	Pipeline  PipelineConfig
	Cache     CacheConfig
	Store     StoreConfig
	Governor  GovernorConfig
	Storage   StorageConfig
	R2        R2Config
	LLM       LLMConfig
	OCR       OCRConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Timezone  string
}

type ServerConfig struct {
	Port       string
	Env        string
	LogLevel   string
	HealthPort string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

// OIDCConfig enables bearer tokens from an OpenID Connect issuer; empty
// Issuer disables it.
type OIDCConfig struct {
	Issuer   string
	Audience string
}

type GatewayConfig struct {
	Enabled bool
}

type PipelineConfig struct {
	MaxAttempts            int
	BaseBackoff            time.Duration
	MaxBackoff             time.Duration
	StageTimeout           time.Duration
	OCRDensityThreshold    float64
	LowConfidenceThreshold float64
	ChunkSize              int
	AIParallelism          int
	MaxFileSizeMB          int
}

type CacheConfig struct {
	Backend string // memory | redis
	TTL     time.Duration
}

type StoreConfig struct {
	Driver     string // memory | redis | sqlite
	SQLitePath string
	JobTTL     time.Duration
}

type GovernorConfig struct {
	Backend       string // local | asynq
	Workers       int
	QueueLimit    int
	DailyLimit    int
	LeaseTTL      time.Duration
	ReapSchedule  string
	CompactPeriod string
	MaxReclaims   int
}

type StorageConfig struct {
	Driver   string // local | s3
	LocalDir string
	Prefix   string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

type OCRConfig struct {
	PdftoppmPath  string
	TesseractPath string
	Languages     string
	DPI           int
}

type RateLimitConfig struct {
	SubmitPerHour int
}

type WebhookConfig struct {
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// Load reads .env (if any), Docker secrets, an optional config.yaml and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("LLM_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	bind(v, map[string]string{
		"server.port":                       "SERVER_PORT",
		"server.env":                        "SERVER_ENV",
		"server.log_level":                  "LOG_LEVEL",
		"server.health_port":                "HEALTH_PORT",
		"redis.addr":                        "REDIS_ADDR",
		"redis.password":                    "REDIS_PASSWORD",
		"redis.db":                          "REDIS_DB",
		"jwt.secret":                        "JWT_SECRET",
		"oidc.issuer":                       "OIDC_ISSUER",
		"oidc.audience":                     "OIDC_AUDIENCE",
		"gateway.enabled":                   "GATEWAY_ENABLED",
		"pipeline.max_attempts":             "PIPELINE_MAX_ATTEMPTS",
		"pipeline.base_backoff":             "PIPELINE_BASE_BACKOFF",
		"pipeline.max_backoff":              "PIPELINE_MAX_BACKOFF",
		"pipeline.stage_timeout":            "PIPELINE_STAGE_TIMEOUT",
		"pipeline.ocr_density_threshold":    "OCR_DENSITY_THRESHOLD",
		"pipeline.low_confidence_threshold": "LOW_CONFIDENCE_THRESHOLD",
		"pipeline.chunk_size":               "AI_CHUNK_SIZE",
		"pipeline.ai_parallelism":           "AI_PARALLELISM",
		"pipeline.max_file_size_mb":         "MAX_FILE_SIZE_MB",
		"cache.backend":                     "CACHE_BACKEND",
		"cache.ttl":                         "CACHE_TTL",
		"store.driver":                      "STORE_DRIVER",
		"store.sqlite_path":                 "SQLITE_PATH",
		"store.job_ttl":                     "JOB_TTL",
		"governor.backend":                  "DISPATCH_BACKEND",
		"governor.workers":                  "MAX_CONCURRENT_JOBS",
		"governor.queue_limit":              "QUEUE_LIMIT",
		"governor.daily_limit":              "DAILY_PROCESSING_LIMIT",
		"governor.lease_ttl":                "LEASE_TTL",
		"governor.reap_schedule":            "REAP_SCHEDULE",
		"governor.compact_schedule":         "CACHE_COMPACT_SCHEDULE",
		"governor.max_reclaims":             "MAX_RECLAIMS",
		"storage.driver":                    "STORAGE_DRIVER",
		"storage.local_dir":                 "STORAGE_LOCAL_DIR",
		"storage.prefix":                    "STORAGE_PREFIX",
		"r2.account_id":                     "R2_ACCOUNT_ID",
		"r2.access_key_id":                  "R2_ACCESS_KEY_ID",
		"r2.secret_access_key":              "R2_SECRET_ACCESS_KEY",
		"r2.bucket_name":                    "R2_BUCKET_NAME",
		"r2.public_url":                     "R2_PUBLIC_URL",
		"llm.api_key":                       "LLM_API_KEY",
		"llm.base_url":                      "LLM_BASE_URL",
		"llm.model":                         "LLM_MODEL",
		"llm.timeout":                       "LLM_TIMEOUT",
		"llm.temperature":                   "LLM_TEMPERATURE",
		"llm.max_tokens":                    "LLM_MAX_TOKENS",
		"ocr.pdftoppm_path":                 "PDFTOPPM_PATH",
		"ocr.tesseract_path":                "TESSERACT_PATH",
		"ocr.languages":                     "OCR_LANGUAGES",
		"ocr.dpi":                           "OCR_DPI",
		"webhook.timeout":                   "WEBHOOK_TIMEOUT",
		"webhook.retry_count":               "WEBHOOK_RETRY_COUNT",
		"webhook.retry_delay":               "WEBHOOK_RETRY_DELAY",
		"rate_limit.submit_per_hour":        "RATE_LIMIT_SUBMIT_PER_HOUR",
		"timezone":                          "TIMEZONE",
	})

	setDefaults(v)

	// Config file is optional
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:       v.GetString("server.port"),
			Env:        v.GetString("server.env"),
			LogLevel:   v.GetString("server.log_level"),
			HealthPort: v.GetString("server.health_port"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		OIDC: OIDCConfig{
			Issuer:   v.GetString("oidc.issuer"),
			Audience: v.GetString("oidc.audience"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		Pipeline: PipelineConfig{
			MaxAttempts:            v.GetInt("pipeline.max_attempts"),
			BaseBackoff:            v.GetDuration("pipeline.base_backoff"),
			MaxBackoff:             v.GetDuration("pipeline.max_backoff"),
			StageTimeout:           v.GetDuration("pipeline.stage_timeout"),
			OCRDensityThreshold:    v.GetFloat64("pipeline.ocr_density_threshold"),
			LowConfidenceThreshold: v.GetFloat64("pipeline.low_confidence_threshold"),
			ChunkSize:              v.GetInt("pipeline.chunk_size"),
			AIParallelism:          v.GetInt("pipeline.ai_parallelism"),
			MaxFileSizeMB:          v.GetInt("pipeline.max_file_size_mb"),
		},
		Cache: CacheConfig{
			Backend: v.GetString("cache.backend"),
			TTL:     v.GetDuration("cache.ttl"),
		},
		Store: StoreConfig{
			Driver:     v.GetString("store.driver"),
			SQLitePath: v.GetString("store.sqlite_path"),
			JobTTL:     v.GetDuration("store.job_ttl"),
		},
		Governor: GovernorConfig{
			Backend:       v.GetString("governor.backend"),
			Workers:       v.GetInt("governor.workers"),
			QueueLimit:    v.GetInt("governor.queue_limit"),
			DailyLimit:    v.GetInt("governor.daily_limit"),
			LeaseTTL:      v.GetDuration("governor.lease_ttl"),
			ReapSchedule:  v.GetString("governor.reap_schedule"),
			CompactPeriod: v.GetString("governor.compact_schedule"),
			MaxReclaims:   v.GetInt("governor.max_reclaims"),
		},
		Storage: StorageConfig{
			Driver:   v.GetString("storage.driver"),
			LocalDir: v.GetString("storage.local_dir"),
			Prefix:   v.GetString("storage.prefix"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		LLM: LLMConfig{
			APIKey:      v.GetString("llm.api_key"),
			BaseURL:     v.GetString("llm.base_url"),
			Model:       v.GetString("llm.model"),
			Timeout:     v.GetDuration("llm.timeout"),
			Temperature: v.GetFloat64("llm.temperature"),
			MaxTokens:   v.GetInt("llm.max_tokens"),
		},
		OCR: OCRConfig{
			PdftoppmPath:  v.GetString("ocr.pdftoppm_path"),
			TesseractPath: v.GetString("ocr.tesseract_path"),
			Languages:     v.GetString("ocr.languages"),
			DPI:           v.GetInt("ocr.dpi"),
		},
		Webhook: WebhookConfig{
			Timeout:    v.GetDuration("webhook.timeout"),
			RetryCount: v.GetInt("webhook.retry_count"),
			RetryDelay: v.GetDuration("webhook.retry_delay"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: v.GetInt("rate_limit.submit_per_hour"),
		},
		Timezone: v.GetString("timezone"),
	}

	return cfg, nil
}

func bind(v *viper.Viper, keys map[string]string) {
	for key, env := range keys {
		_ = v.BindEnv(key, env)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.health_port", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("gateway.enabled", false)

	// Pipeline
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.base_backoff", 2*time.Second)
	v.SetDefault("pipeline.max_backoff", 60*time.Second)
	v.SetDefault("pipeline.stage_timeout", 5*time.Minute)
	v.SetDefault("pipeline.ocr_density_threshold", 0.7)
	v.SetDefault("pipeline.low_confidence_threshold", 0.5)
	v.SetDefault("pipeline.chunk_size", 10000)
	v.SetDefault("pipeline.ai_parallelism", 2)
	v.SetDefault("pipeline.max_file_size_mb", 100)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.sqlite_path", "data/editais.db")
	v.SetDefault("store.job_ttl", 7*24*time.Hour)

	// Governor
	v.SetDefault("governor.backend", "local")
	v.SetDefault("governor.workers", 4)
	v.SetDefault("governor.queue_limit", 100)
	v.SetDefault("governor.daily_limit", 50)
	v.SetDefault("governor.lease_ttl", 2*time.Minute)
	v.SetDefault("governor.reap_schedule", "@every 30s")
	v.SetDefault("governor.compact_schedule", "@every 10m")
	v.SetDefault("governor.max_reclaims", 3)

	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local_dir", "storage")
	v.SetDefault("storage.prefix", "results")

	// LLM defaults (OpenAI-compatible endpoint)
	v.SetDefault("llm.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("llm.model", "llama-3.3-70b-versatile")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 4096)

	v.SetDefault("ocr.pdftoppm_path", "pdftoppm")
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.languages", "por+eng")
	v.SetDefault("ocr.dpi", 300)

	v.SetDefault("webhook.timeout", 30*time.Second)
	v.SetDefault("webhook.retry_count", 3)
	v.SetDefault("webhook.retry_delay", 5*time.Second)

	v.SetDefault("rate_limit.submit_per_hour", 60)

	v.SetDefault("timezone", "America/Sao_Paulo")
}

// MaxFileSizeBytes converts the configured megabyte limit.
func (p PipelineConfig) MaxFileSizeBytes() int64 {
	return int64(p.MaxFileSizeMB) * 1024 * 1024
}
