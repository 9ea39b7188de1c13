package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the metering engine and supporting services.
type Config struct {
	MySQLDSN       string
	ModelCostsFile string
	LogLevel       string

	QuotaTZOffsetHours int
	QuotaResetHour     int

	JobWorkers            int
	JobPollInterval       time.Duration
	JobPassTimeout        time.Duration
	JobPollRequestTimeout time.Duration
	JobRepollInterval     time.Duration
	JobLease              time.Duration
	JobTTL                time.Duration
	JobMaxAttempts        int
	JobRetention          time.Duration
	SweepSchedule         string

	KIEAPIKey      string
	KIEBaseURL     string
	RequestTimeout time.Duration
	OpenAIAPIKey   string
	OpenAIBaseURL  string

	BotToken string

	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// S3Enabled reports whether result videos should be copied to object storage.
func (c Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultKIEBaseURL = "https://api.kie.ai"

	cfg := Config{
		MySQLDSN:       normalizeDSN(os.Getenv("MYSQL_DSN")),
		ModelCostsFile: getEnv("MODEL_COSTS_FILE", filepath.Join("configs", "model_costs.yaml")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		QuotaTZOffsetHours: getInt("QUOTA_TZ_OFFSET_HOURS", 3),
		QuotaResetHour:     getInt("QUOTA_RESET_HOUR", 21),

		JobWorkers:            getInt("JOB_WORKERS", 2),
		JobPollInterval:       getSeconds("JOB_POLL_INTERVAL_SECONDS", 5),
		JobPassTimeout:        getSeconds("JOB_PASS_TIMEOUT_SECONDS", 120),
		JobPollRequestTimeout: getSeconds("JOB_POLL_REQUEST_TIMEOUT_SECONDS", 20),
		JobRepollInterval:     getSeconds("JOB_REPOLL_INTERVAL_SECONDS", 60),
		JobLease:              getSeconds("JOB_LEASE_SECONDS", 600),
		JobTTL:                time.Minute * time.Duration(getInt("JOB_TTL_MINUTES", 60)),
		JobMaxAttempts:        getInt("JOB_MAX_ATTEMPTS", 3),
		JobRetention:          time.Hour * time.Duration(getInt("JOB_RETENTION_HOURS", 168)),
		SweepSchedule:         getEnv("SWEEP_SCHEDULE", "@every 1m"),

		KIEAPIKey:      os.Getenv("KIE_API_KEY"),
		KIEBaseURL:     normalizeKIEBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		RequestTimeout: getSeconds("HTTP_TIMEOUT_SECONDS", 60),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),

		BotToken: os.Getenv("BOT_TOKEN"),

		AdminListenAddr: getEnv("ADMIN_LISTEN_ADDR", ":8081"),
		AdminUsername:   getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:   os.Getenv("ADMIN_PASSWORD"),

		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "videos"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var missing []string
	if c.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if c.KIEAPIKey == "" {
		missing = append(missing, "KIE_API_KEY")
	}
	if c.AdminPassword == "" {
		missing = append(missing, "ADMIN_PASSWORD")
	}
	if c.S3Enabled() {
		if c.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if c.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if c.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
		if c.S3PublicBaseURL == "" {
			missing = append(missing, "S3_PUBLIC_BASE_URL")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	if c.QuotaResetHour < 0 || c.QuotaResetHour > 23 {
		return fmt.Errorf("QUOTA_RESET_HOUR must be within 0..23, got %d", c.QuotaResetHour)
	}
	if c.QuotaTZOffsetHours < -12 || c.QuotaTZOffsetHours > 14 {
		return fmt.Errorf("QUOTA_TZ_OFFSET_HOURS out of range: %d", c.QuotaTZOffsetHours)
	}
	if c.JobWorkers <= 0 {
		return fmt.Errorf("JOB_WORKERS must be positive")
	}
	if c.JobMaxAttempts <= 0 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be positive")
	}
	if c.JobPollRequestTimeout > c.JobPassTimeout {
		return fmt.Errorf("JOB_POLL_REQUEST_TIMEOUT_SECONDS cannot exceed JOB_PASS_TIMEOUT_SECONDS")
	}
	// A worker still polling must never look stale to another worker.
	if c.JobLease <= c.JobPassTimeout {
		return fmt.Errorf("JOB_LEASE_SECONDS must be greater than JOB_PASS_TIMEOUT_SECONDS")
	}
	return nil
}

// normalizeDSN makes sure DATETIME columns scan into time.Time.
func normalizeDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

// normalizeKIEBaseURL ensures we always hit the documented API host. The root kie.ai domain
// serves HTML instead of JSON.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}
	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getSeconds(key string, fallback int) time.Duration {
	return time.Second * time.Duration(getInt(key, fallback))
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile loads the first env file found. Containers usually inject the environment
// directly, so having none is fine.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
