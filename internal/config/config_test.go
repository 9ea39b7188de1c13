package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		MySQLDSN:              "user:pass@tcp(localhost:3306)/meter?parseTime=true",
		KIEAPIKey:             "key",
		AdminPassword:         "secret",
		QuotaTZOffsetHours:    3,
		QuotaResetHour:        21,
		JobWorkers:            2,
		JobMaxAttempts:        3,
		JobPassTimeout:        2 * time.Minute,
		JobPollRequestTimeout: 20 * time.Second,
		JobLease:              10 * time.Minute,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(c *Config){
		"missing dsn":       func(c *Config) { c.MySQLDSN = "" },
		"bad reset hour":    func(c *Config) { c.QuotaResetHour = 24 },
		"bad offset":        func(c *Config) { c.QuotaTZOffsetHours = 15 },
		"no workers":        func(c *Config) { c.JobWorkers = 0 },
		"lease below pass":  func(c *Config) { c.JobLease = time.Minute },
		"poll above pass":   func(c *Config) { c.JobPollRequestTimeout = 3 * time.Minute },
		"s3 without region": func(c *Config) { c.S3Bucket = "b" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestNormalizeDSN(t *testing.T) {
	assert.Equal(t, "u@tcp(h)/db?parseTime=true", normalizeDSN("u@tcp(h)/db"))
	assert.Equal(t, "u@tcp(h)/db?charset=utf8mb4&parseTime=true", normalizeDSN("u@tcp(h)/db?charset=utf8mb4"))
	assert.Equal(t, "u@tcp(h)/db?parseTime=false", normalizeDSN("u@tcp(h)/db?parseTime=false"))
	assert.Equal(t, "", normalizeDSN("  "))
}

func TestNormalizeKIEBaseURL(t *testing.T) {
	const fallback = "https://api.kie.ai"
	assert.Equal(t, "https://api.kie.ai", normalizeKIEBaseURL("kie.ai", fallback))
	assert.Equal(t, "https://api.kie.ai", normalizeKIEBaseURL("https://kie.ai/", fallback))
	assert.Equal(t, "http://localhost:9000", normalizeKIEBaseURL("http://localhost:9000/", fallback))
	assert.Equal(t, fallback, normalizeKIEBaseURL("", fallback))
}

func TestLoadUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV_PATH", "")
	t.Setenv("MYSQL_DSN", "u@tcp(h)/db")
	t.Setenv("KIE_API_KEY", "k")
	t.Setenv("ADMIN_PASSWORD", "p")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "u@tcp(h)/db?parseTime=true", cfg.MySQLDSN)
	assert.Equal(t, 21, cfg.QuotaResetHour)
	assert.Equal(t, 3, cfg.QuotaTZOffsetHours)
	assert.Equal(t, time.Hour, cfg.JobTTL)
	assert.Equal(t, 3, cfg.JobMaxAttempts)
	assert.False(t, cfg.S3Enabled())
}
