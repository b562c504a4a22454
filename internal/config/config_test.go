package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SERVER_PORT", "")
	t.Setenv("TEMPLATE_CACHE_TTL", "")
	t.Setenv("CORS_ORIGINS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 10*time.Minute, cfg.Redis.CacheTTL)
	assert.Equal(t, "X-API-Key", cfg.Auth.APIKeyHeader)
	assert.Equal(t, 587, cfg.Mail.SMTPPort)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("TEMPLATE_CACHE_TTL", "30s")
	t.Setenv("CORS_ORIGINS", "https://admin.example, https://ops.example")
	t.Setenv("LLM_DEFAULT_TEMPERATURE", "0.2")
	t.Setenv("SMTP_HOST", "smtp.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Addr())
	assert.Equal(t, 30*time.Second, cfg.Redis.CacheTTL)
	assert.Equal(t, []string{"https://admin.example", "https://ops.example"}, cfg.Server.CORSOrigins)
	assert.InDelta(t, 0.2, cfg.LLM.Temperature, 1e-9)
	assert.True(t, cfg.MailEnabled())
}

func TestLoad_InvalidNumbers(t *testing.T) {
	for _, key := range []string{"SERVER_PORT", "RATE_LIMIT_RPS", "TEMPLATE_CACHE_TTL"} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, "not-a-number")
			_, err := Load()
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "JWT_SECRET")

	cfg.Database.URL = "postgres://localhost/midnight"
	cfg.Auth.JWTSecret = "secret"
	assert.NoError(t, cfg.Validate())

	cfg.LLM.Temperature = 2.5
	assert.Error(t, cfg.Validate())
}
