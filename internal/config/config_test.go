package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("TOKEN_TTL", "")

	cfg := LoadConfig()
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 300*time.Second, cfg.Token.TTL)
	assert.Equal(t, 1000, cfg.Dukpt.DefaultKeyCount)
	assert.Equal(t, ":8080", cfg.GetServerAddress())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("SCYLLA_NODES", "a:9042, b:9042,")
	t.Setenv("TOKEN_TTL", "2m")
	t.Setenv("KMS_ENABLED", "true")

	cfg := LoadConfig()
	assert.Equal(t, []string{"a:9042", "b:9042"}, cfg.Scylla.Nodes)
	assert.Equal(t, 2*time.Minute, cfg.Token.TTL)
	assert.True(t, cfg.KMS.Enabled)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Environment: "development",
		Dukpt:       DukptConfig{BDKHex: "0123456789ABCDEFFEDCBA9876543210"},
		Token:       TokenConfig{Secret: "dev-secret", TTL: time.Minute},
	}
	require.NoError(t, cfg.Validate())

	cfg.Dukpt.BDKHex = "zz"
	assert.Error(t, cfg.Validate())

	cfg.Dukpt.BDKHex = "00112233"
	cfg.Environment = "production"
	assert.Error(t, cfg.Validate(), "short secret rejected in production")

	cfg.Environment = "development"
	cfg.KMS.Enabled = true
	assert.Error(t, cfg.Validate())
}
