package insightbot

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Discord.Token = "discord-token"
	cfg.Discord.ApplicationID = "app-id"
	cfg.OpenAI.Token = "openai-token"
	return cfg
}

func TestValidateConfig(t *testing.T) {
	cfg := validTestConfig()
	require.NoError(t, structValidator.Struct(cfg))

	cfg.Discord.Token = ""
	assert.Error(t, structValidator.Struct(cfg))

	cfg = validTestConfig()
	cfg.OpenAI.MaxTokens = 0
	assert.Error(t, structValidator.Struct(cfg))

	cfg = validTestConfig()
	cfg.OpenAI.RequestTimeout = 500 * time.Millisecond
	assert.Error(t, structValidator.Struct(cfg))

	cfg = validTestConfig()
	cfg.DatabaseType = "mysql"
	assert.Error(t, structValidator.Struct(cfg))

	cfg = validTestConfig()
	cfg.RetentionDays = 0
	assert.Error(t, structValidator.Struct(cfg))

	cfg = validTestConfig()
	cfg.API.ListenNetwork = "udp"
	assert.Error(t, structValidator.Struct(cfg))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultKnowledgeBasePath, cfg.KnowledgeBase)
	assert.True(t, cfg.AutoReplyEnabled)
	assert.True(t, cfg.KeywordTriggerEnabled)
	assert.Equal(t, DefaultRetentionDays, cfg.RetentionDays)
	assert.Equal(t, DefaultTriggerKeywords, cfg.TriggerKeywords)

	assert.Equal(t, DefaultOpenAIMaxTokens, cfg.OpenAI.MaxTokens)
	assert.Equal(t, float32(DefaultOpenAITemperature), cfg.OpenAI.Temperature)
	assert.Equal(t, DefaultOpenAIRequestTimeout, cfg.OpenAI.RequestTimeout)

	assert.Equal(t, DefaultDiscordGatewayIntent, cfg.Discord.GatewayIntents)
	assert.Equal(t, DefaultDiscordErrorMessage, cfg.Discord.ErrorMessage)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)

	// The trigger keyword slice is a copy, not the shared default
	cfg.TriggerKeywords[0] = "mutated"
	assert.Equal(t, "sillytavern", DefaultTriggerKeywords[0])
}

func TestGINConfig(t *testing.T) {
	c := CORSConfig{
		AllowOrigins:     []string{"https://example.com"},
		AllowMethods:     []string{"GET"},
		AllowHeaders:     []string{"Origin"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	}
	gc := c.GINConfig()
	assert.Equal(t, c.AllowOrigins, gc.AllowOrigins)
	assert.Equal(t, c.AllowMethods, gc.AllowMethods)
	assert.Equal(t, c.AllowHeaders, gc.AllowHeaders)
	assert.Equal(t, c.ExposeHeaders, gc.ExposeHeaders)
	assert.True(t, gc.AllowCredentials)
	assert.Equal(t, time.Hour, gc.MaxAge)
}

func TestConfigLogValueRedactsSecrets(t *testing.T) {
	cfg := validTestConfig()
	rendered := cfg.LogValue().String()

	assert.NotContains(t, rendered, "discord-token")
	assert.NotContains(t, rendered, "openai-token")
	assert.True(
		t,
		strings.Contains(rendered, "[redacted]"),
		"expected redaction marker in %q", rendered,
	)
}
