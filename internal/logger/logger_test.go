package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKVsRedactsCredentials(t *testing.T) {
	out := sanitizeKVs([]interface{}{
		"product_id", int64(7),
		"bot_token", "123:abc",
		"webhook_url", "https://discord.com/api/webhooks/1/x",
		"channel", "telegram",
	})
	assert.Equal(t, []interface{}{
		"product_id", int64(7),
		"bot_token", "[REDACTED]",
		"webhook_url", "[REDACTED]",
		"channel", "telegram",
	}, out)
}

func TestSanitizeKVsOddLength(t *testing.T) {
	out := sanitizeKVs([]interface{}{"a", 1, "dangling"})
	assert.Equal(t, []interface{}{"a", 1, "dangling"}, out)
}

func TestSanitizeErrorStripsTelegramToken(t *testing.T) {
	err := errors.New(`Post "https://api.telegram.org/bot123:SECRET/sendMessage": timeout`)
	out := sanitizeKVs([]interface{}{"error", err})
	assert.Equal(t, `Post "https://api.telegram.org/bot[REDACTED]/sendMessage": timeout`, out[1])
}
