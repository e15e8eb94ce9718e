package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestSanitizeKVs_RedactsSecrets(t *testing.T) {
	out := sanitizeKVs([]interface{}{
		"job_id", "01J",
		"api_key", "sk-live",
		"Authorization", "Bearer x",
		"lock_token", "01K",
		"dangling",
	})

	assert.Equal(t, []interface{}{
		"job_id", "01J",
		"api_key", "[REDACTED]",
		"Authorization", "[REDACTED]",
		"lock_token", "01K",
		"dangling",
	}, out)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, parseLevel("INFO"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.DebugLevel, parseLevel(""))
}
