package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := Setup(Config{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	logger.Info("test message", "key", "value")

	var logEntry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "test message", logEntry["msg"])
	assert.Equal(t, "value", logEntry["key"])
	assert.Equal(t, "INFO", logEntry["level"])
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := Setup(Config{
		Level:  "info",
		Format: "text",
		Output: &buf,
	})

	logger.Info("test message", "key", "value")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
}

func TestContextHandler_AddsSessionAndTenant(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "info", Format: "json", Output: &buf})

	ctx := WithSessionID(context.Background(), "sess-123")
	ctx = WithTenantID(ctx, "tenant-1")

	Info(ctx, "transition")

	var logEntry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "sess-123", logEntry["session_id"])
	assert.Equal(t, "tenant-1", logEntry["tenant_id"])
}

func TestAudit_MarksRecord(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "info", Format: "json", Output: &buf})

	Audit(context.Background(), "session_stopped", "final_cost", "21.00")

	var logEntry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, true, logEntry["audit"])
	assert.Equal(t, "session_stopped", logEntry["operation"])
	assert.Equal(t, "21.00", logEntry["final_cost"])
}
