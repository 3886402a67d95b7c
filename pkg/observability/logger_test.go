package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dev/bravebird/browser-flow-go/pkg/config"
	"dev/bravebird/browser-flow-go/pkg/models"
)

func TestInitializeJSON(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "flowctl"}, zapcore.AddSync(&buf))
	GetLogger().Named("locator").Debug("Element located", zap.String("selector", "#username"))
	Sync()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "flowctl.locator", entry["logger"])
	assert.Equal(t, "Element located", entry["msg"])
	assert.Equal(t, "#username", entry["selector"])
}

func TestInitializeOnlyOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var first, second bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&first))
	Initialize(config.LoggerConfig{Level: "debug", Format: "json"}, zapcore.AddSync(&second))
	GetLogger().Info("hello")

	assert.Contains(t, first.String(), "hello")
	assert.Empty(t, second.String())
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{Level: "chatty", Format: "json"}, zapcore.AddSync(&buf))
	GetLogger().Debug("hidden")
	GetLogger().Info("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogFileRotationTarget(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	path := filepath.Join(t.TempDir(), "flow.log")
	var console bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info", Format: "console", LogFile: path, MaxSize: 1}, zapcore.AddSync(&console))
	GetLogger().Info("to both outputs")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(string(data)), "{"), "file output is JSON")
	assert.Contains(t, string(data), "to both outputs")
	assert.Contains(t, console.String(), "to both outputs")
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	assert.NotNil(t, GetLogger())
}

func TestSecretsAreRedactedInFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	secret := models.NewSecret("hunter2")

	logger.Info("typing", zap.Stringer("value", secret), zap.Any("credential", models.NewCredential("me", "hunter2")))

	require.Equal(t, 1, logs.Len())
	for _, v := range logs.All()[0].ContextMap() {
		assert.NotContains(t, toString(v), "hunter2")
	}
}

func toString(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestTemporalLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewTemporalLogger(zap.New(core))

	l.Info("Started Worker", "Namespace", "default", "TaskQueue", "browser-flow")
	l.With("WorkflowID", "run-1").Warn("Activity heartbeat timed out")

	require.Equal(t, 2, logs.Len())
	first := logs.All()[0]
	assert.Equal(t, zapcore.InfoLevel, first.Level)
	assert.Equal(t, "browser-flow", first.ContextMap()["TaskQueue"])
	second := logs.All()[1]
	assert.Equal(t, zapcore.WarnLevel, second.Level)
	assert.Equal(t, "run-1", second.ContextMap()["WorkflowID"])
}
