package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("json format", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger("debug", FormatJSON, &buf)
		assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

		logger.WithField("extension_id", "ext-1").Info("activated")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "ext-1", entry["extension_id"])
		assert.Equal(t, "activated", entry["msg"])
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		logger := NewLogger("loud", FormatText, &bytes.Buffer{})
		assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
		_, ok := logger.Formatter.(*logrus.TextFormatter)
		assert.True(t, ok)
	})

	t.Run("or default", func(t *testing.T) {
		assert.NotNil(t, OrDefault(nil))
		l := logrus.New()
		assert.Same(t, l, OrDefault(l))
	})
}

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("error", FormatJSON, &buf)

	assert.NotPanics(t, func() {
		defer RecoverPanic(logger, "test task")
		panic("boom")
	})
	assert.Contains(t, buf.String(), "PANIC recovered")
	assert.Contains(t, buf.String(), "test task")
}

func TestPanicError(t *testing.T) {
	assert.Nil(t, PanicError(nil))
	assert.EqualError(t, PanicError("boom"), "panic: boom")

	cause := errors.New("bad state")
	assert.ErrorIs(t, PanicError(cause), cause)
}
