package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSONWithAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "info", Format: FormatJSON, Output: &buf})

	log.Debug("hidden")
	log.Info("schedule changed", Entity("1ПИ-01"), Platform("vk"), UserID(42), Err(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "schedule changed", rec["msg"])
	assert.Equal(t, "1ПИ-01", rec["entity"])
	assert.Equal(t, "vk", rec["platform"])
	assert.EqualValues(t, 42, rec["user_id"])
	assert.Equal(t, "boom", rec["error"])
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	New(Options{Format: FormatText, Output: &buf}).Info("started", Component("checker"))
	assert.Contains(t, buf.String(), "component=checker")
}

func TestContext(t *testing.T) {
	log := Discard()
	assert.Same(t, log, FromContext(WithContext(context.Background(), log)))
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}
