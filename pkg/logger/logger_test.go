package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ParsesLevelAndFormat(t *testing.T) {
	l := New(LoggingConfig{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	_, ok := l.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok, "expected JSON formatter")
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New(LoggingConfig{Level: "chatty"})
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestNamed_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	base := New(LoggingConfig{Level: "info", Format: "json"})
	base.SetOutput(&buf)

	l := base.Named("proposals")
	l.WithField("proposal_id", 3).Info("proposal approved")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "proposals", entry["component"])
	assert.Equal(t, float64(3), entry["proposal_id"])
	assert.Equal(t, "proposals", l.Component())
}

func TestNewDiscard(t *testing.T) {
	l := NewDiscard()
	l.Error("dropped")
	assert.Equal(t, logrus.PanicLevel, l.GetLevel())
}
