package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_RejectsUnknownLevelAndFormat(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)

	l, err := New(Config{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestNamedLoggerCarriesComponentAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).Named("correlator")

	l.Info("Takeoff matched", String("device_id", "DD1234"), Int("flight_id", 7))
	l.Error("Counter update failed", Error(errors.New("boom")))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "correlator", entries[0].LoggerName)
	assert.Equal(t, "DD1234", entries[0].ContextMap()["device_id"])
	assert.Equal(t, int64(7), entries[0].ContextMap()["flight_id"])
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}
