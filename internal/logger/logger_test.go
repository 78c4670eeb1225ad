package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		log = newLogger()
	})

	require.NoError(t, Configure("debug", "json"))
	assert.Equal(t, logrus.DebugLevel, L().GetLevel())

	WithFields(logrus.Fields{"account": "SOVEREIGN-ID-LOG001"}).Info("committed")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "SOVEREIGN-ID-LOG001", entry["account"])
	assert.Equal(t, "committed", entry["msg"])
}

func TestConfigureErrors(t *testing.T) {
	t.Cleanup(func() { log = newLogger() })
	assert.Error(t, Configure("loud", ""))
	assert.Error(t, Configure("", "xml"))
	assert.NoError(t, Configure("", ""))
}
