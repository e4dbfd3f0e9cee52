package logging

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zcrush/internal/config"
)

func TestInitLogger(t *testing.T) {
	defer log.SetLevel(log.GetLevel())

	tests := map[string]log.Level{
		"trace":   log.TraceLevel,
		"DEBUG":   log.DebugLevel,
		"info":    log.InfoLevel,
		"warn":    log.WarnLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		" Fatal ": log.FatalLevel,
		"":        log.ErrorLevel,
		"verbose": log.ErrorLevel,
	}
	for in, want := range tests {
		InitLogger(&config.Config{LogLevel: in})
		require.Equal(t, want, log.GetLevel(), in)
	}
}

func TestInitFromEnv(t *testing.T) {
	defer log.SetLevel(log.GetLevel())

	t.Setenv("LOG_LEVEL", "Debug")
	InitFromEnv()
	require.Equal(t, log.DebugLevel, log.GetLevel())
}

func TestInitLogger_Format(t *testing.T) {
	defer log.SetFormatter(log.StandardLogger().Formatter)

	InitLogger(&config.Config{LogLevel: "info", LogFormat: "JSON"})
	require.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	InitLogger(&config.Config{LogLevel: "info"})
	require.IsType(t, &log.TextFormatter{}, log.StandardLogger().Formatter)
}
