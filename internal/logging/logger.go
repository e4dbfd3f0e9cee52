// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zcrush/internal/config"
)

// InitLogger applies the level and format of cfg. Placement commands write
// their results to stdout, so logs always go to stderr.
func InitLogger(cfg *config.Config) {
	log.SetOutput(os.Stderr)
	setLogLevel(cfg.LogLevel)
	setFormat(cfg.LogFormat)
}

// InitFromEnv applies LOG_LEVEL before any configuration is loaded.
func InitFromEnv() {
	setLogLevel(os.Getenv("LOG_LEVEL"))
}

// setLogLevel accepts any logrus level name in any case. Unknown or empty
// names log errors only.
func setLogLevel(name string) {
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		level = log.ErrorLevel
	}
	log.SetLevel(level)
}

func setFormat(format string) {
	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	}
}

func init() {
	InitFromEnv()
}
