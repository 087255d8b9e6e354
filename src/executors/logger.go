package executors

import (
	"strings"

	logger "github.com/sirupsen/logrus"
)

// SetupLogger configures the standard logrus logger. Unknown levels fall back
// to info.
func SetupLogger(level, format string) {
	lvl, err := logger.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logger.InfoLevel
	}
	logger.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logger.JSONFormatter{})
		return
	}
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})
}
