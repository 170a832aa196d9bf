// Package nmlog builds the process-wide structured logger, grounded on
// pkg/log/log.go: JSON output, file-backed in debug mode, and in
// production written to io.Discard (errors included), so the agent never
// spams stdout (which a controller may be scraping for other purposes)
// unless asked to.
package nmlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/clusterfabric/nodeagent/internal/nmconfig"
)

// New builds the root logger entry, pre-populated with the fields every
// log line should carry (debug flag, version) the way the teacher's
// NewLogger pins version/commit/buildDate onto every entry.
func New(cfg nmconfig.Config, configDir, version string) *logrus.Entry {
	var log *logrus.Logger
	if cfg.Debug || os.Getenv("DEBUG") == "TRUE" {
		log = developmentLogger(configDir)
	} else {
		log = productionLogger()
	}
	log.Formatter = &logrus.JSONFormatter{}

	return log.WithFields(logrus.Fields{
		"debug":   cfg.Debug,
		"version": version,
	})
}

func developmentLogger(configDir string) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(level())
	file, err := os.OpenFile(filepath.Join(configDir, "nodeagent.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		fmt.Fprintln(os.Stderr, "unable to log to file:", err)
		os.Exit(1)
	}
	log.SetOutput(file)
	return log
}

func productionLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func level() logrus.Level {
	lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logrus.DebugLevel
	}
	return lvl
}
