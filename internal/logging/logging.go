// Package logging provides the process-wide logrus logger, matching the
// app-name-prefix convention used elsewhere in the stack.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the shared logger instance; every package logs through it.
var Logger = logrus.New()

type appNameHook struct {
	appName string
}

func (hook *appNameHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook *appNameHook) Fire(entry *logrus.Entry) error {
	entry.Message = "[" + hook.appName + "] " + entry.Message
	return nil
}

// Init configures the shared logger: stdout output, LOG_LEVEL env override
// (default info), full-timestamp text formatting, and an app-name prefix.
func Init(appName string) {
	Logger.SetOutput(os.Stdout)

	logLevelName := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if logLevelName == "" {
		logLevelName = "info"
	}
	level, err := logrus.ParseLevel(logLevelName)
	if err != nil {
		Logger.Warnf("invalid LOG_LEVEL %q, defaulting to info", logLevelName)
		level = logrus.InfoLevel
	}
	Logger.SetLevel(level)

	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	Logger.AddHook(&appNameHook{appName: appName})
}
