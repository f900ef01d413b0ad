package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var infologger *logrus.Logger
var errorlogger *logrus.Logger
var infoonce sync.Once
var erroronce sync.Once

// InfoLogger returns the logger used for regular operational messages.
func InfoLogger() *logrus.Logger {
	infoonce.Do(func() {
		infologger = logrus.New()
		infologger.SetOutput(os.Stdout)
		infologger.SetLevel(logrus.InfoLevel)
		infologger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	})
	return infologger
}

// ErrorLogger returns the logger used for errors. Fatalf on this logger
// terminates the process with exit code 1.
func ErrorLogger() *logrus.Logger {
	erroronce.Do(func() {
		errorlogger = logrus.New()
		errorlogger.SetOutput(os.Stderr)
		errorlogger.SetLevel(logrus.InfoLevel)
		errorlogger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	})
	return errorlogger
}
