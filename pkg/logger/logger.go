package logger

import (
	"os"
	"sync"

	"policy-optimizer/pkg/config"

	"github.com/sirupsen/logrus"
)

var (
	log *logrus.Logger
	mu  sync.Mutex
)

// Initialize sets up the logger based on configuration
func Initialize(cfg *config.LoggingConfig) {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		l.Warnf("Invalid log level '%s', using 'info'", cfg.Level)
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		l.Warnf("Invalid log format '%s', using 'json'", cfg.Format)
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	switch cfg.Output {
	case "", "stdout":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		// Anything else is a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			l.Warnf("Failed to open log file '%s', using stdout", cfg.Output)
			l.SetOutput(os.Stdout)
		} else {
			l.SetOutput(file)
		}
	}

	mu.Lock()
	log = l
	mu.Unlock()

	l.Info("Logger initialized successfully")
}

// SetLevel changes the level of the global logger, e.g. after a config reload
func SetLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	GetLogger().SetLevel(parsed)
	return nil
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		// Fallback to default logger
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// WithComponent returns an entry tagged with the emitting component
func WithComponent(name string) *logrus.Entry {
	return GetLogger().WithField("component", name)
}
