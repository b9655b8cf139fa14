// Package logger wraps logrus with the configuration knobs mixcore services use.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a wrapper around logrus.Logger.
type Logger struct {
	*logrus.Logger
}

// Config controls log level, format and destination.
type Config struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL,default=info"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT,default=text"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// New creates a logger from Config.
func New(cfg Config) *Logger {
	log := logrus.New()
	log.SetLevel(levelOf(cfg.Level))
	log.SetFormatter(formatterOf(cfg.Format))
	log.SetOutput(writerOf(cfg, log))
	return &Logger{Logger: log}
}

func levelOf(s string) logrus.Level {
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func formatterOf(format string) logrus.Formatter {
	if strings.EqualFold(format, "json") {
		return &logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		}
	}
	return &logrus.TextFormatter{FullTimestamp: true}
}

// writerOf resolves the destination. File output tees to stdout so container
// logs stay complete; any filesystem trouble falls back to stdout alone.
func writerOf(cfg Config, log *logrus.Logger) io.Writer {
	if !strings.EqualFold(cfg.Output, "file") {
		return os.Stdout
	}
	prefix := cfg.FilePrefix
	if prefix == "" {
		prefix = "mixcore"
	}
	logDir := "logs"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Errorf("create logs directory: %v", err)
		return os.Stdout
	}
	file, err := os.OpenFile(filepath.Join(logDir, prefix+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Errorf("open log file: %v", err)
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, file)
}

// NewDefault creates a logger with default settings. Tests use this.
func NewDefault(component string) *Logger {
	l := New(Config{Level: "info", Format: "text", Output: "stdout"})
	if component != "" {
		l.AddHook(&componentHook{component: component})
	}
	return l
}

// Component returns an entry tagged with the component name. Workers use this
// so every line they emit carries its origin.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.WithField("component", name)
}

type componentHook struct {
	component string
}

func (h *componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *componentHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["component"]; !ok {
		e.Data["component"] = h.component
	}
	return nil
}
