package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. Packages log through For.
var Logger = logrus.New()

func init() {
	Logger.SetFormatter(jsonFormatter())
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetOutput(os.Stdout)
}

func jsonFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	}
}

// Configure applies level and format ("json" or "text"). Unknown levels keep info.
func Configure(level, format string) {
	if lvl, err := logrus.ParseLevel(strings.TrimSpace(level)); err == nil {
		Logger.SetLevel(lvl)
	}
	if strings.EqualFold(format, "text") {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	} else {
		Logger.SetFormatter(jsonFormatter())
	}
}

// For returns an entry tagged with the component name.
func For(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

// GinWriter adapts gin's access log output to the structured logger.
func GinWriter() io.Writer {
	return &ginLogWriter{entry: Logger.WithField("source", "gin")}
}

type ginLogWriter struct {
	entry *logrus.Entry
}

func (w *ginLogWriter) Write(p []byte) (int, error) {
	w.entry.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
