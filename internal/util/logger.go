package util

import (
	"log"
	"log/slog"
)

// SetupGlobalLogger replaces the standard log package output so that
// libraries logging through it end up in the structured log.
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: GetLogger()})
}

// NewStdLogger returns a *log.Logger for APIs that still require one,
// such as http.Server.ErrorLog.
func NewStdLogger(component string) *log.Logger {
	return slog.NewLogLogger(GetLogger().With("component", component).Handler(), slog.LevelWarn)
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	msg := string(p)
	if len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}
	w.logger.Info(msg)
	return len(p), nil
}
