package config

import (
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// NewWorkerLogger creates the worker's logger: text to stderr for operators
// watching the process, JSON to a file for machine parsing. Returns the
// logger and a cleanup function to close the file. If logFile is empty or
// cannot be opened, logs go to stderr only.
func NewWorkerLogger(logFile string) (*slog.Logger, func() error) {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	if logFile == "" {
		return slog.New(stderrHandler), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Error("failed to open worker log file, using stderr only", "error", err, "file", logFile)
		return slog.New(stderrHandler), func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	logger := slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
	return logger, file.Close
}
