// Package eventlog wires structured logging for validation and ledger
// events: human-readable text on stderr, machine-parseable JSON in the
// event file.
package eventlog

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Setup creates the dual-output logger. Returns the logger and a cleanup
// function that closes the event file.
func Setup(eventFile string, level slog.Level) (*slog.Logger, func() error) {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})

	// #nosec G304 -- event file path is explicit local configuration.
	file, err := os.OpenFile(eventFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Fall back to stderr-only if the file cannot be opened.
		slog.Error("failed to open event file, using stderr only", "error", err, "file", eventFile)
		return slog.New(stderrHandler), func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
	cleanup := func() error {
		return file.Close()
	}
	return logger, cleanup
}

// SetupWithWriters creates a logger with custom writers (for testing).
func SetupWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}

// RecordRejected logs one refused record with its error list.
func RecordRejected(logger *slog.Logger, memoryID string, errs []string) {
	logger.Warn("record rejected", "memory_id", memoryID, "errors", errs)
}

// RecordAccepted logs one appended record with its chain position.
func RecordAccepted(logger *slog.Logger, memoryID, chainSHA256 string, position int) {
	logger.Info("record accepted", "memory_id", memoryID, "chain_sha256", chainSHA256, "position", position)
}

// CapsuleSaved logs one persisted capsule.
func CapsuleSaved(logger *slog.Logger, uuid, fingerprint, path string) {
	logger.Info("capsule saved", "uuid", uuid, "fingerprint_hash", fingerprint, "path", path)
}

// SecurityViolation logs one zero-tolerance hit. These always log at
// error level regardless of the validity outcome the caller reports.
func SecurityViolation(logger *slog.Logger, subject string, errs []string) {
	logger.Error("security violation", "subject", subject, "errors", errs)
}
