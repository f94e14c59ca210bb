// Package logger provides structured logging for the Proof Capture Engine.
// Built on top of zerolog with contextual fields and per-category loggers.
// Supports dual output to console and structured log files with timestamped naming.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Global variables for file logging
	logFileMutex        sync.Mutex
	sequenceCounter     = make(map[string]int)
	serviceLoggers      = make(map[ServiceType]*os.File)
	serviceMultiWriters = make(map[ServiceType]io.Writer)

	// LogsDir is where log files are written.
	LogsDir = "logs"
)

// LogCategory represents different types of log events
type LogCategory string

const (
	Startup     LogCategory = "startup"
	Session     LogCategory = "session"
	Interceptor LogCategory = "interceptor"
	Tab         LogCategory = "tab"
	Submission  LogCategory = "submission"
	Request     LogCategory = "request"
	Bridge      LogCategory = "bridge"
	Error       LogCategory = "error"
	General     LogCategory = "general"
)

// ServiceType represents the binary generating the logs
type ServiceType string

const (
	Daemon ServiceType = "captured"
	CLI    ServiceType = "verify"
)

func setLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Init initializes the global logger with console output only.
// Defaults to info level if an invalid level is provided.
func Init(level string) {
	setLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})
}

// InitWithFileLogging initializes the global logger with both console and file output.
func InitWithFileLogging(level string, service ServiceType) {
	setLevel(level)

	logFileMutex.Lock()
	defer logFileMutex.Unlock()

	w, err := serviceWriter(service)
	if err != nil {
		fmt.Fprintf(os.Stderr, "File logging disabled: %v\n", err)
		Init(level)
		return
	}
	log.Logger = zerolog.New(w).With().Timestamp().Str("service", string(service)).Logger()
}

// serviceWriter returns the shared console+file writer of a service, opening its log file on first use.
// The caller must hold logFileMutex.
func serviceWriter(service ServiceType) (io.Writer, error) {
	if w, exists := serviceMultiWriters[service]; exists {
		return w, nil
	}

	if err := os.MkdirAll(LogsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	logFilePath := filepath.Join(LogsDir, generateLogFileName(service))
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}
	serviceLoggers[service] = logFile

	// Console gets pretty format, file gets JSON
	multiWriter := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
		logFile,
	)
	serviceMultiWriters[service] = multiWriter

	fmt.Fprintf(os.Stderr, "Logging for service %s to file: %s\n", service, logFilePath)
	return multiWriter, nil
}

// generateLogFileName creates a timestamped log file name with sequence number.
// Format: YYYYMMDD_HHMMSS_{service}_{sequence}.log
// Note: This function assumes the logFileMutex is already locked by the caller
func generateLogFileName(service ServiceType) string {
	now := time.Now()
	dateStr := now.Format("20060102")
	timeStr := now.Format("150405")

	key := fmt.Sprintf("%s_%s_%s", dateStr, timeStr, service)
	sequenceCounter[key]++

	return fmt.Sprintf("%s_%s_%s_%03d.log", dateStr, timeStr, service, sequenceCounter[key])
}

// NewCategoryLogger creates a logger for one category of a service.
// All categories of a service write to the same file, tagged with their category.
func NewCategoryLogger(level string, service ServiceType, category LogCategory) zerolog.Logger {
	setLevel(level)

	logFileMutex.Lock()
	defer logFileMutex.Unlock()

	w, err := serviceWriter(service)
	if err != nil {
		fmt.Fprintf(os.Stderr, "File logging disabled: %v\n", err)
		return log.Logger.With().Str("category", string(category)).Logger()
	}
	return zerolog.New(w).With().Timestamp().Str("service", string(service)).Str("category", string(category)).Logger()
}

// Close flushes and closes every open service log file.
func Close() {
	logFileMutex.Lock()
	defer logFileMutex.Unlock()

	for service, f := range serviceLoggers {
		_ = f.Sync()
		_ = f.Close()
		delete(serviceLoggers, service)
		delete(serviceMultiWriters, service)
	}
}

// WithRequestID creates a logger with a request ID field.
func WithRequestID(requestID string) zerolog.Logger {
	return log.With().Str("request_id", requestID).Logger()
}

// WithSessionID creates a logger with a session ID field.
// Used for tracking everything that happens to one proof session.
func WithSessionID(base zerolog.Logger, sessionID string) zerolog.Logger {
	return base.With().Str("session_id", sessionID).Logger()
}

// WithTabID creates a logger with a tab ID field.
func WithTabID(base zerolog.Logger, tabID string) zerolog.Logger {
	return base.With().Str("tab_id", tabID).Logger()
}

// WithFields creates a logger with multiple custom fields.
func WithFields(fields map[string]interface{}) zerolog.Logger {
	return log.With().Fields(fields).Logger()
}

// CleanupOldLogs removes log files older than the specified number of days.
// Helps prevent logs directory from growing indefinitely.
func CleanupOldLogs(daysToKeep int) error {
	if _, err := os.Stat(LogsDir); os.IsNotExist(err) {
		return nil
	}

	return filepath.Walk(LogsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".log") {
			return nil
		}

		if time.Since(info.ModTime()) > time.Duration(daysToKeep)*24*time.Hour {
			return os.Remove(path)
		}
		return nil
	})
}

// GetLogStats counts log files per service in the logs directory.
func GetLogStats() (map[string]int, error) {
	stats := make(map[string]int)

	if _, err := os.Stat(LogsDir); os.IsNotExist(err) {
		return stats, nil
	}

	err := filepath.Walk(LogsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".log") {
			return nil
		}

		// YYYYMMDD_HHMMSS_{service}_{sequence}.log
		parts := strings.Split(info.Name(), "_")
		if len(parts) >= 4 {
			stats[parts[2]]++
		}
		return nil
	})

	return stats, err
}
