// Package logging configures the gateway's shared logrus instance:
// structured fields, a compact human-readable formatter, and optional
// rotation to disk.
//
// Grounded on global_logger.go's LogFormatter/SetupBaseLogger/
// ConfigureLogOutput trio, with the Gin-specific writer wiring dropped
// (this gateway has no HTTP framework dependency to bridge) and
// LoggingToFile/LogsMaxTotalSizeMB replaced by config.Config's own
// persistence/streaming knobs where applicable.
package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce sync.Once
	writerMu  sync.Mutex
	logWriter *lumberjack.Logger
)

// Formatter renders one log entry per line:
// [2026-01-02 15:04:05] [request_id] [level] [file.go:123] message field=value
type Formatter struct{}

var fieldOrder = []string{"provider", "model", "credential", "attempt", "status", "error"}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	var buf *bytes.Buffer
	if entry.Buffer != nil {
		buf = entry.Buffer
	} else {
		buf = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	reqID := "--------"
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		reqID = id
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	levelStr := fmt.Sprintf("%-5s", level)

	var fieldsStr string
	if len(entry.Data) > 0 {
		var fields []string
		for _, k := range fieldOrder {
			if v, ok := entry.Data[k]; ok {
				fields = append(fields, fmt.Sprintf("%s=%v", k, v))
			}
		}
		if len(fields) > 0 {
			fieldsStr = " " + strings.Join(fields, " ")
		}
	}

	if entry.Caller != nil {
		fmt.Fprintf(buf, "[%s] [%s] [%s] [%s:%d] %s%s\n",
			timestamp, reqID, levelStr, filepath.Base(entry.Caller.File), entry.Caller.Line, message, fieldsStr)
	} else {
		fmt.Fprintf(buf, "[%s] [%s] [%s] %s%s\n", timestamp, reqID, levelStr, message, fieldsStr)
	}

	return buf.Bytes(), nil
}

// Setup configures the shared logrus instance once per process.
func Setup() {
	setupOnce.Do(func() {
		log.SetReportCaller(true)
		log.SetFormatter(&Formatter{})
		log.SetOutput(os.Stdout)
	})
}

// ToFile switches the global log destination to a rotating file at
// path, using lumberjack for size-based rotation. Passing an empty
// path reverts to stdout.
func ToFile(path string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) error {
	Setup()

	writerMu.Lock()
	defer writerMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}

	if path == "" {
		log.SetOutput(os.Stdout)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("logging: create log directory: %w", err)
	}

	logWriter = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   compress,
	}
	log.SetOutput(logWriter)
	return nil
}

// Close flushes and closes the rotating file writer, if any. Called on
// process shutdown alongside the resilient writer's final flush.
func Close() error {
	writerMu.Lock()
	defer writerMu.Unlock()
	if logWriter == nil {
		return nil
	}
	err := logWriter.Close()
	logWriter = nil
	return err
}
