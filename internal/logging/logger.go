package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// InitLogger configures the package logger to write both to stderr and to a
// rotating log file. An empty file path disables the file sink.
func InitLogger(file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool, level string) {
	var w io.Writer = os.Stderr
	if file != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		})
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	mu.Lock()
	logger = zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	mu.Unlock()
}

// SetLogLevel adjusts the minimum level of the package logger. Unknown level
// strings fall back to info.
func SetLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	mu.Lock()
	logger = logger.Level(lvl)
	mu.Unlock()
}

// SetLoggerForTest replaces the package logger. Intended for tests that need
// to capture output.
func SetLoggerForTest(l zerolog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

func get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Info logs msg at info level with alternating key/value pairs.
func Info(msg string, kv ...any) {
	l := get()
	emit(l.Info(), msg, kv)
}

// Warn logs msg at warn level with alternating key/value pairs.
func Warn(msg string, kv ...any) {
	l := get()
	emit(l.Warn(), msg, kv)
}

// Error logs msg at error level with alternating key/value pairs.
func Error(msg string, kv ...any) {
	l := get()
	emit(l.Error(), msg, kv)
}

func emit(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		ev = ev.Interface(key, kv[i+1])
	}
	// A dangling key without a value is logged under a fixed field rather
	// than dropped, so misuse is still visible.
	if len(kv)%2 != 0 {
		ev = ev.Interface("EXTRA", kv[len(kv)-1])
	}
	ev.Msg(msg)
}
