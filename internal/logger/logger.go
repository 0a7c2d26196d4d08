// Package logger provides the zerolog constructor shared by all binaries.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls log level and the static fields stamped on every event.
type Config struct {
	Level       string
	Environment string
	ServiceName string
	Version     string
}

// Logger wraps zerolog.Logger so call sites can hang helpers off it later.
type Logger struct {
	zerolog.Logger
}

// New builds the root logger. Development environments get the console
// writer; everything else emits JSON for log shipping.
func New(cfg Config) *Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var l zerolog.Logger
	if cfg.Environment == "development" || cfg.Environment == "local" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		l = zerolog.New(output)
	} else {
		l = zerolog.New(os.Stdout)
	}

	l = l.Level(level).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Logger()

	zerolog.TimeFieldFormat = time.RFC3339Nano

	return &Logger{l}
}

// Nop returns a disabled logger for tests.
func Nop() *Logger {
	return &Logger{zerolog.Nop()}
}
