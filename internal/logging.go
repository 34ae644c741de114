package internal

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns the process logger and a function that closes its
// output. Without Debug it discards everything: stdout carries agent
// traffic and stderr is shown to the user by the client. With Debug it
// appends to config.LogFile.
func NewLogger(config Config) (zerolog.Logger, func() error, error) {
	if !config.Debug {
		return zerolog.Nop(), func() error { return nil }, nil
	}

	file, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to open log file %q: %w", config.LogFile, err)
	}

	output := zerolog.ConsoleWriter{
		Out:        file,
		NoColor:    true,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).
		Level(zerolog.DebugLevel).
		With().
		Timestamp().
		Int("pid", os.Getpid()).
		Str("mode", string(config.Mode)).
		Logger()

	return logger, file.Close, nil
}
