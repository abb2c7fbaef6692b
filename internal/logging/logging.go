// Package logging builds the zerolog logger shared by every subsystem.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns the root logger. Each subsystem derives its own logger via
// logger.With().Str("component", ...).
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}
