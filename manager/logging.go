package manager

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the structured history logger the manager writes a line
// to for every refit, rollback, add and remove operation. When path is
// non-empty the log goes to a size-rotated file; otherwise to stderr.
func NewLogger(path string) zerolog.Logger {
	var sink io.Writer = os.Stderr
	if path != "" {
		sink = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
		}
	}
	return zerolog.New(sink).With().Timestamp().Str("component", "region_manager").Logger()
}
