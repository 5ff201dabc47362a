package cluster

import (
	"io"
	"log/slog"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// newRaftLogger returns the hclog.Logger handed to Raft. An empty or "off"
// level discards Raft's own logging; otherwise it is written through logger's
// handler.
func newRaftLogger(logger *slog.Logger, level string) hclog.Logger {
	lvl := hclog.LevelFromString(strings.TrimSpace(level))
	if lvl == hclog.NoLevel || lvl == hclog.Off {
		return newNoOpHCLogger()
	}
	return newHCLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo).Writer(), lvl)
}

// newNoOpHCLogger creates a no-op hclog.Logger for Raft to avoid excessive logging.
func newNoOpHCLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.Off,
		Output: io.Discard,
	})
}

// newHCLogger creates an hclog.Logger writing to w.
func newHCLogger(w io.Writer, level hclog.Level) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  level,
		Output: w,
	})
}
