package orchestrator

import (
	"log/slog"
	"os"

	"github.com/elspeth-io/elspeth/internal/config"
)

// defaultLogger matches internal/api/server.go's NewServer default: a
// structured JSON logger over stdout, level sourced from LOG_LEVEL the same
// way the landscape recorder reads it.
func defaultLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
}
