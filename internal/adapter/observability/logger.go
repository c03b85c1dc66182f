package observability

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fairyhunter13/vision-to-tag/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields. When a
// log directory is configured the stream is duplicated to a size-rotated file
// named after the process role (server, worker).
func SetupLogger(cfg config.Config, role string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	var w io.Writer = os.Stdout
	if cfg.LogDir != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, role+".log"),
			MaxSize:    100, // megabytes
			MaxBackups: 7,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	h := slog.NewJSONHandler(w, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("role", role),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
