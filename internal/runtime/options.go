package runtime

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"

	"github.com/drksbr/relaytun/internal/config"
	"github.com/drksbr/relaytun/internal/logger"
	"github.com/drksbr/relaytun/internal/version"
)

// Options holds the persistent flags shared by every subcommand.
type Options struct {
	JSONLogs bool
	LogLevel string
	EnvFile  string

	// LogWriter defaults to stdout.
	LogWriter io.Writer

	logger *logger.Logger
}

// LoadEnv reads the configured dotenv file. A missing file is not an error;
// variables already present in the environment win.
func (o *Options) LoadEnv() error {
	path := strings.TrimSpace(o.EnvFile)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func (o *Options) SetupLogger() error {
	format := logger.FormatText
	if o.JSONLogs {
		format = logger.FormatJSON
	}
	l, err := logger.New(logger.Config{
		Format:      format,
		Level:       strings.ToLower(strings.TrimSpace(o.LogLevel)),
		Writer:      o.LogWriter,
		ServiceName: "relaytun",
		Environment: config.GetStringEnv("RELAYTUN_ENV", ""),
		Version:     version.Version,
	})
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	o.logger = l
	return nil
}

// ComponentLogger returns a child logger tagged with component, setting up
// the logger on first use.
func (o *Options) ComponentLogger(component string) (*slog.Logger, error) {
	if o.logger == nil {
		if err := o.SetupLogger(); err != nil {
			return nil, err
		}
	}
	return o.logger.WithComponent(component), nil
}

// RedirectLogs rebuilds the logger on w. Commands that own stdout call it
// before logging anything.
func (o *Options) RedirectLogs(w io.Writer) error {
	o.LogWriter = w
	return o.SetupLogger()
}
