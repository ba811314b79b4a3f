// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

// Setup installs the global logger. When configPath is set it must point to a
// zeroconfig YAML document and takes precedence over level.
func Setup(level, configPath string) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if configPath != "" {
		logger, err := Load(configPath)
		if err != nil {
			return err
		}
		log.Logger = *logger
		return nil
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	return nil
}

// Load compiles a zeroconfig YAML file into a logger.
func Load(path string) (*zerolog.Logger, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("log config %s is not readable: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("log config %s is not readable: %w", path, err)
	}
	var cfg zeroconfig.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("log config %s is not valid yaml: %w", path, err)
	}
	logger, err := cfg.Compile()
	if err != nil {
		return nil, fmt.Errorf("log config %s is not valid for zerolog, see go.mau.fi/zeroconfig documentation: %w", path, err)
	}
	return logger, nil
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
