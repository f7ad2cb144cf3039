// Package logging builds the hclog loggers handed to every gridcoord
// component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Config selects level and format of the root logger.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
	Output io.Writer
}

// New returns the root logger for a process.
func New(name string, cfg Config) hclog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:            name,
		Level:           level,
		Output:          out,
		JSONFormat:      strings.EqualFold(cfg.Format, "json"),
		IncludeLocation: level <= hclog.Debug,
	})
}

// Discard returns a logger that drops everything. Tests use it when the
// output is not under test.
func Discard() hclog.Logger {
	return hclog.NewNullLogger()
}

// ValidLevel reports whether s names an hclog level.
func ValidLevel(s string) bool {
	return s == "" || hclog.LevelFromString(s) != hclog.NoLevel
}
