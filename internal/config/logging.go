package config

import (
	"strings"

	"codebridge/internal/logging"
)

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level,omitempty"`           // debug, info, warn, error
	Format     string          `yaml:"format" json:"format,omitempty"`         // json, text
	File       string          `yaml:"file" json:"file,omitempty"`             // empty means stderr
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"` // Per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Categories not listed are enabled.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

// ToLogging converts to the logging package's config.
func (c *LoggingConfig) ToLogging(verbose bool) logging.Config {
	level := c.Level
	if verbose {
		level = "debug"
	}
	return logging.Config{
		Level:      level,
		JSONFormat: strings.EqualFold(c.Format, "json"),
		File:       c.File,
		Categories: c.Categories,
	}
}
