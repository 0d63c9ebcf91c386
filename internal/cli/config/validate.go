package config

import (
	"fmt"
	"os"
)

// validOutputs lists the accepted output formats.
var validOutputs = map[string]bool{
	"table": true,
	"json":  true,
}

// Validate checks if the configuration is valid. Directory existence is
// checked separately so help commands work without a project.
func (c *Config) Validate() error {
	if c.NodesDir == "" {
		return fmt.Errorf("nodes_dir is required")
	}
	if c.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative, got %s", c.Debounce)
	}
	if c.OutputFormat != "" && !validOutputs[c.OutputFormat] {
		return fmt.Errorf("unknown output format %q (expected table or json)", c.OutputFormat)
	}
	return nil
}

// ValidateDirectories checks if required directories exist.
func (c *Config) ValidateDirectories() error {
	if _, err := os.Stat(c.NodesDir); os.IsNotExist(err) {
		return fmt.Errorf("nodes directory does not exist: %s\nHint: Create the directory or use --nodes-dir to specify a different path", c.NodesDir)
	}
	return nil
}
