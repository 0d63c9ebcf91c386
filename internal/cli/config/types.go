// Package config provides configuration management for the tracescope CLI.
//
// Configuration is resolved from four layers, lowest to highest precedence:
// built-in defaults, a tracescope.yaml project file, TRACESCOPE_* environment
// variables, and command-line flags.
package config

import "time"

// Config holds all CLI configuration options.
type Config struct {
	// ProjectRoot anchors relative path resolution. It is inferred from
	// flag hints and the config file location, never read from the file
	// itself.
	ProjectRoot string `koanf:"-"`

	NodesDir     string        `koanf:"nodes_dir"`
	Database     string        `koanf:"database"`
	JournalPath  string        `koanf:"journal_path"`
	Environment  string        `koanf:"environment"`
	Debounce     time.Duration `koanf:"debounce"`
	Verbose      bool          `koanf:"verbose"`
	OutputFormat string        `koanf:"output"`
}

// Default configuration values.
const (
	DefaultNodesDir    = "nodes"
	DefaultJournalFile = ".tracescope/journal.db"
	DefaultEnv         = "dev"
	DefaultOutput      = "table"
	DefaultDebounce    = 300 * time.Millisecond
)
