package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// configKey and loggerKey store the loaded config and logger in the command
// context.
type (
	configKey struct{}
	loggerKey struct{}
)

// maxUpwardSearchLevels limits how far up the directory tree to search for
// config files.
const maxUpwardSearchLevels = 10

// Package-level koanf instance and config file tracking.
var (
	k              = koanf.New(".")
	configFileUsed string
)

// findConfigFile finds the config file to use.
// Priority: explicit path > tracescope.yaml > tracescope.yml
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if _, err := os.Stat("tracescope.yaml"); err == nil {
		return "tracescope.yaml"
	}
	if _, err := os.Stat("tracescope.yml"); err == nil {
		return "tracescope.yml"
	}
	return ""
}

// configExistsIn checks if a tracescope config file exists in the directory.
func configExistsIn(dir string) bool {
	for _, name := range []string{"tracescope.yaml", "tracescope.yml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// findProjectRootUpward searches upward from startDir for a tracescope
// config file. Returns empty string if not found within
// maxUpwardSearchLevels.
func findProjectRootUpward(startDir string) string {
	dir := startDir
	for i := 0; i < maxUpwardSearchLevels; i++ {
		if configExistsIn(dir) {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// inferProjectRoot determines the project root from CLI flags and the
// filesystem. Priority:
//  1. Infer from --nodes-dir (parent if it contains a config or the
//     directory is named "nodes")
//  2. Search upward from CWD for tracescope.yaml
//  3. Current working directory
func inferProjectRoot(flags *pflag.FlagSet) string {
	if flags != nil {
		if nodesDir, _ := flags.GetString("nodes-dir"); nodesDir != "" && flags.Changed("nodes-dir") {
			if absNodes, err := filepath.Abs(nodesDir); err == nil {
				parent := filepath.Dir(absNodes)

				if configExistsIn(parent) {
					return parent
				}
				if filepath.Base(absNodes) == "nodes" {
					return parent
				}
			}
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		if root := findProjectRootUpward(cwd); root != "" {
			return root
		}
	}

	cwd, _ := os.Getwd()
	if cwd == "" {
		cwd = "."
	}
	return cwd
}

// resolvePathRelativeTo resolves a path relative to baseDir if it's not
// absolute. Returns the path unchanged if it's empty or already absolute.
func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// ResetConfig resets the koanf instance. Used for testing.
func ResetConfig() {
	k = koanf.New(".")
	configFileUsed = ""
}

// LoadConfig loads configuration from file, environment variables, and
// flags. Precedence (highest to lowest): flags > env vars > config file >
// defaults.
func LoadConfig(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k = koanf.New(".")

	projectRoot := inferProjectRoot(flags)

	// Paths given as flags are relative to the CWD, not the project root.
	// Pin them to absolute form now so root-relative resolution below
	// cannot move them.
	var flagNodesDir, flagJournalPath, flagDatabase string
	if flags != nil {
		if flags.Changed("nodes-dir") {
			if v, _ := flags.GetString("nodes-dir"); v != "" {
				flagNodesDir, _ = filepath.Abs(v)
			}
		}
		if flags.Changed("journal") {
			if v, _ := flags.GetString("journal"); v != "" {
				flagJournalPath, _ = filepath.Abs(v)
			}
		}
		if flags.Changed("database") {
			if v, _ := flags.GetString("database"); v != "" {
				if v != ":memory:" {
					flagDatabase, _ = filepath.Abs(v)
				} else {
					flagDatabase = v
				}
			}
		}
	}

	// An explicit config file anchors the project root at its directory
	// unless a flag already gave a more specific hint.
	if cfgFile != "" && projectRoot == inferProjectRoot(nil) {
		if absPath, err := filepath.Abs(cfgFile); err == nil {
			projectRoot = filepath.Dir(absPath)
		}
	}

	// 1. Defaults.
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"nodes_dir":    DefaultNodesDir,
		"journal_path": DefaultJournalFile,
		"environment":  DefaultEnv,
		"debounce":     DefaultDebounce.String(),
		"verbose":      false,
		"output":       DefaultOutput,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file, searched in the project root when not explicit.
	if cfgFile == "" {
		for _, name := range []string{"tracescope.yaml", "tracescope.yml"} {
			candidate := filepath.Join(projectRoot, name)
			if _, err := os.Stat(candidate); err == nil {
				cfgFile = candidate
				break
			}
		}
	}
	configFileUsed = findConfigFile(cfgFile)
	if configFileUsed != "" {
		if err := k.Load(file.Provider(configFileUsed), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFileUsed, err)
		}
	}

	// 3. Environment variables: TRACESCOPE_NODES_DIR -> nodes_dir.
	if err := k.Load(env.Provider("TRACESCOPE_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "TRACESCOPE_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags (highest priority).
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key := strings.ReplaceAll(f.Name, "-", "_")

			// Flag names favor brevity; map them onto the config keys.
			switch key {
			case "journal":
				return "journal_path", posflag.FlagVal(flags, f)
			case "env":
				return "environment", posflag.FlagVal(flags, f)
			}

			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// 5. Unmarshal into the Config struct.
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// 6. Resolve paths against the project root, honoring pinned flag
	// paths, and expand ${VAR} references.
	cfg.ProjectRoot = projectRoot

	if flagNodesDir != "" {
		cfg.NodesDir = flagNodesDir
	} else {
		cfg.NodesDir = resolvePathRelativeTo(expandEnvVars(cfg.NodesDir), projectRoot)
	}
	if flagJournalPath != "" {
		cfg.JournalPath = flagJournalPath
	} else {
		cfg.JournalPath = resolvePathRelativeTo(expandEnvVars(cfg.JournalPath), projectRoot)
	}
	if flagDatabase != "" {
		cfg.Database = flagDatabase
	} else if cfg.Database != "" && cfg.Database != ":memory:" {
		cfg.Database = resolvePathRelativeTo(expandEnvVars(cfg.Database), projectRoot)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// GetConfigFileUsed returns the path to the config file being used, if any.
func GetConfigFileUsed() string {
	return configFileUsed
}

// WithConfig stores the config in the context.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext retrieves the config from the command context. A default
// config is returned when none was stored, so help paths stay usable.
func FromContext(ctx context.Context) *Config {
	if c, ok := ctx.Value(configKey{}).(*Config); ok {
		return c
	}
	return &Config{
		NodesDir:     DefaultNodesDir,
		JournalPath:  DefaultJournalFile,
		Environment:  DefaultEnv,
		Debounce:     DefaultDebounce,
		OutputFormat: DefaultOutput,
	}
}

// WithLogger stores the logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// envVarPattern matches ${VAR} references.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns with environment variable values.
// Unset variables are left as-is.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})
}
