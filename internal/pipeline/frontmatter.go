// Package pipeline discovers query node files and parses their YAML
// frontmatter into core.Node values.
package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tracescope-labs/tracescope/pkg/core"
)

// Frontmatter represents parsed YAML frontmatter of a node file.
// Unknown fields cause parse errors (use meta for extensions).
type Frontmatter struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Depends     []string       `yaml:"depends"`
	AutoExecute *bool          `yaml:"auto_execute"`
	Modules     []string       `yaml:"modules"`
	Preambles   []string       `yaml:"preambles"`
	Meta        map[string]any `yaml:"meta"` // Extension point for custom fields
}

// FrontmatterResult holds the result of frontmatter extraction.
type FrontmatterResult struct {
	Config  *Frontmatter
	SQL     string // SQL content after frontmatter
	HasYAML bool   // Whether frontmatter was found
}

// frontmatterPattern matches /*--- ... ---*/ blocks at the top of a file.
var frontmatterPattern = regexp.MustCompile(`(?s)^\s*/\*---\s*\n(.*?)\s*---\*/`)

// knownFields lists the frontmatter keys the parser accepts.
var knownFields = map[string]bool{
	"name":         true,
	"description":  true,
	"depends":      true,
	"auto_execute": true,
	"modules":      true,
	"preambles":    true,
	"meta":         true,
}

// ExtractFrontmatter extracts YAML frontmatter from node file content.
// Content without a frontmatter block is returned as plain SQL.
func ExtractFrontmatter(content string) (*FrontmatterResult, error) {
	result := &FrontmatterResult{
		Config:  &Frontmatter{},
		SQL:     strings.TrimSpace(content),
		HasYAML: false,
	}

	matches := frontmatterPattern.FindStringSubmatch(content)
	if matches == nil || len(matches) < 2 {
		return result, nil
	}

	result.HasYAML = true
	result.SQL = strings.TrimSpace(frontmatterPattern.ReplaceAllString(content, ""))

	config, err := parseFrontmatterYAML(matches[1])
	if err != nil {
		return nil, err
	}

	result.Config = config
	return result, nil
}

// parseFrontmatterYAML parses YAML content with strict field validation.
func parseFrontmatterYAML(yamlContent string) (*Frontmatter, error) {
	// First decode into a map to check for unknown fields
	var rawMap map[string]any
	if err := yaml.Unmarshal([]byte(yamlContent), &rawMap); err != nil {
		return nil, &ParseError{
			Message: fmt.Sprintf("invalid YAML: %v", err),
		}
	}

	for field := range rawMap {
		if !knownFields[field] {
			return nil, &UnknownFieldError{Field: field}
		}
	}

	var config Frontmatter
	if err := yaml.Unmarshal([]byte(yamlContent), &config); err != nil {
		return nil, &ParseError{
			Message: fmt.Sprintf("failed to parse frontmatter: %v", err),
		}
	}

	return &config, nil
}

// Node converts the extraction result into a core.Node, applying defaults
// from the file context: the node ID falls back to the filename and
// auto_execute defaults to true.
func (r *FrontmatterResult) Node(filePath, filename string) *core.Node {
	cfg := r.Config

	id := cfg.Name
	if id == "" {
		id = strings.TrimSuffix(filename, ".sql")
	}

	autoExecute := true
	if cfg.AutoExecute != nil {
		autoExecute = *cfg.AutoExecute
	}

	return &core.Node{
		ID:             id,
		FilePath:       filePath,
		SQL:            r.SQL,
		DependsOn:      cfg.Depends,
		AutoExecute:    autoExecute,
		Modules:        cfg.Modules,
		Preambles:      cfg.Preambles,
		Description:    cfg.Description,
		Meta:           cfg.Meta,
		HasFrontmatter: r.HasYAML,
	}
}

// ParseError represents a frontmatter parsing error.
type ParseError struct {
	File    string
	Message string
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return e.Message
}

// UnknownFieldError represents an error for unknown frontmatter fields.
type UnknownFieldError struct {
	File  string
	Field string
}

func (e *UnknownFieldError) Error() string {
	msg := fmt.Sprintf("unknown field %q in frontmatter, use \"meta\" field for custom fields", e.Field)
	if e.File != "" {
		return fmt.Sprintf("%s: %s", e.File, msg)
	}
	return msg
}
