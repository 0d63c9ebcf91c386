package core

// Node represents a query node (one .sql file in the nodes directory).
// This contains the core identity fields only. Materialization state
// (table name, query hash) lives in Record, owned by the materializer.
type Node struct {
	// ID is the node identifier (frontmatter name, or filename without extension)
	ID string
	// FilePath is the absolute path to the SQL file
	FilePath string
	// SQL is the raw SQL content (excluding frontmatter)
	SQL string
	// DependsOn lists upstream node IDs referenced by this node
	DependsOn []string
	// AutoExecute controls whether the node runs without a manual trigger
	AutoExecute bool
	// Modules are engine modules the query needs loaded before it runs
	Modules []string
	// Preambles are statements executed before the query in the same session
	Preambles []string
	// Description is a human-readable description of the node
	Description string
	// Meta contains custom extension fields
	Meta map[string]any
	// HasFrontmatter indicates if YAML frontmatter was found
	HasFrontmatter bool
}
