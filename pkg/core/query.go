package core

// Query is a compiled node query, ready to hand to an engine. All upstream
// references have been resolved to concrete table names.
type Query struct {
	// SQL is the compiled SELECT statement.
	SQL string
	// Modules are engine modules to load before execution, deduplicated
	// and sorted.
	Modules []string
	// Preambles are statements to execute before the query, in order.
	Preambles []string
}

// Record is the materialization record for a node. A node with a Record
// whose QueryHash is empty is stale: its table (if any) may still exist in
// the engine but must not be reused.
type Record struct {
	// Materialized reports whether the node's table was created and is
	// still considered owned by the service.
	Materialized bool
	// TableName is the engine table holding the node's results.
	TableName string
	// QueryHash is the hash of the compiled query the table was built
	// from. Empty means the record is stale.
	QueryHash string
}

// Fresh reports whether the record represents a live materialization that
// can be reused for the given query hash.
func (r Record) Fresh(hash string) bool {
	return r.Materialized && r.QueryHash != "" && r.QueryHash == hash
}
