package core

import "strings"

// TablePrefix is prepended to every materialized table name.
const TablePrefix = "_exp_materialized_"

// TableName derives the engine table name for a node ID. Characters
// outside [A-Za-z0-9_] are replaced with underscores; substituted reports
// whether any replacement happened so callers can warn. Distinct IDs can
// collide after substitution; the last materialization then wins.
func TableName(nodeID string) (name string, substituted bool) {
	var b strings.Builder
	b.WriteString(TablePrefix)
	for _, r := range nodeID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			substituted = true
		}
	}
	return b.String(), substituted
}
