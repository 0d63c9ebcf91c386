// Package core defines the shared language of the tracescope system.
//
// This package contains:
//   - Domain entities (Node, Query, Record, Run, etc.)
//   - Service interfaces (Engine, Journal)
//   - Metadata types (Column, TableMetadata)
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
