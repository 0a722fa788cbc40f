package idemflow

import (
	"unicode"

	"github.com/jackc/pgx/v5"
)

// DefaultSchema is the schema used by this package when none is configured.
//
// With unprefixed table names (idempotency_keys, batch_jobs), using a
// dedicated schema avoids collisions with application tables.
const DefaultSchema = "idemflow"

// DBConfig configures where this package stores its tables.
type DBConfig struct {
	// Schema is the Postgres schema containing the tables.
	// If empty, DefaultSchema is used.
	Schema string
}

func (c DBConfig) schema() string {
	if c.Schema == "" {
		return DefaultSchema
	}
	// Keep identifiers conservative to avoid SQL injection. If invalid, fall back.
	for i, r := range c.Schema {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return DefaultSchema
		}
		if i == 0 && unicode.IsDigit(r) {
			return DefaultSchema
		}
	}
	return c.Schema
}

type dbTables struct {
	idempotencyKeys string
	batchJobs       string
}

func newDBTables(cfg DBConfig) dbTables {
	schema := cfg.schema()
	return dbTables{
		idempotencyKeys: pgx.Identifier{schema, "idempotency_keys"}.Sanitize(),
		batchJobs:       pgx.Identifier{schema, "batch_jobs"}.Sanitize(),
	}
}
