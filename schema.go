package idemflow

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SchemaSQL is the default schema (DefaultSchema) required by this package.
//
// Notes:
// - `idempotency_key` is the caller-supplied (or generated) token, keyed uniquely.
// - request params, job context and results are stored as jsonb (default codec is JSON).
// - batch job timestamp columns are append-only; they double as the audit trail
//   while `status` carries the authoritative state.
var SchemaSQL = SchemaSQLFor(DefaultSchema)

// SchemaSQLFor returns the schema required by this package for a given Postgres schema name.
//
// The schema name is validated conservatively and will fall back to DefaultSchema if invalid.
func SchemaSQLFor(schema string) string {
	cfg := DBConfig{Schema: schema}
	schema = cfg.schema()
	schemaIdent := pgx.Identifier{schema}.Sanitize()
	t := newDBTables(cfg)

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
	idempotency_key text PRIMARY KEY,
	request_method  text NOT NULL,
	request_path    text NOT NULL,
	request_params  jsonb,
	recovery_point  text NOT NULL DEFAULT 'started',
	response_code   int,
	response_body   jsonb,
	locked_at       timestamptz,
	version         bigint NOT NULL DEFAULT 1,
	created_at      timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
	id               uuid PRIMARY KEY,
	type             text NOT NULL,
	context          jsonb NOT NULL DEFAULT '{}',
	result           jsonb NOT NULL DEFAULT '{}',
	dry_run          boolean NOT NULL DEFAULT false,
	status           text NOT NULL DEFAULT 'created',
	pre_processed_at timestamptz,
	confirmed_at     timestamptz,
	processing_at    timestamptz,
	completed_at     timestamptz,
	canceled_at      timestamptz,
	failed_at        timestamptz,
	created_at       timestamptz NOT NULL DEFAULT now(),
	updated_at       timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS batch_jobs_claim_idx
	ON %s (status, created_at);

CREATE INDEX IF NOT EXISTS batch_jobs_type_idx
	ON %s (type);
`,
		schemaIdent,
		t.idempotencyKeys,
		t.batchJobs,
		t.batchJobs,
		t.batchJobs,
	)
}
