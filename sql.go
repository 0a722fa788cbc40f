package idemflow

// This file centralizes SQL statement strings so call sites don't need to
// format table names inline. The only dynamic part is the schema-qualified
// table name embedded in dbTables.

func (t dbTables) insertIdempotencyKeySQL() string {
	return `
		INSERT INTO ` + t.idempotencyKeys + ` (idempotency_key, request_method, request_path, request_params, recovery_point, version, created_at)
		VALUES ($1, $2, $3, $4, $5, 1, now())
		ON CONFLICT (idempotency_key) DO NOTHING
	`
}

func (t dbTables) selectIdempotencyKeySQL() string {
	return `
		SELECT idempotency_key, request_method, request_path, request_params,
			recovery_point, response_code, response_body, locked_at, version, created_at
		FROM ` + t.idempotencyKeys + `
		WHERE idempotency_key = $1
	`
}

// selectIdempotencyKeyForUpdateSQL holds a row lock for the step's
// transaction, so a losing concurrent caller blocks until the winner commits.
func (t dbTables) selectIdempotencyKeyForUpdateSQL() string {
	return t.selectIdempotencyKeySQL() + ` FOR UPDATE`
}

func (t dbTables) lockIdempotencyKeySQL() string {
	return `
		UPDATE ` + t.idempotencyKeys + `
		SET locked_at = now()
		WHERE idempotency_key = $1
	`
}

// advanceRecoveryPointSQL bumps the version so a concurrent caller holding a
// stale copy fails its own advance instead of double-running a stage.
func (t dbTables) advanceRecoveryPointSQL() string {
	return `
		UPDATE ` + t.idempotencyKeys + `
		SET recovery_point = $2, version = version + 1, locked_at = NULL
		WHERE idempotency_key = $1 AND version = $3
	`
}

func (t dbTables) finishIdempotencyKeySQL() string {
	return `
		UPDATE ` + t.idempotencyKeys + `
		SET recovery_point = $2, response_code = $3, response_body = $4,
			version = version + 1, locked_at = NULL
		WHERE idempotency_key = $1 AND version = $5
	`
}

func (t dbTables) insertBatchJobSQL() string {
	return `
		INSERT INTO ` + t.batchJobs + ` (id, type, context, result, dry_run, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
	`
}

func (t dbTables) selectBatchJobSQL() string {
	return `
		SELECT id, type, context, result, dry_run, status,
			pre_processed_at, confirmed_at, processing_at, completed_at, canceled_at, failed_at,
			created_at, updated_at
		FROM ` + t.batchJobs + `
		WHERE id = $1
	`
}

func (t dbTables) selectBatchJobForUpdateSQL() string {
	return t.selectBatchJobSQL() + ` FOR UPDATE`
}

func (t dbTables) listBatchJobsSQL() string {
	return `
		SELECT id, type, context, result, dry_run, status,
			pre_processed_at, confirmed_at, processing_at, completed_at, canceled_at, failed_at,
			created_at, updated_at
		FROM ` + t.batchJobs + `
		WHERE ($1 = '' OR type = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
}

func (t dbTables) countBatchJobsSQL() string {
	return `
		SELECT count(*)
		FROM ` + t.batchJobs + `
		WHERE ($1 = '' OR type = $1) AND ($2 = '' OR status = $2)
	`
}

func (t dbTables) updateBatchJobSQL() string {
	return `
		UPDATE ` + t.batchJobs + `
		SET context = $2, result = $3, dry_run = $4, updated_at = now()
		WHERE id = $1
	`
}

// stampBatchJobStatusSQL sets the status column and the matching timestamp
// column. The column name comes from a fixed internal map, never from input.
func (t dbTables) stampBatchJobStatusSQL(column string) string {
	return `
		UPDATE ` + t.batchJobs + `
		SET status = $2, ` + column + ` = now(), updated_at = now()
		WHERE id = $1
	`
}

// claimBatchJobSQL picks one job in the given status for the next pipeline
// stage. SKIP LOCKED lets concurrent workers claim distinct jobs.
func (t dbTables) claimBatchJobSQL() string {
	return `
		SELECT id, type, context, result, dry_run, status,
			pre_processed_at, confirmed_at, processing_at, completed_at, canceled_at, failed_at,
			created_at, updated_at
		FROM ` + t.batchJobs + `
		WHERE status = $1 AND ($2 = '' OR type = $2)
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`
}
