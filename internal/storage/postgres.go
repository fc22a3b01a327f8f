package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"pentest-command-gateway/internal/container"
	"pentest-command-gateway/internal/credential"
)

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a connection pool and ensures the gateway tables exist.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &Postgres{pool: pool}
	if err := db.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Msg("connected to PostgreSQL")
	return db, nil
}

func (db *Postgres) initSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS assessments (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			container_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS credentials (
			id BIGSERIAL PRIMARY KEY,
			assessment_id BIGINT NOT NULL REFERENCES assessments(id) ON DELETE CASCADE,
			credential_type TEXT NOT NULL,
			name TEXT NOT NULL,
			placeholder TEXT NOT NULL,
			token TEXT,
			username TEXT,
			password TEXT,
			cookie_value TEXT,
			custom_data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (assessment_id, placeholder)
		);
		CREATE TABLE IF NOT EXISTS pending_commands (
			id UUID PRIMARY KEY,
			assessment_id BIGINT NOT NULL REFERENCES assessments(id) ON DELETE CASCADE,
			command TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			matched_keywords JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			resolved_by TEXT NOT NULL DEFAULT '',
			rejection_reason TEXT NOT NULL DEFAULT '',
			resolved_at TIMESTAMPTZ,
			execution_result JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			timeout_seconds INT
		);
		CREATE INDEX IF NOT EXISTS idx_pending_commands_status ON pending_commands (status);
		CREATE INDEX IF NOT EXISTS idx_pending_commands_assessment ON pending_commands (assessment_id);
		CREATE TABLE IF NOT EXISTS command_history (
			id UUID PRIMARY KEY,
			assessment_id BIGINT NOT NULL REFERENCES assessments(id) ON DELETE CASCADE,
			container_name TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			return_code INT NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT false,
			error_kind TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			phase TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_command_history_assessment ON command_history (assessment_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS platform_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		);`

	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

func (db *Postgres) Close() {
	db.pool.Close()
}

func (db *Postgres) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

func (db *Postgres) GetAssessment(ctx context.Context, id int64) (*Assessment, error) {
	const query = `
		SELECT id, name, target, container_name, created_at
		FROM assessments WHERE id = $1`

	var a Assessment
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Name, &a.Target, &a.ContainerName, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("assessment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying assessment %d: %w", id, err)
	}
	return &a, nil
}

func (db *Postgres) ListCredentials(ctx context.Context, assessmentID int64) ([]credential.Credential, error) {
	const query = `
		SELECT id, assessment_id, credential_type, name, placeholder,
			COALESCE(token, ''), COALESCE(username, ''), COALESCE(password, ''),
			COALESCE(cookie_value, ''), custom_data, created_at
		FROM credentials WHERE assessment_id = $1`

	rows, err := db.pool.Query(ctx, query, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var out []credential.Credential
	for rows.Next() {
		var c credential.Credential
		var customData []byte
		if err := rows.Scan(
			&c.ID, &c.AssessmentID, &c.Type, &c.Name, &c.Placeholder,
			&c.Token, &c.Username, &c.Password, &c.CookieValue,
			&customData, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning credential row: %w", err)
		}
		if len(customData) > 0 {
			if err := json.Unmarshal(customData, &c.CustomData); err != nil {
				log.Warn().Err(err).Int64("credential_id", c.ID).Msg("unparseable custom_data, ignoring")
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *Postgres) CreatePending(ctx context.Context, cmd *PendingCommand) error {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	cmd.Status = StatusPending

	keywords, err := json.Marshal(cmd.MatchedKeywords)
	if err != nil {
		return fmt.Errorf("marshaling matched keywords: %w", err)
	}

	const query = `
		INSERT INTO pending_commands
			(id, assessment_id, command, phase, matched_keywords, status, created_at, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = db.pool.Exec(ctx, query,
		cmd.ID, cmd.AssessmentID, cmd.Command, cmd.Phase,
		keywords, cmd.Status, cmd.CreatedAt, cmd.TimeoutSeconds,
	)
	if err != nil {
		return fmt.Errorf("inserting pending command: %w", err)
	}

	// Populate the display name like the read paths do.
	if a, err := db.GetAssessment(ctx, cmd.AssessmentID); err == nil {
		cmd.AssessmentName = a.Name
	}
	return nil
}

const pendingColumns = `
	p.id, p.assessment_id, a.name, p.command, p.phase, p.matched_keywords,
	p.status, p.resolved_by, p.rejection_reason, p.resolved_at,
	p.execution_result, p.created_at, p.timeout_seconds`

func scanPending(row pgx.Row) (*PendingCommand, error) {
	var p PendingCommand
	var keywords, result []byte
	err := row.Scan(
		&p.ID, &p.AssessmentID, &p.AssessmentName, &p.Command, &p.Phase, &keywords,
		&p.Status, &p.ResolvedBy, &p.RejectionReason, &p.ResolvedAt,
		&result, &p.CreatedAt, &p.TimeoutSeconds,
	)
	if err != nil {
		return nil, err
	}
	if len(keywords) > 0 {
		if err := json.Unmarshal(keywords, &p.MatchedKeywords); err != nil {
			return nil, fmt.Errorf("unmarshaling matched keywords: %w", err)
		}
	}
	if len(result) > 0 {
		var r container.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("unmarshaling execution result: %w", err)
		}
		p.ExecutionResult = &r
	}
	return &p, nil
}

func (db *Postgres) GetPending(ctx context.Context, id string) (*PendingCommand, error) {
	query := `
		SELECT ` + pendingColumns + `
		FROM pending_commands p JOIN assessments a ON a.id = p.assessment_id
		WHERE p.id = $1`

	p, err := scanPending(db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pending command %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending command %s: %w", id, err)
	}
	return p, nil
}

func (db *Postgres) ListPending(ctx context.Context, f PendingFilter) ([]PendingCommand, error) {
	query := `
		SELECT ` + pendingColumns + `
		FROM pending_commands p JOIN assessments a ON a.id = p.assessment_id
		WHERE ($1 = '' OR p.status = $1)
		  AND ($2 = 0 OR p.assessment_id = $2)
		ORDER BY p.created_at DESC`

	rows, err := db.pool.Query(ctx, query, string(f.Status), f.AssessmentID)
	if err != nil {
		return nil, fmt.Errorf("querying pending commands: %w", err)
	}
	defer rows.Close()

	var out []PendingCommand
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pending command row: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (db *Postgres) CountPending(ctx context.Context) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM pending_commands WHERE status = 'pending'`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending commands: %w", err)
	}
	return n, nil
}

func (db *Postgres) ResolvePending(ctx context.Context, id string, res Resolution) (*PendingCommand, error) {
	// The status guard in the WHERE clause makes the precondition check
	// atomic with the update: the first transition wins, later callers
	// match zero rows.
	const update = `
		UPDATE pending_commands
		SET status = $2, resolved_by = $3, rejection_reason = $4, resolved_at = $5
		WHERE id = $1 AND status = 'pending'`

	tag, err := db.pool.Exec(ctx, update,
		id, res.Status, res.ResolvedBy, res.RejectionReason, res.ResolvedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("resolving pending command %s: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		current, err := db.GetPending(ctx, id)
		if err != nil {
			return nil, err // ErrNotFound
		}
		return nil, fmt.Errorf("command is already %s: %w", current.Status, ErrConflict)
	}

	return db.GetPending(ctx, id)
}

func (db *Postgres) SetExecutionResult(ctx context.Context, id string, result *container.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling execution result: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE pending_commands SET execution_result = $2 WHERE id = $1`,
		id, payload,
	)
	if err != nil {
		return fmt.Errorf("storing execution result for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending command %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *Postgres) DeletePending(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM pending_commands WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting pending command %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending command %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *Postgres) SweepExpired(ctx context.Context, defaultTimeoutSeconds int) ([]PendingCommand, error) {
	now := time.Now()

	// Single guarded UPDATE: expiry computation and the status transition
	// commit together, so a concurrent approve either beats the sweep or
	// observes the timeout state.
	const update = `
		UPDATE pending_commands
		SET status = 'timeout',
			resolved_at = $1,
			rejection_reason = 'Auto-cancelled: exceeded ' || COALESCE(timeout_seconds, $2)::text || 's timeout'
		WHERE status = 'pending'
		  AND created_at + make_interval(secs => COALESCE(timeout_seconds, $2)) < $1
		RETURNING id`

	rows, err := db.pool.Query(ctx, update, now, defaultTimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("sweeping expired commands: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning swept id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var swept []PendingCommand
	for _, id := range ids {
		p, err := db.GetPending(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("command_id", id).Msg("swept row vanished before readback")
			continue
		}
		swept = append(swept, *p)
	}
	return swept, nil
}

func (db *Postgres) LogCommand(ctx context.Context, rec *CommandRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	const query = `
		INSERT INTO command_history
			(id, assessment_id, container_name, command, stdout, stderr,
			 return_code, success, error_kind, duration_ms, phase, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.AssessmentID, rec.ContainerName, rec.Command,
		truncateForDB(rec.Stdout, 65535), truncateForDB(rec.Stderr, 65535),
		rec.ReturnCode, rec.Success, rec.ErrorKind, rec.DurationMS,
		rec.Phase, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting command record: %w", err)
	}
	return nil
}

func (db *Postgres) ListCommands(ctx context.Context, f CommandFilter) ([]CommandRecord, error) {
	const query = `
		SELECT id, assessment_id, container_name, command, stdout, stderr,
			return_code, success, error_kind, duration_ms, phase, created_at
		FROM command_history
		WHERE ($1 = 0 OR assessment_id = $1)
		  AND ($2::boolean IS NULL OR success = $2)
		  AND ($3 = '' OR command ILIKE '%' || $3 || '%')
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	rows, err := db.pool.Query(ctx, query, f.AssessmentID, f.Success, f.Search, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying command history: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var rec CommandRecord
		if err := rows.Scan(
			&rec.ID, &rec.AssessmentID, &rec.ContainerName, &rec.Command,
			&rec.Stdout, &rec.Stderr, &rec.ReturnCode, &rec.Success,
			&rec.ErrorKind, &rec.DurationMS, &rec.Phase, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning command record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (db *Postgres) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.pool.QueryRow(ctx,
		`SELECT value FROM platform_settings WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("querying setting %s: %w", key, err)
	}
	return value, nil
}

func (db *Postgres) PutSetting(ctx context.Context, key, value, description string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO platform_settings (key, value, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value, description,
	)
	if err != nil {
		return fmt.Errorf("storing setting %s: %w", key, err)
	}
	return nil
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
