package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/db"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool. Coordinates are stored as a
// PostGIS point.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool. The initial
// ping is retried with backoff so the CLI tolerates a database that is still
// starting.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 5
	retry.OnRetry = resilience.RetryLogger("store", "postgres_ping")
	retry.ShouldRetry = func(error) bool { return true }
	if err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		return pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool; Close does not close it.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS records (
	id                   TEXT PRIMARY KEY,
	unique_id            TEXT,
	name                 TEXT NOT NULL DEFAULT '',
	address              TEXT NOT NULL DEFAULT '',
	description          TEXT NOT NULL DEFAULT '',
	phone                TEXT NOT NULL DEFAULT '',
	email                TEXT NOT NULL DEFAULT '',
	location             geometry(Point, 4326),
	accuracy_tier        TEXT,
	enhancement_status   TEXT CHECK (enhancement_status IN ('pending', 'processing', 'completed', 'failed')),
	is_target_category   BOOLEAN,
	confidence           DOUBLE PRECISION,
	tags                 JSONB,
	enhanced_description TEXT,
	keywords             JSONB,
	suggested_tags       JSONB,
	last_error           TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_records_status ON records(enhancement_status, created_at);
CREATE INDEX IF NOT EXISTS idx_records_location ON records USING GIST (location);

CREATE TABLE IF NOT EXISTS enrichment_attempts (
	seq            BIGSERIAL PRIMARY KEY,
	id             TEXT NOT NULL UNIQUE,
	batch_id       TEXT,
	record_id      TEXT NOT NULL,
	capability     TEXT NOT NULL,
	provider_used  TEXT NOT NULL,
	input_snapshot JSONB,
	output_data    JSONB,
	confidence     DOUBLE PRECISION,
	success        BOOLEAN NOT NULL,
	error_message  TEXT,
	fallback_log   JSONB NOT NULL DEFAULT '[]',
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_attempts_record ON enrichment_attempts(record_id, seq);
CREATE INDEX IF NOT EXISTS idx_attempts_created ON enrichment_attempts(created_at);

CREATE OR REPLACE FUNCTION enrichment_attempts_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'enrichment_attempts is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS enrichment_attempts_append_only ON enrichment_attempts;
CREATE TRIGGER enrichment_attempts_append_only
	BEFORE UPDATE OR DELETE ON enrichment_attempts
	FOR EACH ROW EXECUTE FUNCTION enrichment_attempts_append_only();
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool if this store created it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const pgRecordColumns = `id, unique_id, name, address, description, phone, email,
	ST_AsEWKB(location), accuracy_tier, enhancement_status, is_target_category, confidence,
	tags, enhanced_description, keywords, suggested_tags, last_error, created_at, updated_at`

func (s *PostgresStore) SelectEligible(ctx context.Context, limit int) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgRecordColumns+` FROM records
		 WHERE enhancement_status IS NULL OR enhancement_status = 'pending'
		 ORDER BY created_at ASC, id ASC
		 LIMIT $1`,
		defaultLimit(limit, 100),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select eligible")
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: select eligible iterate")
}

func (s *PostgresStore) CompareAndSwapStatus(ctx context.Context, id string, expected, next model.Status) (bool, error) {
	query := `UPDATE records SET enhancement_status = $1, updated_at = now() WHERE id = $2 AND `
	args := []any{string(next), id}
	if eligibleStatus(expected) {
		query += `(enhancement_status IS NULL OR enhancement_status = 'pending')`
	} else {
		query += `enhancement_status = $3`
		args = append(args, string(expected))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: swap status %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateFields(ctx context.Context, id string, u model.RecordUpdate) error {
	if u.Empty() {
		return nil
	}
	as, err := assignments(u)
	if err != nil {
		return err
	}

	var sets []string
	var args []any
	for _, a := range as {
		if a.point != nil {
			ewkb, err := db.EncodePoint(a.point.Lat, a.point.Lng)
			if err != nil {
				return err
			}
			args = append(args, ewkb)
			sets = append(sets, fmt.Sprintf("location = ST_GeomFromEWKB($%d)", len(args)))
			continue
		}
		args = append(args, a.val)
		sets = append(sets, fmt.Sprintf("%s = $%d", a.col, len(args)))
	}
	args = append(args, id)
	query := `UPDATE records SET ` + strings.Join(sets, ", ") + `, updated_at = now() WHERE id = $` + fmt.Sprint(len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "record %s", id)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgRecordColumns+` FROM records WHERE id = $1`, id)
	r, err := scanPgRecord(row)
	if errors.Is(err, ErrNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: record %s", id)
	}
	return r, err
}

var recordUpsert = db.UpsertConfig{
	Table:        "records",
	Columns:      []string{"id", "unique_id", "name", "address", "description", "phone", "email", "enhancement_status", "created_at", "updated_at"},
	ConflictKeys: []string{"id"},
	UpdateCols:   []string{"name", "address", "description", "phone", "email", "updated_at"},
}

// InsertRecords bulk-loads records through COPY into a temp table followed by
// an upsert, in one transaction. Existing ids keep their enrichment state.
// Records that arrive with coordinates get their location set when none is
// stored yet.
func (s *PostgresStore) InsertRecords(ctx context.Context, recs []model.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(recs))
	var located []model.Record
	for _, r := range recs {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		status := r.Status
		if status == model.StatusUnset {
			status = model.StatusPending
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows = append(rows, []any{r.ID, nullIfEmpty(r.UniqueID), r.Name, r.Address, r.Description, r.Phone, r.Email, string(status), created.UTC(), now})
		if r.HasCoordinates() {
			located = append(located, r)
		}
	}

	var n int64
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		if n, err = db.Merge(ctx, tx, recordUpsert, rows); err != nil {
			return err
		}
		for _, r := range located {
			ewkb, err := db.EncodePoint(r.Coordinates.Lat, r.Coordinates.Lng)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE records SET location = ST_GeomFromEWKB($1), accuracy_tier = $2 WHERE id = $3 AND location IS NULL`,
				ewkb, nullIfEmpty(string(r.Accuracy)), r.ID,
			); err != nil {
				return eris.Wrapf(err, "set location %s", r.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert records")
	}
	zap.L().Debug("postgres: inserted records", zap.Int64("rows", n), zap.Int("located", len(located)))
	return n, nil
}

// ResetFailed moves failed records back to pending. With no ids every
// failed record is reset.
func (s *PostgresStore) ResetFailed(ctx context.Context, ids []string) (int64, error) {
	query := `UPDATE records SET enhancement_status = 'pending', last_error = NULL, updated_at = now()
		WHERE enhancement_status = 'failed'`
	var args []any
	if len(ids) > 0 {
		query += ` AND id = ANY($1)`
		args = append(args, ids)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset failed")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) StatusCounts(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(enhancement_status, ''), COUNT(*) FROM records GROUP BY 1`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: status counts")
	}
	defer rows.Close()

	out := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		out[model.Status(status)] += n
	}
	return out, eris.Wrap(rows.Err(), "postgres: status counts iterate")
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, a model.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	fallbackLog, err := encodeFallbackLog(a.FallbackLog)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO enrichment_attempts (id, batch_id, record_id, capability, provider_used,
			input_snapshot, output_data, confidence, success, error_message, fallback_log,
			duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, nullIfEmpty(a.BatchID), a.RecordID, string(a.Capability), a.ProviderUsed,
		rawOrNil(a.InputSnapshot), rawOrNil(a.OutputData), a.Confidence, a.Success,
		nullIfEmpty(a.ErrorMessage), fallbackLog, a.DurationMs, a.Timestamp.UTC(),
	)
	return eris.Wrapf(err, "postgres: append attempt for %s", a.RecordID)
}

func (s *PostgresStore) ListAttempts(ctx context.Context, f AttemptFilter) ([]model.Attempt, error) {
	query := `SELECT seq, id, batch_id, record_id, capability, provider_used, input_snapshot,
		output_data, confidence, success, error_message, fallback_log, duration_ms, created_at
		FROM enrichment_attempts WHERE true`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}
	if f.RecordID != "" {
		add(` AND record_id = $%d`, f.RecordID)
	}
	if f.BatchID != "" {
		add(` AND batch_id = $%d`, f.BatchID)
	}
	if f.Capability != "" {
		add(` AND capability = $%d`, string(f.Capability))
	}
	if f.Provider != "" {
		add(` AND provider_used = $%d`, f.Provider)
	}
	if !f.Since.IsZero() {
		add(` AND created_at >= $%d`, f.Since.UTC())
	}
	query += f.orderBy()
	add(` LIMIT $%d`, defaultLimit(f.Limit, 1000))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var out []model.Attempt
	for rows.Next() {
		var a model.Attempt
		var batchID, errMsg *string
		var capability string
		var input, output, fallbackLog []byte
		if err := rows.Scan(&a.Seq, &a.ID, &batchID, &a.RecordID, &capability, &a.ProviderUsed,
			&input, &output, &a.Confidence, &a.Success, &errMsg, &fallbackLog,
			&a.DurationMs, &a.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		a.Capability = model.Capability(capability)
		a.InputSnapshot = input
		a.OutputData = output
		if batchID != nil {
			a.BatchID = *batchID
		}
		if errMsg != nil {
			a.ErrorMessage = *errMsg
		}
		if a.FallbackLog, err = decodeList(fallbackLog); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

func scanPgRecord(row pgx.Row) (*model.Record, error) {
	var r model.Record
	var uniqueID, tier, status, enhanced, lastErr *string
	var location, tags, keywords, suggested []byte

	err := row.Scan(&r.ID, &uniqueID, &r.Name, &r.Address, &r.Description, &r.Phone, &r.Email,
		&location, &tier, &status, &r.IsTargetCategory, &r.Confidence, &tags, &enhanced,
		&keywords, &suggested, &lastErr, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan record")
	}

	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	r.UniqueID = deref(uniqueID)
	r.Accuracy = model.AccuracyTier(deref(tier))
	r.EnhancedDescription = deref(enhanced)
	r.LastError = deref(lastErr)
	if r.Status, err = model.ParseStatus(deref(status)); err != nil {
		return nil, eris.Wrapf(err, "postgres: record %s", r.ID)
	}

	lat, lng, ok, err := db.DecodePoint(location)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: record %s", r.ID)
	}
	if ok {
		r.Coordinates = &model.Coordinates{Lat: lat, Lng: lng}
	}
	if r.Tags, err = decodeList(tags); err != nil {
		return nil, err
	}
	if r.Keywords, err = decodeList(keywords); err != nil {
		return nil, err
	}
	if r.SuggestedTags, err = decodeList(suggested); err != nil {
		return nil, err
	}
	return &r, nil
}
