package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/enrich-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied to every pooled connection through the DSN, so
// concurrent claims wait on the write lock instead of failing with BUSY.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+sqlitePragmas)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id                   TEXT PRIMARY KEY,
	unique_id            TEXT,
	name                 TEXT NOT NULL DEFAULT '',
	address              TEXT NOT NULL DEFAULT '',
	description          TEXT NOT NULL DEFAULT '',
	phone                TEXT NOT NULL DEFAULT '',
	email                TEXT NOT NULL DEFAULT '',
	lat                  REAL,
	lng                  REAL,
	accuracy_tier        TEXT,
	enhancement_status   TEXT,
	is_target_category   INTEGER,
	confidence           REAL,
	tags                 TEXT,
	enhanced_description TEXT,
	keywords             TEXT,
	suggested_tags       TEXT,
	last_error           TEXT,
	created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_records_status ON records(enhancement_status, created_at);

CREATE TABLE IF NOT EXISTS enrichment_attempts (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	batch_id       TEXT,
	record_id      TEXT NOT NULL,
	capability     TEXT NOT NULL,
	provider_used  TEXT NOT NULL,
	input_snapshot TEXT,
	output_data    TEXT,
	confidence     REAL,
	success        INTEGER NOT NULL,
	error_message  TEXT,
	fallback_log   TEXT NOT NULL DEFAULT '[]',
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_record ON enrichment_attempts(record_id, seq);
CREATE INDEX IF NOT EXISTS idx_attempts_created ON enrichment_attempts(created_at);

CREATE TRIGGER IF NOT EXISTS enrichment_attempts_no_update
BEFORE UPDATE ON enrichment_attempts
BEGIN
	SELECT RAISE(ABORT, 'enrichment_attempts is append-only');
END;

CREATE TRIGGER IF NOT EXISTS enrichment_attempts_no_delete
BEFORE DELETE ON enrichment_attempts
BEGIN
	SELECT RAISE(ABORT, 'enrichment_attempts is append-only');
END;
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteRecordColumns = `id, unique_id, name, address, description, phone, email, lat, lng,
	accuracy_tier, enhancement_status, is_target_category, confidence, tags,
	enhanced_description, keywords, suggested_tags, last_error, created_at, updated_at`

func (s *SQLiteStore) SelectEligible(ctx context.Context, limit int) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM records
		 WHERE enhancement_status IS NULL OR enhancement_status IN ('', 'pending')
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		defaultLimit(limit, 100),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select eligible")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: select eligible iterate")
}

func (s *SQLiteStore) CompareAndSwapStatus(ctx context.Context, id string, expected, next model.Status) (bool, error) {
	query := `UPDATE records SET enhancement_status = ?, updated_at = ? WHERE id = ? AND `
	args := []any{nullIfEmpty(string(next)), time.Now().UTC(), id}
	if eligibleStatus(expected) {
		query += `(enhancement_status IS NULL OR enhancement_status IN ('', 'pending'))`
	} else {
		query += `enhancement_status = ?`
		args = append(args, string(expected))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: swap status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) UpdateFields(ctx context.Context, id string, u model.RecordUpdate) error {
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
			sets = append(sets, "lat = ?", "lng = ?")
			args = append(args, a.point.Lat, a.point.Lng)
			continue
		}
		sets = append(sets, a.col+" = ?")
		args = append(args, a.val)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanSQLiteRecord(row)
	if errors.Is(err, ErrNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: record %s", id)
	}
	return r, err
}

// InsertRecords inserts new records as pending. An existing id keeps its
// enrichment state; only the source fields are refreshed.
func (s *SQLiteStore) InsertRecords(ctx context.Context, recs []model.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (id, unique_id, name, address, description, phone, email, lat, lng,
			accuracy_tier, enhancement_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			description = excluded.description,
			phone = excluded.phone,
			email = excluded.email,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var n int64
	for _, r := range recs {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		status := r.Status
		if status == model.StatusUnset {
			status = model.StatusPending
		}
		var lat, lng, tier any
		if r.HasCoordinates() {
			lat, lng = r.Coordinates.Lat, r.Coordinates.Lng
			tier = nullIfEmpty(string(r.Accuracy))
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, nullIfEmpty(r.UniqueID), r.Name, r.Address, r.Description, r.Phone, r.Email,
			lat, lng, tier, string(status), created.UTC(), now,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert record %s", r.ID)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert")
	}
	return n, nil
}

// ResetFailed moves failed records back to pending. With no ids every
// failed record is reset.
func (s *SQLiteStore) ResetFailed(ctx context.Context, ids []string) (int64, error) {
	query := `UPDATE records SET enhancement_status = 'pending', last_error = NULL, updated_at = ?
		WHERE enhancement_status = 'failed'`
	args := []any{time.Now().UTC()}
	if len(ids) > 0 {
		query += ` AND id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset failed")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) StatusCounts(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(enhancement_status, ''), COUNT(*) FROM records GROUP BY 1`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: status counts")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		out[model.Status(status)] += n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: status counts iterate")
}

func (s *SQLiteStore) AppendAttempt(ctx context.Context, a model.Attempt) error {
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
	var conf any
	if a.Confidence != nil {
		conf = *a.Confidence
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO enrichment_attempts (id, batch_id, record_id, capability, provider_used,
			input_snapshot, output_data, confidence, success, error_message, fallback_log,
			duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullIfEmpty(a.BatchID), a.RecordID, string(a.Capability), a.ProviderUsed,
		rawOrNil(a.InputSnapshot), rawOrNil(a.OutputData), conf, a.Success,
		nullIfEmpty(a.ErrorMessage), fallbackLog, a.DurationMs, a.Timestamp.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append attempt for %s", a.RecordID)
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, f AttemptFilter) ([]model.Attempt, error) {
	query := `SELECT seq, id, batch_id, record_id, capability, provider_used, input_snapshot,
		output_data, confidence, success, error_message, fallback_log, duration_ms, created_at
		FROM enrichment_attempts WHERE 1=1`
	var args []any
	if f.RecordID != "" {
		query += ` AND record_id = ?`
		args = append(args, f.RecordID)
	}
	if f.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, f.BatchID)
	}
	if f.Capability != "" {
		query += ` AND capability = ?`
		args = append(args, string(f.Capability))
	}
	if f.Provider != "" {
		query += ` AND provider_used = ?`
		args = append(args, f.Provider)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	query += f.orderBy() + ` LIMIT ?`
	args = append(args, defaultLimit(f.Limit, 1000))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Attempt
	for rows.Next() {
		var a model.Attempt
		var batchID, input, output, errMsg sql.NullString
		var conf sql.NullFloat64
		var fallbackLog string
		var capability string
		if err := rows.Scan(&a.Seq, &a.ID, &batchID, &a.RecordID, &capability, &a.ProviderUsed,
			&input, &output, &conf, &a.Success, &errMsg, &fallbackLog, &a.DurationMs, &a.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		a.Capability = model.Capability(capability)
		a.BatchID = batchID.String
		a.ErrorMessage = errMsg.String
		if input.Valid {
			a.InputSnapshot = []byte(input.String)
		}
		if output.Valid {
			a.OutputData = []byte(output.String)
		}
		if conf.Valid {
			v := conf.Float64
			a.Confidence = &v
		}
		if a.FallbackLog, err = decodeList([]byte(fallbackLog)); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "record %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row scannable) (*model.Record, error) {
	var r model.Record
	var uniqueID, tier, status, enhanced, lastErr sql.NullString
	var tags, keywords, suggested sql.NullString
	var lat, lng, conf sql.NullFloat64
	var target sql.NullBool

	err := row.Scan(&r.ID, &uniqueID, &r.Name, &r.Address, &r.Description, &r.Phone, &r.Email,
		&lat, &lng, &tier, &status, &target, &conf, &tags, &enhanced, &keywords, &suggested,
		&lastErr, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan record")
	}

	r.UniqueID = uniqueID.String
	r.Accuracy = model.AccuracyTier(tier.String)
	if r.Status, err = model.ParseStatus(status.String); err != nil {
		return nil, eris.Wrapf(err, "sqlite: record %s", r.ID)
	}
	if lat.Valid && lng.Valid {
		r.Coordinates = &model.Coordinates{Lat: lat.Float64, Lng: lng.Float64}
	}
	if target.Valid {
		v := target.Bool
		r.IsTargetCategory = &v
	}
	if conf.Valid {
		v := conf.Float64
		r.Confidence = &v
	}
	r.EnhancedDescription = enhanced.String
	r.LastError = lastErr.String
	for _, l := range []struct {
		src sql.NullString
		dst *[]string
	}{{tags, &r.Tags}, {keywords, &r.Keywords}, {suggested, &r.SuggestedTags}} {
		if *l.dst, err = decodeList([]byte(l.src.String)); err != nil {
			return nil, err
		}
	}
	return &r, nil
}
