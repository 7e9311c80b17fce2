package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordsUpsert = UpsertConfig{
	Table:        "public.records",
	Columns:      []string{"id", "name", "address"},
	ConflictKeys: []string{"id"},
}

func TestUpsertConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  UpsertConfig
		want string
	}{
		{"no table", UpsertConfig{Columns: []string{"id"}, ConflictKeys: []string{"id"}}, "no table"},
		{"no columns", UpsertConfig{Table: "records", ConflictKeys: []string{"id"}}, "no columns"},
		{"no keys", UpsertConfig{Table: "records", Columns: []string{"id"}}, "no conflict keys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BulkUpsert(context.Background(), nil, tt.cfg, [][]any{{"r1"}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.NoError(t, recordsUpsert.validate())
}

func TestUpsertConfig_MergeSQL(t *testing.T) {
	assert.Equal(t,
		`INSERT INTO "public"."records" ("id", "name", "address") SELECT "id", "name", "address" FROM "_stage_public_records" ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name", "address" = EXCLUDED."address"`,
		recordsUpsert.mergeSQL())

	onlyName := recordsUpsert
	onlyName.UpdateCols = []string{"name"}
	assert.Contains(t, onlyName.mergeSQL(), `DO UPDATE SET "name" = EXCLUDED."name"`)
	assert.NotContains(t, onlyName.mergeSQL(), `"address" = EXCLUDED`)

	keep := recordsUpsert
	keep.UpdateCols = []string{}
	assert.Contains(t, keep.mergeSQL(), "DO NOTHING")
}

func TestUpsertConfig_StageSQL(t *testing.T) {
	assert.Equal(t,
		`CREATE TEMP TABLE "_stage_public_records" (LIKE "public"."records" INCLUDING DEFAULTS) ON COMMIT DROP`,
		recordsUpsert.stageSQL())
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"records"`, sanitizeTable("records"))
	assert.Equal(t, `"public"."records"`, sanitizeTable("public.records"))
	assert.Equal(t, `"id", "name"`, quoteAndJoin([]string{"id", "name"}))
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, recordsUpsert, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(recordsUpsert.stageSQL()).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_public_records"}, recordsUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(recordsUpsert.mergeSQL()).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, recordsUpsert, [][]any{
		{"r1", "Fix4Phone", "1 Main St"},
		{"r2", "Corner Bakery", "2 Main St"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_public_records"}, recordsUpsert.Columns).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, recordsUpsert, [][]any{{"r1", "a", "b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db: upsert: copy public.records")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_BeginError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(assert.AnError)

	err = InTx(context.Background(), mock, func(pgx.Tx) error { return nil })
	assert.ErrorContains(t, err, "begin tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_FnErrorSkipsCommit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = InTx(context.Background(), mock, func(pgx.Tx) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
