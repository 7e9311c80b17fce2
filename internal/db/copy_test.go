package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var attemptCols = []string{"record_id", "capability", "provider_used"}

func TestCopyFrom(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		ident   pgx.Identifier
		rows    [][]any
		copyErr error
		want    int64
		wantErr string
	}{
		{
			name:  "plain table",
			table: "attempts",
			ident: pgx.Identifier{"attempts"},
			rows: [][]any{
				{"rec-1", "classification", "anthropic"},
				{"rec-2", "geocoding", "census"},
			},
			want: 2,
		},
		{
			name:  "schema qualified",
			table: "public.attempts",
			ident: pgx.Identifier{"public", "attempts"},
			rows:  [][]any{{"rec-1", "enhancement", "rule_engine"}},
			want:  1,
		},
		{
			name:    "copy fails",
			table:   "attempts",
			ident:   pgx.Identifier{"attempts"},
			rows:    [][]any{{"rec-1", "classification", "openai"}},
			copyErr: assert.AnError,
			wantErr: "db: copy into attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			exp := mock.ExpectCopyFrom(tt.ident, attemptCols)
			if tt.copyErr != nil {
				exp.WillReturnError(tt.copyErr)
			} else {
				exp.WillReturnResult(tt.want)
			}

			n, err := CopyFrom(context.Background(), mock, tt.table, attemptCols, tt.rows)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, n)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCopyFrom_NoRows(t *testing.T) {
	n, err := CopyFrom(context.Background(), nil, "attempts", attemptCols, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestCopyFrom_RowWidthMismatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = CopyFrom(context.Background(), mock, "attempts", attemptCols, [][]any{
		{"rec-1", "classification", "anthropic"},
		{"rec-2", "geocoding"},
	})
	assert.ErrorContains(t, err, "row 1 has 2 values, want 3")
	assert.NoError(t, mock.ExpectationsWereMet())
}
