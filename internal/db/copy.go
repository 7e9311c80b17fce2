package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom streams rows into table over the COPY protocol. Every row must
// have one value per column; a short or long row fails the whole copy
// before anything is sent.
func CopyFrom(ctx context.Context, c Copier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, eris.Errorf("db: copy into %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
	}

	n, err := c.CopyFrom(ctx, identifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy into %s", table)
	}
	return n, nil
}

// identifier splits an optional schema prefix ("public.records").
func identifier(table string) pgx.Identifier {
	schema, name, ok := strings.Cut(table, ".")
	if !ok {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{schema, name}
}
