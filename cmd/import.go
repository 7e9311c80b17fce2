package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/ingest"
	"github.com/sells-group/enrich-cli/internal/store"
)

var importCmd = &cobra.Command{
	Use:   "import <file.csv|file.xlsx>",
	Short: "Load records from a CSV or XLSX file as pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		_, err = runImport(ctx, st, args[0], os.Stdout)
		return err
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}

// runImport reads path, upserts the accepted rows and reports skipped ones.
// Existing ids keep their enrichment state.
func runImport(ctx context.Context, st store.Store, path string, w io.Writer) (int64, error) {
	res, err := ingest.Load(ctx, path)
	if err != nil {
		return 0, eris.Wrap(err, "import")
	}

	var inserted int64
	if len(res.Records) > 0 {
		inserted, err = st.InsertRecords(ctx, res.Records)
		if err != nil {
			return 0, eris.Wrap(err, "import: insert records")
		}
	}

	zap.L().Info("import complete",
		zap.String("file", path),
		zap.Int("rows", len(res.Records)),
		zap.Int64("inserted", inserted),
		zap.Int("skipped", len(res.Skipped)),
	)

	_, _ = color.New(color.FgGreen).Fprintf(w, "Imported %d records from %s\n", inserted, path)
	if len(res.Skipped) > 0 {
		yellow := color.New(color.FgYellow)
		_, _ = yellow.Fprintf(w, "Skipped %d rows:\n", len(res.Skipped))
		for _, s := range res.Skipped {
			_, _ = fmt.Fprintf(w, "  %s\n", s.Error())
		}
	}
	return inserted, nil
}
