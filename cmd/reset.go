package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/enrich-cli/internal/store"
)

var resetCmd = &cobra.Command{
	Use:   "reset [record-id...]",
	Short: "Move failed records back to pending",
	Long:  "Resets the given failed records, or every failed record with --all-failed, so the next batch retries them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		all, _ := cmd.Flags().GetBool("all-failed")
		if len(args) == 0 && !all {
			return eris.New("pass record ids or --all-failed")
		}
		if len(args) > 0 && all {
			return eris.New("record ids and --all-failed are mutually exclusive")
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		_, err = runReset(ctx, st, args, os.Stdout)
		return err
	},
}

func init() {
	resetCmd.Flags().Bool("all-failed", false, "reset every failed record")
	rootCmd.AddCommand(resetCmd)
}

// runReset resets ids, or every failed record when ids is empty.
func runReset(ctx context.Context, st store.Store, ids []string, w io.Writer) (int64, error) {
	n, err := st.ResetFailed(ctx, ids)
	if err != nil {
		return 0, eris.Wrap(err, "reset")
	}
	_, _ = fmt.Fprintf(w, "Reset %d failed record(s) to pending\n", n)
	if len(ids) > 0 && int(n) < len(ids) {
		_, _ = fmt.Fprintf(w, "  %d id(s) were not in failed state\n", len(ids)-int(n))
	}
	return n, nil
}
