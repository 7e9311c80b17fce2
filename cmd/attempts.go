package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/store"
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts [record-id]",
	Short: "List the attempt log",
	Long:  "Lists attempts for a record, or across records filtered by --batch, --capability and --provider.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := attemptFilter(cmd, args)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		attempts, err := st.ListAttempts(ctx, f)
		if err != nil {
			return eris.Wrap(err, "attempts list")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(attempts)
		}
		if len(attempts) == 0 {
			_, _ = fmt.Fprintln(os.Stderr, "No attempts found.")
			return nil
		}
		formatAttempts(os.Stdout, attempts)
		return nil
	},
}

func init() {
	attemptsCmd.Flags().String("batch", "", "filter by batch id")
	attemptsCmd.Flags().String("capability", "", "filter by capability (classification, enhancement, geocoding)")
	attemptsCmd.Flags().String("provider", "", "filter by provider used")
	attemptsCmd.Flags().Duration("since", 0, "only attempts newer than this (e.g. 2h)")
	attemptsCmd.Flags().Int("limit", 50, "max attempts to list")
	attemptsCmd.Flags().Bool("json", false, "print attempts as JSON")
	rootCmd.AddCommand(attemptsCmd)
}

func attemptFilter(cmd *cobra.Command, args []string) (store.AttemptFilter, error) {
	var f store.AttemptFilter
	if len(args) == 1 {
		f.RecordID = args[0]
	}
	f.BatchID, _ = cmd.Flags().GetString("batch")
	f.Provider, _ = cmd.Flags().GetString("provider")
	f.Limit, _ = cmd.Flags().GetInt("limit")

	capStr, _ := cmd.Flags().GetString("capability")
	switch c := model.Capability(capStr); c {
	case "", model.CapabilityClassification, model.CapabilityEnhancement, model.CapabilityGeocoding:
		f.Capability = c
	default:
		return f, eris.Errorf("unknown capability %q", capStr)
	}

	since, _ := cmd.Flags().GetDuration("since")
	if since < 0 {
		return f, eris.New("--since must be positive")
	}
	if since > 0 {
		f.Since = time.Now().UTC().Add(-since)
	}
	return f, nil
}

// formatAttempts writes attempts as a table, oldest first.
func formatAttempts(w io.Writer, attempts []model.Attempt) {
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tRECORD\tCAPABILITY\tPROVIDER\tOK\tCONF\tMS\tFALLBACKS")
	for _, a := range attempts {
		ok := "yes"
		if !a.Success {
			ok = red.Sprint("no")
		}
		providerUsed := a.ProviderUsed
		if model.IsLocalProvider(providerUsed) {
			providerUsed = yellow.Sprint(providerUsed)
		}
		conf := "-"
		if a.Confidence != nil {
			conf = fmt.Sprintf("%.2f", *a.Confidence)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			a.Timestamp.Local().Format(time.DateTime),
			a.RecordID, a.Capability, dash(providerUsed), ok, conf, a.DurationMs,
			dash(strings.Join(a.FallbackLog, "; ")),
		)
	}
	_ = tw.Flush()
}
