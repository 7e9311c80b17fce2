package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/enrich-cli/internal/enrich"
	"github.com/sells-group/enrich-cli/internal/model"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Enrich up to --limit eligible records",
	Long: "Selects pending records oldest first, claims each one and runs classification, " +
		"enhancement and geocoding according to --scope. Every record reaches completed or failed.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		scope, limit, shards, err := batchParams(cmd)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initEnrich(ctx, cfg, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Coordinator.RunSharded(ctx, scope, limit, shards)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}
		printSummary(os.Stdout, summary)
		return nil
	},
}

func init() {
	batchCmd.Flags().String("scope", "", "capabilities to run: classification, enhancement, geocoding or all (default from config)")
	batchCmd.Flags().Int("limit", 0, "max records to process (default from config)")
	batchCmd.Flags().Int("shards", 0, "concurrent shards (default from config)")
	batchCmd.Flags().Bool("json", false, "print the batch summary as JSON")
	rootCmd.AddCommand(batchCmd)
}

// batchParams merges flags over the batch config section.
func batchParams(cmd *cobra.Command) (model.Scope, int, int, error) {
	scopeStr := cfg.Batch.Scope
	if cmd.Flags().Changed("scope") {
		scopeStr, _ = cmd.Flags().GetString("scope")
	}
	scope, err := model.ParseScope(scopeStr)
	if err != nil {
		return "", 0, 0, err
	}

	limit := cfg.Batch.Limit
	if cmd.Flags().Changed("limit") {
		limit, _ = cmd.Flags().GetInt("limit")
	}
	shards := cfg.Batch.Shards
	if cmd.Flags().Changed("shards") {
		shards, _ = cmd.Flags().GetInt("shards")
	}
	if limit < 0 || shards < 0 {
		return "", 0, 0, eris.New("limit and shards must not be negative")
	}
	return scope, limit, shards, nil
}

// printSummary writes a human-readable batch summary.
func printSummary(w io.Writer, s *enrich.BatchSummary) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	_, _ = bold.Fprintf(w, "Batch %s (scope %s)\n", s.BatchID, s.Scope)
	_, _ = fmt.Fprintf(w, "  eligible:   %d\n", s.TotalCount)
	_, _ = fmt.Fprintf(w, "  processed:  %d\n", s.ProcessedCount)
	_, _ = green.Fprintf(w, "  completed:  %d\n", s.Completed)
	_, _ = red.Fprintf(w, "  failed:     %d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "  skipped:    %d\n", s.Skipped)
	_, _ = yellow.Fprintf(w, "  degraded:   %d\n", s.Degraded)
	_, _ = fmt.Fprintf(w, "  duration:   %s\n", s.Duration().Round(time.Millisecond))
	if s.Canceled {
		_, _ = yellow.Fprintln(w, "  canceled before all records were claimed")
	}
	if len(s.Results) == 0 {
		return
	}

	_, _ = fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RECORD\tSTATUS\tUNIQUE ID\tPROVIDERS\tGEOCODE\tNOTE")
	for _, r := range s.Results {
		status := string(r.Status)
		switch {
		case r.Skipped:
			status = "skipped"
		case r.Status == model.StatusCompleted && r.Degraded:
			status = yellow.Sprint("completed*")
		case r.Status == model.StatusCompleted:
			status = green.Sprint(status)
		case r.Status == model.StatusFailed:
			status = red.Sprint(status)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RecordID, status, dash(r.UniqueID), providersLabel(r.Providers), dash(r.GeocodeStatus), dash(r.Error))
	}
	_ = tw.Flush()
	if s.Degraded > 0 {
		_, _ = fmt.Fprintln(w, "\n* answered by a local fallback")
	}
}

// providersLabel renders capability=provider pairs in a stable order.
func providersLabel(p map[model.Capability]string) string {
	if len(p) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(p))
	for c, name := range p {
		parts = append(parts, string(c)+"="+name)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
