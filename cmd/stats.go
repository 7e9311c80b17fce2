package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/monitoring"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record status counts and provider health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		lookback, _ := cmd.Flags().GetInt("lookback")
		if lookback <= 0 {
			lookback = cfg.Monitoring.LookbackWindowHours
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st).Collect(ctx, lookback)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		formatStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	statsCmd.Flags().Int("lookback", 0, "lookback window in hours (default from config)")
	statsCmd.Flags().Bool("json", false, "print the snapshot as JSON")
	rootCmd.AddCommand(statsCmd)
}

// formatStats writes a metrics snapshot for terminals.
func formatStats(w io.Writer, snap *monitoring.MetricsSnapshot) {
	bold := color.New(color.Bold)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	_, _ = bold.Fprintln(w, "Records")
	statuses := make([]string, 0, len(snap.StatusCounts))
	for s := range snap.StatusCounts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		_, _ = fmt.Fprintf(w, "  %-12s %d\n", s+":", snap.StatusCounts[model.Status(s)])
	}
	_, _ = fmt.Fprintf(w, "  %-12s %s\n", "fail rate:", pct(snap.RecordFailRate))

	_, _ = fmt.Fprintln(w)
	_, _ = bold.Fprintf(w, "Last %dh\n", snap.LookbackHours)
	_, _ = fmt.Fprintf(w, "  attempts:             %d\n", snap.Attempts)
	_, _ = fmt.Fprintf(w, "  degraded results:     %d of %d (%s)\n", snap.Degraded, snap.LLMAttempts, pct(snap.DegradedRate))
	_, _ = fmt.Fprintf(w, "  geocoding failures:   %d of %d (%s)\n", snap.GeocodeFailed, snap.GeocodeTotal, pct(snap.GeocodeFailRate))
	if snap.EmergencyFallbacks > 0 {
		_, _ = red.Fprintf(w, "  emergency fallbacks:  %d\n", snap.EmergencyFallbacks)
	}

	if len(snap.Providers) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tCAPABILITY\tCALLS\tOK\tFAILED\tSUCCESS\tAVG MS")
	for _, p := range snap.Providers {
		rate := pct(p.SuccessRate)
		switch {
		case p.Calls > 0 && p.SuccessRate < 0.5:
			rate = red.Sprint(rate)
		case p.Calls > 0 && p.SuccessRate < 0.9:
			rate = yellow.Sprint(rate)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%.0f\n",
			p.Provider, p.Capability, p.Calls, p.Successes, p.Failures, rate, p.AvgDurationMs)
	}
	_ = tw.Flush()
}

func pct(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}
