package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/lumastudio/agentgate/internal/storage"
	"github.com/spf13/cobra"
)

func newAuditCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the invocation audit log",
	}

	var sessionJSON bool
	sessionCmd := &cobra.Command{
		Use:   "session <session_id>",
		Short: "Show every invocation attempt of a chat session, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			entries := a.pipeline.SessionAudit(cmd.Context(), args[0])
			if sessionJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			return writeTimeline(cmd.OutOrStdout(), entries)
		},
	}
	sessionCmd.Flags().BoolVar(&sessionJSON, "json", false, "print raw entries as JSON")

	var (
		studio    string
		since     string
		statsJSON bool
	)
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise a studio's invocations since a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cutoff, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			stats := a.pipeline.AuditStats(cmd.Context(), studio, cutoff)
			if stats == nil {
				return errors.New("audit store unavailable")
			}
			if statsJSON {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			return writeStats(cmd.OutOrStdout(), studio, cutoff, stats)
		},
	}
	statsCmd.Flags().StringVar(&studio, "studio", "", "studio ID")
	statsCmd.Flags().StringVar(&since, "since", "24h", "cutoff as a duration ago (24h) or RFC3339 time")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print stats as JSON")
	_ = statsCmd.MarkFlagRequired("studio")

	cmd.AddCommand(sessionCmd, statsCmd)
	return cmd
}

// parseSince accepts either a duration before now or an absolute RFC3339 time.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since duration must be positive, got %s", s)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since must be a duration or RFC3339 time, got %q", s)
	}
	return t, nil
}

func writeTimeline(w io.Writer, entries []storage.AuditEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTOOL\tOUTCOME\tDURATION\tDETAIL")
	for _, e := range entries {
		outcome, detail := "ok", ""
		if !e.OK {
			outcome, detail = e.ErrorKind, e.Error
		}
		if e.Simulated {
			outcome += " (simulated)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\n",
			e.CreatedAt.UTC().Format(time.RFC3339), e.Tool, outcome, e.DurationMs, detail)
	}
	return tw.Flush()
}

func writeStats(w io.Writer, studio string, since time.Time, s *storage.AuditStats) error {
	fmt.Fprintf(w, "studio:       %s\n", studio)
	fmt.Fprintf(w, "since:        %s\n", since.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "total:        %d\n", s.Total)
	fmt.Fprintf(w, "successful:   %d\n", s.Successful)
	fmt.Fprintf(w, "failed:       %d\n", s.Failed)
	fmt.Fprintf(w, "success rate: %.1f%%\n", s.SuccessRate)
	fmt.Fprintf(w, "avg duration: %.1fms\n", s.AvgDurationMs)
	if len(s.ToolUsage) == 0 {
		return nil
	}

	tools := make([]string, 0, len(s.ToolUsage))
	for name := range s.ToolUsage {
		tools = append(tools, name)
	}
	sort.Slice(tools, func(i, j int) bool {
		if s.ToolUsage[tools[i]] != s.ToolUsage[tools[j]] {
			return s.ToolUsage[tools[i]] > s.ToolUsage[tools[j]]
		}
		return tools[i] < tools[j]
	})

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tCALLS")
	for _, name := range tools {
		fmt.Fprintf(tw, "%s\t%d\n", name, s.ToolUsage[name])
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
