package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/atmx/poolbet/internal/audit"
)

func printReport(out io.Writer, r *audit.Report, all bool) {
	rows := r.Corrections
	if !all {
		rows = r.Drifting()
	}

	fmt.Fprintf(out, "Reconciliation at %s (policy %s)\n", r.GeneratedAt.Format("2006-01-02 15:04:05Z07:00"), r.PolicyVersion)
	if len(rows) > 0 {
		table := tablewriter.NewWriter(out)
		table.Header("User", "Name", "Current", "Correct", "Diff", "Staked", "Winnings")
		for _, c := range rows {
			table.Append(
				c.UserID,
				c.DisplayName,
				fmt.Sprintf("%d", c.CurrentBalance),
				fmt.Sprintf("%d", c.CorrectBalance),
				fmt.Sprintf("%+d", c.Difference),
				fmt.Sprintf("%d", c.TotalStaked),
				fmt.Sprintf("%d", c.TotalWinnings),
			)
		}
		table.Render()
	}

	fmt.Fprintf(out, "  %d of %d users drifting, %d coins total drift\n", r.DriftingUsers, len(r.Corrections), r.TotalDrift)
	if len(r.PolicyMismatches) > 0 {
		fmt.Fprintf(out, "  %d resolved market(s) settled under another payout policy:\n", len(r.PolicyMismatches))
		for _, m := range r.PolicyMismatches {
			policy := m.Policy
			if policy == "" {
				policy = "(unrecorded)"
			}
			fmt.Fprintf(out, "    %s  %q  %s\n", m.MarketID, m.Title, policy)
		}
	}
	switch {
	case r.Applied > 0:
		fmt.Fprintf(out, "  applied %d correction(s)", r.Applied)
		if r.Forced {
			fmt.Fprint(out, " (forced)")
		}
		fmt.Fprintln(out)
	case r.DriftingUsers > 0:
		fmt.Fprintln(out, "  dry run: re-run with -apply to write corrections")
	}
}
