package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

type ReportOptions struct {
	Aim  float64
	Date string
}

var reportOpts ReportOptions

var reportCmd = &cobra.Command{
	Use:   "report [identity_id]",
	Short: "Attendance rate of an identity, or who was present on a date",
	Long: "With an identity id, prints its attendance rate over every school day and how many " +
		"lectures it must attend (or may miss) to stay at --aim percent. With --date, lists " +
		"everyone marked present that day.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		switch {
		case reportOpts.Date != "":
			return runDayReport(cmd.Context(), os.Stdout, reportOpts.Date)
		case len(args) == 1:
			return runIdentityReport(cmd.Context(), os.Stdout, args[0], reportOpts.Aim)
		default:
			return errors.New("give an identity id or --date")
		}
	},
}

func init() {
	reportCmd.Flags().Float64VarP(&reportOpts.Aim, "aim", "a", 75, "Attendance percentage to plan for")
	reportCmd.Flags().StringVarP(&reportOpts.Date, "date", "d", "", "List attendance of one day (YYYY-MM-DD)")
	rootCmd.AddCommand(reportCmd)
}

func runIdentityReport(ctx context.Context, out io.Writer, id string, aim float64) error {
	ident, err := DB.ResolveIdentity(ctx, id)
	if err != nil {
		if errors.Is(err, attendance.ErrIdentityNotFound) {
			return fmt.Errorf("no identity with id %s", id)
		}
		return err
	}

	sum, err := attendance.Summarize(ctx, DB, id)
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to compute attendance", err, nil)
		return err
	}

	fmt.Fprintf(out, "👤 %s (ID: %s)\n", ident.DisplayName, ident.ID)
	fmt.Fprintf(out, "   Present %d of %d school days (%.2f%%)\n", sum.PresentDays, sum.SchoolDays, sum.Rate)
	if sum.SchoolDays == 0 {
		fmt.Fprintln(out, "   No school days recorded yet.")
		return nil
	}

	plan, err := attendance.Plan(sum.PresentDays, sum.SchoolDays, aim)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "   %s\n", plan)
	return nil
}

func runDayReport(ctx context.Context, out io.Writer, day string) error {
	date, err := types.ParseDate(day)
	if err != nil {
		return err
	}
	records, err := DB.Records(ctx, date)
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to read attendance", err, nil)
		return err
	}
	if len(records) == 0 {
		fmt.Fprintf(out, "No attendance recorded on %s.\n", date)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tGROUP\tSTATUS\tMARKED AT")
	fmt.Fprintln(w, "--\t-----\t------\t---------")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.IdentityID, dash(r.Group), r.Status, r.MarkedAt.Local().Format("15:04:05"))
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d present on %s\n", len(records), date)
	return nil
}
