package cli

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/benchkeeper/pkg/api"
)

// NewLeaseCommand creates the lease command and its import subcommand.
func NewLeaseCommand(opts *RootOptions) *cobra.Command {
	var req api.LeaseRequest

	cmd := &cobra.Command{
		Use:   "lease <tag>",
		Short: "Set the lease dates of an asset",
		Long: `Set the DaaS lease dates of an asset. Dates are YYYY-MM-DD; a date that
is not given keeps its current value. Status and site are not changed.

Example:
  benchkeeper lease GF-000123 --start 2024-04-01 --maturity 2027-03-31`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.LeaseStart == "" && req.LeaseMaturity == "" {
				return fmt.Errorf("at least one of --start or --maturity is required")
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.UpdateLease(commandContext(cmd), args[0], req)
			if err != nil {
				return err
			}
			return opts.render(res, func() {
				a := res.Asset
				opts.IO.Printf("✓ %s lease %s → %s [op %s]\n", a.Tag, leaseDate(a.LeaseStart), leaseDate(a.LeaseMaturity), res.OperationID)
				if a.ExpiryFlagged {
					opts.IO.Printf("  ⚠️  lease ends in %s day(s)\n", daysLeft(a.LeaseDaysRemaining))
				}
			})
		},
	}

	cmd.Flags().StringVar(&req.LeaseStart, "start", "", "lease start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&req.LeaseMaturity, "maturity", "", "lease maturity date (YYYY-MM-DD)")

	cmd.AddCommand(NewLeaseImportCommand(opts))

	return cmd
}

// NewLeaseImportCommand creates the lease import command.
func NewLeaseImportCommand(opts *RootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import lease dates from a vendor report",
		Long: `Import lease dates from a vendor report (.xlsx or .csv). Rows are matched
to known assets by serial number. The report needs the columns
"Serial Number", "Lease Start Date" and "Lease Maturity Date".

Example:
  benchkeeper lease import daas-report.xlsx --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open lease file: %w", err)
			}
			defer func() {
				_ = f.Close()
			}()

			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.ImportLeases(commandContext(cmd), args[0], f, dryRun)
			if err != nil {
				return err
			}

			return opts.render(resp, func() {
				verb := "updated"
				if resp.DryRun {
					verb = "would update"
				}
				opts.IO.Printf("%d row(s): %d %s, %d unchanged, %d skipped, %d not found, %d error(s)\n",
					resp.Total, resp.Updated, verb, resp.Unchanged, resp.Skipped, len(resp.NotFound), len(resp.Errors))

				for _, serial := range resp.NotFound {
					opts.IO.Printf("  ? %s: no asset with this serial\n", serial)
				}
				if len(resp.Errors) > 0 {
					w := tabwriter.NewWriter(opts.IO, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "  ROW\tSERIAL\tERROR")
					for _, e := range resp.Errors {
						fmt.Fprintf(w, "  %d\t%s\t%s\n", e.Row, e.Serial, e.Message)
					}
					_ = w.Flush()
				}
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the file without recording anything")

	return cmd
}

func leaseDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.DateOnly)
}

func daysLeft(days *int) string {
	if days == nil {
		return "-"
	}
	return strconv.Itoa(*days)
}
