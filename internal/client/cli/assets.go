package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	client "github.com/iudanet/benchkeeper/internal/client/api"
	"github.com/iudanet/benchkeeper/pkg/api"
)

// NewCheckCommand creates the checkin or checkout command.
func NewCheckCommand(opts *RootOptions, name, eventType string) *cobra.Command {
	var (
		site  string
		notes string
	)

	verb := "in"
	if eventType == api.EventCheckOut {
		verb = "out"
	}

	cmd := &cobra.Command{
		Use:   name + " <tag-or-serial>...",
		Short: "Check assets " + verb,
		Long: fmt.Sprintf(`Check one or more assets %s by tag or serial number.

The event is recorded locally first and delivered when a central
endpoint is reachable.

Example:
  benchkeeper %s GF-000123 --site AUS`, verb, name),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}

			var results []*api.OperationResponse
			var failed int
			for _, id := range args {
				res, err := c.Event(commandContext(cmd), api.EventRequest{
					Type:       eventType,
					Identifier: id,
					Site:       site,
					Notes:      notes,
				})
				if err != nil {
					failed++
					printEventError(opts, id, err)
					continue
				}
				results = append(results, res)
			}

			if err := opts.render(results, func() {
				for _, res := range results {
					printOperation(opts, res)
				}
			}); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d assets failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "site of the event (default from token)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the event")

	return cmd
}

// printEventError печатает ошибку события с подсказкой по коду агента
func printEventError(opts *RootOptions, id string, err error) {
	opts.IO.Printf("✗ %s: %v\n", id, err)
	switch {
	case client.HasCode(err, api.CodeUnknownAsset):
		opts.IO.Printf("  Register it first: benchkeeper register %s --serial <serial>\n", id)
	case client.HasCode(err, api.CodeInactiveAsset):
		opts.IO.Println("  The asset is deactivated and cannot be checked in or out.")
	case client.HasCode(err, api.CodeInvalidTransition):
		opts.IO.Printf("  Run 'benchkeeper show %s' to see its current status.\n", id)
	}
}

// NewScanCommand creates the scan command.
func NewScanCommand(opts *RootOptions) *cobra.Command {
	var (
		direction string
		site      string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Read identifiers from a barcode scanner",
		Long: `Read tags or serial numbers line by line, as a barcode scanner in
keyboard mode types them, and record one event per line.

An empty line or end of input stops the session.

Example:
  benchkeeper scan --type in`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var eventType string
			switch strings.ToLower(direction) {
			case "in":
				eventType = api.EventCheckIn
			case "out":
				eventType = api.EventCheckOut
			default:
				return fmt.Errorf("invalid type %q: must be in or out", direction)
			}

			c, err := opts.client()
			if err != nil {
				return err
			}

			opts.IO.Printf("Scanning for check-%s. Empty line to finish.\n", strings.ToLower(direction))
			var ok, failed int
			for {
				id, err := opts.IO.ReadInput("> ")
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				if id == "" {
					break
				}

				res, err := c.Event(commandContext(cmd), api.EventRequest{Type: eventType, Identifier: id, Site: site})
				if err != nil {
					failed++
					printEventError(opts, id, err)
					continue
				}
				ok++
				printOperation(opts, res)
			}

			opts.IO.Printf("\n%d recorded, %d failed\n", ok, failed)
			return nil
		},
	}

	cmd.Flags().StringVar(&direction, "type", "in", "event type (in|out)")
	cmd.Flags().StringVar(&site, "site", "", "site of the events (default from token)")

	return cmd
}

// NewUndoCommand creates the undo command.
func NewUndoCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "undo <operation-id>",
		Short: "Withdraw an operation not yet delivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}

			asset, err := c.Undo(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return opts.render(asset, func() {
				opts.IO.Printf("✓ Operation %s withdrawn, %s is %s\n", args[0], asset.Tag, asset.Status)
			})
		},
	}
}

// NewRegisterCommand creates the register command.
func NewRegisterCommand(opts *RootOptions) *cobra.Command {
	var req api.RegisterAssetRequest

	cmd := &cobra.Command{
		Use:   "register <tag>",
		Short: "Register an asset unknown to the CMDB",
		Long: `Register an asset by hand when the CMDB does not know it.

Example:
  benchkeeper register GF-000999 --serial C02XYZ --model "MacBook Pro"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Tag = args[0]
			if req.Serial == "" {
				return fmt.Errorf("--serial is required")
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			asset, err := c.RegisterAsset(commandContext(cmd), req)
			if err != nil {
				return err
			}
			return opts.render(asset, func() {
				opts.IO.Printf("✓ Asset %s registered (serial %s)\n", asset.Tag, asset.Serial)
			})
		},
	}

	cmd.Flags().StringVar(&req.Serial, "serial", "", "serial number")
	cmd.Flags().StringVar(&req.Hostname, "hostname", "", "hostname")
	cmd.Flags().StringVar(&req.Manufacturer, "manufacturer", "", "manufacturer")
	cmd.Flags().StringVar(&req.Model, "model", "", "model")
	cmd.Flags().StringVar(&req.Location, "location", "", "location")

	return cmd
}

// NewShowCommand creates the show command.
func NewShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <tag>",
		Short: "Show one asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			asset, err := c.Asset(commandContext(cmd), args[0])
			if err != nil {
				return err
			}

			if opts.Format == "json" {
				return opts.render(asset, nil)
			}
			return assetTmpl.Execute(opts.IO, asset)
		},
	}
}

// NewInventoryCommand creates the inventory command.
func NewInventoryCommand(opts *RootOptions) *cobra.Command {
	var (
		view string
		days int
	)

	cmd := &cobra.Command{
		Use:     "inventory",
		Aliases: []string{"ls"},
		Short:   "List assets at the bench",
		Long: `List assets from the local mirror.

Views: in (checked in, the default), out, flagged, all, expiring.
The expiring view lists active assets whose lease ends within --days days.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}

			var resp *api.AssetListResponse
			if strings.EqualFold(view, api.ViewExpiring) {
				resp, err = c.Expiring(commandContext(cmd), days)
			} else {
				resp, err = c.Assets(commandContext(cmd), view)
			}
			if err != nil {
				return err
			}

			if opts.Format == "json" {
				return opts.render(resp, nil)
			}
			if len(resp.Assets) == 0 {
				opts.IO.Printf("No assets in view %q\n", resp.View)
				return nil
			}

			w := tabwriter.NewWriter(opts.IO, 0, 4, 2, ' ', 0)
			if resp.View == api.ViewExpiring {
				fmt.Fprintln(w, "TAG\tSERIAL\tSTATUS\tSITE\tLEASE ENDS\tDAYS")
				for _, a := range resp.Assets {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", a.Tag, a.Serial, a.Status, a.Site, leaseDate(a.LeaseMaturity), daysLeft(a.LeaseDaysRemaining))
				}
			} else {
				fmt.Fprintln(w, "TAG\tSERIAL\tSTATUS\tSITE\tTECHNICIAN\tFLAG")
				for _, a := range resp.Assets {
					flag := ""
					if a.Flagged {
						flag = "⚑ " + a.FlagNotes
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", a.Tag, a.Serial, a.Status, a.Site, a.AssignedTechnician, flag)
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			opts.IO.Printf("\n%d asset(s)\n", len(resp.Assets))
			return nil
		},
	}

	cmd.Flags().StringVar(&view, "view", api.ViewIn, "view (in|out|flagged|all|expiring)")
	cmd.Flags().IntVar(&days, "days", 90, "window of the expiring view in days")

	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	var (
		days   int
		search string
	)

	cmd := &cobra.Command{
		Use:   "history [tag]",
		Short: "Show event history",
		Long: `Show the event history of an asset, or of all assets when no tag is given.
Needs a reachable central endpoint.

Examples:
  benchkeeper history GF-000123
  benchkeeper history --days 30
  benchkeeper history --search 5CG12`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}

			var resp *api.HistoryResponse
			switch {
			case len(args) == 1:
				resp, err = c.History(commandContext(cmd), args[0])
			case search != "":
				resp, err = c.SearchHistory(commandContext(cmd), search)
			default:
				resp, err = c.RecentHistory(commandContext(cmd), days)
			}
			if err != nil {
				return err
			}

			if opts.Format == "json" {
				return opts.render(resp, nil)
			}
			if len(resp.Events) == 0 {
				switch {
				case resp.Tag != "":
					opts.IO.Printf("No events for %s\n", resp.Tag)
				case resp.Query != "":
					opts.IO.Printf("No events matching %q\n", resp.Query)
				default:
					opts.IO.Printf("No events in the last %d day(s)\n", resp.Days)
				}
				return nil
			}

			w := tabwriter.NewWriter(opts.IO, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTAG\tTYPE\tSITE\tTECHNICIAN\tNOTES")
			for _, e := range resp.Events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.ClientTimestamp.Local().Format("2006-01-02 15:04:05"), e.AssetTag, e.Type, e.Site, e.Technician, e.Notes)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "events of all assets from the last N days")
	cmd.Flags().StringVar(&search, "search", "", "events of assets whose tag or serial contains the text")

	return cmd
}

// NewFlagCommand creates the flag command.
func NewFlagCommand(opts *RootOptions) *cobra.Command {
	var req api.FlagRequest

	cmd := &cobra.Command{
		Use:   "flag <tag>",
		Short: "Flag an asset for attention",
		Long: `Flag an asset. A checked-in asset is checked out first.

Example:
  benchkeeper flag GF-000123 --notes "cracked hinge"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Flag(commandContext(cmd), args[0], req)
			if err != nil {
				return err
			}
			return opts.render(res, func() {
				if res.AutoCheckOut != "" {
					opts.IO.Printf("✓ %s checked out [op %s]\n", res.Asset.Tag, res.AutoCheckOut)
				}
				opts.IO.Printf("✓ %s flagged [op %s]\n", res.Asset.Tag, res.OperationID)
			})
		},
	}

	cmd.Flags().StringVar(&req.Notes, "notes", "", "reason for the flag")
	cmd.Flags().StringVar(&req.Site, "site", "", "site (default from token)")

	return cmd
}

// NewUnflagCommand creates the unflag command.
func NewUnflagCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unflag <tag>",
		Short: "Clear the flag of an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Unflag(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return opts.render(res, func() {
				opts.IO.Printf("✓ %s unflagged [op %s]\n", res.Asset.Tag, res.OperationID)
			})
		},
	}
}

// NewNotesCommand creates the notes command.
func NewNotesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "notes <tag> <text>...",
		Short: "Replace the notes of an asset",
		Long:  `Replace the notes of an asset. Pass "" to clear them.`,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.SetNotes(commandContext(cmd), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return opts.render(res, func() {
				opts.IO.Printf("✓ Notes of %s updated [op %s]\n", res.Asset.Tag, res.OperationID)
			})
		},
	}
}

// NewDeactivateCommand creates the deactivate command.
func NewDeactivateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <tag>",
		Short: "Retire an asset",
		Long:  "Retire an asset. Deactivated assets accept no further events.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Deactivate(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return opts.render(res, func() {
				opts.IO.Printf("✓ %s deactivated [op %s]\n", res.Asset.Tag, res.OperationID)
			})
		},
	}
}

func printOperation(opts *RootOptions, res *api.OperationResponse) {
	a := res.Asset
	switch a.Status {
	case "IN":
		opts.IO.Printf("✓ %s checked in at %s [op %s]\n", a.Tag, a.Site, res.OperationID)
	default:
		opts.IO.Printf("✓ %s checked out [op %s]\n", a.Tag, res.OperationID)
	}
	if a.Flagged {
		opts.IO.Printf("  ⚑ flagged: %s\n", a.FlagNotes)
	}
}
