package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/iudanet/benchkeeper/pkg/api"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection and queue status",
		Long: `Show which endpoint the agent uses, the queue depth and open conflicts.

With --watch the status is printed on every change until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}

			if !watch {
				st, err := c.Status(commandContext(cmd))
				if err != nil {
					return err
				}
				return opts.printStatus(st)
			}

			var renderErr error
			err = c.WatchStatus(commandContext(cmd), func(st api.Status) {
				if renderErr == nil {
					renderErr = opts.printStatus(&st)
				}
			})
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return errors.Join(err, renderErr)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "print status changes until interrupted")

	return cmd
}

func (o *RootOptions) printStatus(st *api.Status) error {
	if o.Format == "json" {
		return o.render(st, nil)
	}
	if err := statusTmpl.Execute(o.IO, st); err != nil {
		return err
	}
	if st.Conflicts > 0 {
		o.IO.Println()
		o.IO.Println("Run 'benchkeeper conflicts' to review rejected operations.")
	}
	return nil
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List operations rejected by the central database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.Conflicts(commandContext(cmd))
			if err != nil {
				return err
			}

			if opts.Format == "json" {
				return opts.render(resp, nil)
			}
			if len(resp.Conflicts) == 0 {
				opts.IO.Println("✓ No conflicts")
				return nil
			}
			for i := range resp.Conflicts {
				if err := conflictTmpl.Execute(opts.IO, &resp.Conflicts[i]); err != nil {
					return err
				}
			}
			opts.IO.Println()
			opts.IO.Println("Run 'benchkeeper resolve <operation-id>' after reviewing a conflict.")
			return nil
		},
	}
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <operation-id>",
		Short: "Acknowledge a reviewed conflict",
		Long: `Acknowledge a conflict after review. The local mirror keeps the
server's state and the operation is archived.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.ResolveConflict(commandContext(cmd), args[0]); err != nil {
				return err
			}
			return opts.render(map[string]string{"resolved": args[0]}, func() {
				opts.IO.Printf("✓ Conflict %s resolved\n", args[0])
			})
		},
	}
}
