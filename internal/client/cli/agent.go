package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/benchkeeper/internal/agent"
	"github.com/iudanet/benchkeeper/internal/crypto"
	"github.com/iudanet/benchkeeper/internal/server/jwt"
)

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the workstation agent",
		Long: `Start the workstation agent with the descriptor given by --config.

The agent serves the local API, probes the central endpoints and delivers
queued operations. Endpoint changes in the descriptor apply without restart.

Example:
  benchkeeper run --config /etc/benchkeeper/bench-07.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}

			var passphrase string
			if cfg.NeedsPassphrase() {
				if passphrase, err = opts.passphrase(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := agent.NewLogger(cfg.Log.Level, os.Stderr)
			logger.Info("Starting benchkeeper agent",
				"version", opts.Build.Version,
				"commit", opts.Build.GitCommit,
				"config", opts.ConfigPath)

			a, err := agent.New(ctx, cfg, passphrase, opts.Build, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error("Failed to close agent", "error", err)
				}
			}()

			return a.Run(ctx, opts.ConfigPath)
		},
	}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the central schema to every writable endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}

			var passphrase string
			if cfg.NeedsPassphrase() {
				if passphrase, err = opts.passphrase(); err != nil {
					return err
				}
			}

			migrated, err := agent.Migrate(commandContext(cmd), cfg, passphrase)
			for _, name := range migrated {
				opts.IO.Printf("✓ %s migrated\n", name)
			}
			return err
		},
	}
}

// NewTokenCommand creates the token command.
func NewTokenCommand(opts *RootOptions) *cobra.Command {
	var (
		technician string
		site       string
		save       bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a technician token for the local API",
		Long: `Issue a technician token signed with the descriptor's token secret.

Example:
  benchkeeper token --technician jdoe --site AUS --save`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}

			var passphrase string
			if cfg.Auth.TokenSecretSealed != "" {
				if passphrase, err = opts.passphrase(); err != nil {
					return err
				}
			}
			secret, err := cfg.TokenSecret(passphrase)
			if err != nil {
				return err
			}
			tokens, err := jwt.NewService(secret, cfg.Auth.TokenTTL, nil)
			if err != nil {
				return err
			}

			if technician == "" {
				technician = cfg.Agent.Technician
			}
			if site == "" {
				site = cfg.Agent.Site
			}
			token, expiresAt, err := tokens.Generate(technician, site)
			if err != nil {
				return err
			}

			if !save {
				opts.IO.Println(token)
				return nil
			}
			if err := os.WriteFile(cfg.Agent.TokenFile, []byte(token+"\n"), 0o600); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			opts.IO.Printf("✓ Token for %s saved to %s\n", technician, cfg.Agent.TokenFile)
			opts.IO.Printf("Expires: %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&technician, "technician", "", "technician name (default from descriptor)")
	cmd.Flags().StringVar(&site, "site", "", "default site for requests (default from descriptor)")
	cmd.Flags().BoolVar(&save, "save", false, "write the token to the descriptor's token file")

	return cmd
}

// NewSealCommand creates the seal command.
func NewSealCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Seal a secret for the descriptor",
		Long: `Seal a database password or token secret with the passphrase.

Put the output into password_sealed or token_secret_sealed. The agent asks
for the passphrase (or reads $BENCHKEEPER_PASSPHRASE) at startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase, err := opts.passphrase()
			if err != nil {
				return err
			}
			secret, err := opts.IO.ReadPassword("Secret: ")
			if err != nil {
				return fmt.Errorf("failed to read secret: %w", err)
			}
			if secret == "" {
				return fmt.Errorf("secret cannot be empty")
			}

			sealed, err := crypto.Seal(passphrase, secret)
			if err != nil {
				return err
			}
			opts.IO.Println(sealed)
			return nil
		},
	}
}

// NewVersionCommand creates the version command.
func NewVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.render(opts.Build, func() {
				opts.IO.Printf("benchkeeper\n")
				opts.IO.Printf("Version:    %s\n", opts.Build.Version)
				opts.IO.Printf("Build Date: %s\n", opts.Build.BuildDate)
				opts.IO.Printf("Git Commit: %s\n", opts.Build.GitCommit)
			})
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
