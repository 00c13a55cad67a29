// Package cli implements the benchkeeper command line: the agent itself
// (run, migrate, token, seal) and the technician commands that talk to a
// running agent over its local HTTP API.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iudanet/benchkeeper/internal/agent"
	"github.com/iudanet/benchkeeper/internal/client/api"
	"github.com/iudanet/benchkeeper/internal/client/iocli"
	"github.com/iudanet/benchkeeper/internal/config"
	pkgapi "github.com/iudanet/benchkeeper/pkg/api"
)

// TokenEnv переменная окружения с токеном техника
const TokenEnv = "BENCHKEEPER_TOKEN"

// DefaultConfigPath дескриптор рабочей станции по умолчанию
const DefaultConfigPath = "benchkeeper.yaml"

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	IO             iocli.IO
	Build          agent.BuildInfo
	ConfigPath     string
	ServerURL      string
	Token          string
	PassphraseFile string
	Format         string // "json" | "text"
}

// NewRootCommand creates the root command of the benchkeeper CLI.
func NewRootCommand(build agent.BuildInfo, io iocli.IO) *cobra.Command {
	opts := &RootOptions{IO: io, Build: build}

	cmd := &cobra.Command{
		Use:   "benchkeeper",
		Short: "Asset check-in and check-out for repair benches",
		Long: `benchkeeper records asset check-in and check-out at a repair bench.

"benchkeeper run" starts the workstation agent. Every other command talks to
the running agent, which keeps working while the central database is down.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}
	cmd.SetOut(io)
	cmd.SetErr(io)

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", DefaultConfigPath, "path to the workstation descriptor")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "agent URL (default from descriptor)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "technician token (default $"+TokenEnv+" or token file)")
	cmd.PersistentFlags().StringVar(&opts.PassphraseFile, "passphrase-file", "", "file containing the passphrase for sealed secrets")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Agent
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewSealCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	// Technician
	cmd.AddCommand(NewCheckCommand(opts, "checkin", pkgapi.EventCheckIn))
	cmd.AddCommand(NewCheckCommand(opts, "checkout", pkgapi.EventCheckOut))
	cmd.AddCommand(NewScanCommand(opts))
	cmd.AddCommand(NewUndoCommand(opts))
	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewInventoryCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewFlagCommand(opts))
	cmd.AddCommand(NewUnflagCommand(opts))
	cmd.AddCommand(NewNotesCommand(opts))
	cmd.AddCommand(NewDeactivateCommand(opts))
	cmd.AddCommand(NewLeaseCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig читает дескриптор. Для команд техника отсутствующий файл не
// ошибка: используются значения по умолчанию и флаги.
func (o *RootOptions) loadConfig(required bool) (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err == nil {
		return cfg, nil
	}
	if !required && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// client создает клиент агента с токеном техника
func (o *RootOptions) client() (*api.Client, error) {
	cfg, err := o.loadConfig(false)
	if err != nil {
		return nil, err
	}

	serverURL := o.ServerURL
	if serverURL == "" {
		serverURL = cfg.Agent.ServerURL
	}

	token, err := o.token(cfg)
	if err != nil {
		return nil, err
	}
	return api.NewClient(serverURL, token), nil
}

// token returns the technician token with priority:
// 1. --token flag
// 2. Environment variable BENCHKEEPER_TOKEN
// 3. Token file from the descriptor
func (o *RootOptions) token(cfg *config.Config) (string, error) {
	if o.Token != "" {
		return o.Token, nil
	}
	if env := os.Getenv(TokenEnv); env != "" {
		return env, nil
	}

	content, err := os.ReadFile(cfg.Agent.TokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("no technician token. Run 'benchkeeper token --save' or set %s", TokenEnv)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(content)), nil
}

// passphrase returns the passphrase for sealed secrets with priority:
// 1. Environment variable BENCHKEEPER_PASSPHRASE
// 2. File given by --passphrase-file
// 3. Interactive prompt (fallback)
func (o *RootOptions) passphrase() (string, error) {
	if env := os.Getenv(config.PassphraseEnv); env != "" {
		return env, nil
	}

	if o.PassphraseFile != "" {
		content, err := os.ReadFile(o.PassphraseFile)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase file: %w", err)
		}
		// Убираем trailing newline/whitespace
		passphrase := strings.TrimSpace(string(content))
		if passphrase == "" {
			return "", fmt.Errorf("passphrase file is empty")
		}
		return passphrase, nil
	}

	passphrase, err := o.IO.ReadPassword("Passphrase: ")
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if passphrase == "" {
		return "", fmt.Errorf("passphrase cannot be empty")
	}
	return passphrase, nil
}

// render печатает v как JSON или через text
func (o *RootOptions) render(v interface{}, text func()) error {
	if o.Format == "json" {
		enc := json.NewEncoder(o.IO)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}
