// Package cli wires configuration, logging and services into the vpagate
// command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vpagate/vpagate/internal/config"
	"github.com/vpagate/vpagate/internal/logging"
)

type rootOptions struct {
	configPath string
}

func newRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "vpagate",
		Short: "vpagate - UPI payment address issuance and callback reconciliation",
		Long: `vpagate issues virtual payment addresses to merchants from a pre-generated
identifier pool and reconciles the bank's encrypted payment-status callbacks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newPoolCmd(opts))
	cmd.AddCommand(newSimulateCmd(opts))
	return cmd
}

// Execute runs the root command
func Execute(version string) error {
	if err := newRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// load reads the configuration and builds the logger for it.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Env)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log.With(zap.String("env", cfg.Env)), nil
}
