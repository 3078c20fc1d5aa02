package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newPoolCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and refill the identifier pool",
	}

	var count int
	refill := &cobra.Command{
		Use:   "refill",
		Short: "Generate fresh unused identifiers",
		Long:  `Generates --count candidate identifiers, drops any already known and stores the rest as unused.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				n, err := a.pool.Refill(ctx, count)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "inserted %d identifiers\n", n)
				return nil
			})
		},
	}
	refill.Flags().IntVarP(&count, "count", "n", 5000, "Number of candidates to generate")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print identifier counts by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				s, err := a.pool.Stats(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			})
		},
	}

	cmd.AddCommand(refill, stats)
	return cmd
}

func withStorage(ctx context.Context, opts *rootOptions, fn func(context.Context, *app) error) error {
	cfg, log, err := opts.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newStorage(cfg, log, false)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return fn(ctx, a)
}
