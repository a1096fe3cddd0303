package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the catalog, data store and cache are reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := configFrom(cmd)
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "catalog  %s ok\n", catalogPath(cfg))
			if err := a.store.Ping(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "store    %s ok\n", a.store.Dialect())

			st, err := a.svc.CacheStats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "cache    %s ok (%d keys)\n", st.Backend, st.Keys)
			return nil
		},
	}
}
