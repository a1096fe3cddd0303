package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"querybridge/internal/config"

	// Drivers
	_ "github.com/alexbrainman/odbc"
	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var version = "dev"

type configKey struct{}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:     "querybridge",
		Short:   "QueryBridge - saved query execution and caching engine",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			cfg, err := config.Load(cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./"+config.DefaultFile+")")
	pf.String("db", "", "path to the catalog database")
	pf.String("driver", "sqlite", "data store driver (sqlite, postgres, mysql, sqlserver, odbc)")
	pf.String("dsn", "", "data store connection string")
	pf.String("cache", "memory", "cache backend (none, memory, redis)")
	pf.String("redis", "localhost:6379", "redis address for the redis cache backend")
	pf.Int("workers", 8, "maximum concurrent store calls")
	pf.String("log-level", "info", "log level")
	pf.String("log-dir", "logs", "directory for the rotating log file")
	pf.Int("port", 8080, "operations server port")

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newBatchCmd(),
		newSQLCmd(),
		newExplainCmd(),
		newCatalogCmd(),
		newMigrateCmd(),
		newAuditCmd(),
		newCheckCmd(),
	)
	return root
}

func configFrom(cmd *cobra.Command) *config.Config {
	cfg, _ := cmd.Context().Value(configKey{}).(*config.Config)
	return cfg
}
