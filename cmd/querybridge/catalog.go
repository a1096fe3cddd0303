package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"querybridge/internal/core"
	"querybridge/internal/data"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage saved queries and their permissions",
	}
	cmd.AddCommand(newCatalogListCmd(), newCatalogAddCmd(), newCatalogGrantCmd(), newCatalogRemoveCmd())
	return cmd
}

func newCatalogListCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved queries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openCatalog(ctx, configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			queries, err := a.queries.GetAll(ctx)
			if err != nil {
				return err
			}
			if format == "json" {
				return printJSON(cmd.OutOrStdout(), queries)
			}
			renderQueries(cmd.OutOrStdout(), queries)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format (table, json)")
	return cmd
}

func newCatalogAddCmd() *cobra.Command {
	var (
		q      core.Query
		params []string
		groups []string
		users  []string
	)
	cmd := &cobra.Command{
		Use:   "add <name> <sql>",
		Short: "Save a query; parameters are declared as name:type[:default]",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			q.Name, q.SQLText = args[0], args[1]
			decl, err := parseDeclarations(params)
			if err != nil {
				return err
			}
			q.Parameters = decl

			a, err := openCatalog(ctx, configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.queries.Create(ctx, &q); err != nil {
				return err
			}
			if len(groups) > 0 || len(users) > 0 {
				if err := a.perms.Upsert(ctx, &core.QueryExecutionPermission{QueryID: q.ID, AllowedGroups: groups, AllowedUsers: users}); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved query %q with id %d\n", q.Name, q.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&q.Description, "description", "", "description")
	f.StringVar(&q.Category, "category", "", "category")
	f.StringArrayVarP(&params, "param", "p", nil, "parameter declaration name:type[:default]")
	f.BoolVar(&q.Async, "async", false, "always run on the worker pool")
	f.IntVar(&q.TimeoutSeconds, "timeout", 0, "timeout in seconds, 0 for the configured default")
	f.IntVar(&q.CacheSeconds, "cache-seconds", 0, "cache TTL in seconds, 0 for the default, negative disables caching")
	f.StringSliceVar(&groups, "group", nil, "groups allowed to execute")
	f.StringSliceVar(&users, "user", nil, "users allowed to execute")
	return cmd
}

func newCatalogGrantCmd() *cobra.Command {
	var groups, users []string
	cmd := &cobra.Command{
		Use:   "grant <query-id|name>",
		Short: "Replace the execution permission of a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openCatalog(ctx, configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			q, err := a.lookup(ctx, args[0])
			if err != nil {
				return err
			}
			return a.perms.Upsert(ctx, &core.QueryExecutionPermission{QueryID: q.ID, AllowedGroups: groups, AllowedUsers: users})
		},
	}
	cmd.Flags().StringSliceVar(&groups, "group", nil, "groups allowed to execute")
	cmd.Flags().StringSliceVar(&users, "user", nil, "users allowed to execute")
	return cmd
}

func newCatalogRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <query-id|name>",
		Short: "Delete a saved query and its permission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openCatalog(ctx, configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			q, err := a.lookup(ctx, args[0])
			if err != nil {
				return err
			}
			return a.queries.Delete(ctx, q.ID)
		},
	}
}

// parseDeclarations reads name:type[:default]. The default is JSON when it
// parses as JSON and a plain string otherwise.
func parseDeclarations(specs []string) ([]core.QueryParameter, error) {
	out := make([]core.QueryParameter, 0, len(specs))
	for _, s := range specs {
		parts := strings.SplitN(s, ":", 3)
		if len(parts) < 2 || parts[0] == "" {
			return nil, core.NewValidationError("parameter declaration %q must be name:type[:default]", s)
		}
		p := core.QueryParameter{Name: parts[0], DataType: parts[1]}
		switch p.DataType {
		case core.TypeInteger, core.TypeString, core.TypeBoolean:
		default:
			return nil, core.NewValidationError("parameter %q has unsupported data type %q", p.Name, p.DataType)
		}
		if len(parts) == 3 {
			var v interface{}
			if err := json.Unmarshal([]byte(parts[2]), &v); err != nil {
				v = parts[2]
			}
			p.DefaultValue = v
		}
		out = append(out, p)
	}
	return out, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the catalog schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openCatalog(ctx, configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			v, err := data.MigrationVersion(a.catalog)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Catalog %s at schema version %d\n", catalogPath(a.cfg), v)
			return nil
		},
	}
}

func newAuditCmd() *cobra.Command {
	var (
		limit   int
		queryID int64
		format  string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent execution attempts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openCatalog(ctx, configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			var logs []core.QueryLog
			if queryID > 0 {
				logs, err = a.audit.GetByQueryID(ctx, queryID, limit)
			} else {
				logs, err = a.audit.GetRecent(ctx, limit)
			}
			if err != nil {
				return err
			}
			if format == "json" {
				return printJSON(cmd.OutOrStdout(), logs)
			}
			renderAudit(cmd.OutOrStdout(), logs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "rows to show")
	cmd.Flags().Int64Var(&queryID, "query", 0, "only attempts of this query id")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format (table, json)")
	return cmd
}
