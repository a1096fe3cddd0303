package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"querybridge/internal/core"
	"querybridge/internal/security"
)

type identityFlags struct {
	user   string
	groups []string
}

func (f *identityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.user, "user", "u", os.Getenv("USER"), "identity to execute as")
	cmd.Flags().StringSliceVarP(&f.groups, "group", "g", nil, "groups of the identity")
}

func (f *identityFlags) identity() core.Identity {
	return core.Identity{Username: f.user, Groups: f.groups}
}

func newRunCmd() *cobra.Command {
	var (
		id       identityFlags
		pairs    []string
		rawJSON  string
		async    bool
		stream   bool
		page     int
		pageSize int
		format   string
	)
	cmd := &cobra.Command{
		Use:   "run <query-id|name>",
		Short: "Execute a saved query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			q, err := a.lookup(ctx, args[0])
			if err != nil {
				return err
			}
			params, err := parseParams(pairs, rawJSON, q.Parameters)
			if err != nil {
				return err
			}
			if page > 0 {
				params[security.KeyPage] = int64(page)
			}
			if pageSize > 0 {
				params[security.KeyLimit] = int64(pageSize)
			}
			user := id.identity()

			if stream {
				cur, err := a.svc.ExecuteParameterizedQuery(ctx, user, q.ID, params)
				if err != nil {
					return err
				}
				defer cur.Close()
				enc := json.NewEncoder(cmd.OutOrStdout())
				for cur.Next() {
					row, err := cur.Row()
					if err != nil {
						return err
					}
					if err := enc.Encode(row); err != nil {
						return err
					}
				}
				return cur.Err()
			}

			exec := a.svc.ExecuteQuery
			if async {
				exec = a.svc.ExecuteAsyncQuery
			}
			res, err := exec(ctx, user, q.ID, params)
			if err != nil {
				return err
			}
			return renderRows(cmd.OutOrStdout(), format, res.Columns, res.Rows, res)
		},
	}
	id.register(cmd)
	cmd.Flags().StringArrayVarP(&pairs, "param", "p", nil, "parameter as name=value, typed by the query's declaration")
	cmd.Flags().StringVar(&rawJSON, "params", "", "parameters as a JSON object")
	cmd.Flags().BoolVar(&async, "async", false, "run on the worker pool under the async timeout")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream rows as JSON lines without caching")
	cmd.Flags().IntVar(&page, "page", 0, "result page, 1-based")
	cmd.Flags().IntVar(&pageSize, "limit", 0, "rows per page")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format (table, json)")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var (
		id        identityFlags
		itemsFile string
		chunk     int
		cont      bool
	)
	cmd := &cobra.Command{
		Use:   "batch <query-id|name>",
		Short: "Execute a saved statement once per item, committing in chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			q, err := a.lookup(ctx, args[0])
			if err != nil {
				return err
			}
			items, err := readItems(cmd.InOrStdin(), itemsFile)
			if err != nil {
				return err
			}
			if chunk <= 0 {
				chunk = a.cfg.Executor.ChunkSize
			}
			report, err := a.svc.ExecuteBatchItems(ctx, id.identity(), q.ID, items, chunk, cont)
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
			return err
		},
	}
	id.register(cmd)
	cmd.Flags().StringVarP(&itemsFile, "items", "f", "-", "JSON array of parameter objects, - for stdin")
	cmd.Flags().IntVar(&chunk, "chunk", 0, "items per transaction (default: executor.chunk_size)")
	cmd.Flags().BoolVar(&cont, "continue", false, "keep going after a failed chunk")
	return cmd
}

func newSQLCmd() *cobra.Command {
	var (
		id     identityFlags
		format string
	)
	cmd := &cobra.Command{
		Use:   "sql <statement> [args...]",
		Short: "Execute an ad hoc parameterized statement",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			bind := make([]interface{}, 0, len(args)-1)
			for _, v := range args[1:] {
				bind = append(bind, v)
			}
			res, err := a.svc.ExecuteRawSQL(ctx, id.identity(), args[0], bind...)
			if err != nil {
				return err
			}
			return renderRows(cmd.OutOrStdout(), format, res.Columns, res.Rows, res)
		},
	}
	id.register(cmd)
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format (table, json)")
	return cmd
}

func newExplainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain <table> <statement>",
		Short: "Recommend indexes for a statement against a table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			rec, err := a.svc.RecommendIndexingStrategy(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

// lookup resolves a numeric id or a query name.
func (a *app) lookup(ctx context.Context, ref string) (*core.Query, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return a.queries.GetByID(ctx, id)
	}
	return a.queries.GetByName(ctx, ref)
}

// parseParams merges a JSON object with name=value pairs. Pair values are
// converted to the declared parameter type; undeclared names stay strings.
func parseParams(pairs []string, rawJSON string, declared []core.QueryParameter) (map[string]interface{}, error) {
	params := make(map[string]interface{})
	if rawJSON != "" {
		dec := json.NewDecoder(strings.NewReader(rawJSON))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return nil, core.NewValidationError("--params must be a JSON object: %v", err)
		}
	}

	types := make(map[string]string, len(declared)+2)
	for _, p := range declared {
		types[p.Name] = p.DataType
	}
	types[security.KeyPage] = core.TypeInteger
	types[security.KeyLimit] = core.TypeInteger

	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, core.NewValidationError("parameter %q must be name=value", pair)
		}
		switch types[name] {
		case core.TypeInteger:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, core.NewValidationError("parameter %q must be an integer", name)
			}
			params[name] = n
		case core.TypeBoolean:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, core.NewValidationError("parameter %q must be a boolean", name)
			}
			params[name] = b
		default:
			params[name] = value
		}
	}
	return params, nil
}

func readItems(stdin io.Reader, path string) ([]map[string]interface{}, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}
	var items []map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&items); err != nil {
		return nil, core.NewValidationError("items must be a JSON array of objects: %v", err)
	}
	return items, nil
}
