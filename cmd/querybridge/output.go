package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"querybridge/internal/core"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderRows prints a result set as a table, or as JSON when format is json.
func renderRows(w io.Writer, format string, cols []string, rows []map[string]interface{}, v interface{}) error {
	if format == "json" {
		return printJSON(w, v)
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(w, "(0 rows)")
		return nil
	}

	t := newTable(w)
	header := make(table.Row, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	t.AppendHeader(header)
	for _, r := range rows {
		row := make(table.Row, len(cols))
		for i, c := range cols {
			row[i] = formatValue(r[c])
		}
		t.AppendRow(row)
	}
	t.Render()
	_, _ = fmt.Fprintf(w, "(%d rows)\n", len(rows))
	return nil
}

func renderQueries(w io.Writer, queries []core.Query) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Name", "Category", "Params", "Async", "Cache", "Timeout"})
	for _, q := range queries {
		cacheCol := "default"
		switch {
		case q.CacheSeconds < 0:
			cacheCol = "off"
		case q.CacheSeconds > 0:
			cacheCol = (time.Duration(q.CacheSeconds) * time.Second).String()
		}
		t.AppendRow(table.Row{q.ID, q.Name, q.Category, len(q.Parameters), q.Async, cacheCol, q.TimeoutSeconds})
	}
	t.Render()
}

func renderAudit(w io.Writer, logs []core.QueryLog) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Query", "User", "At", "ms", "OK", "Error"})
	for _, l := range logs {
		t.AppendRow(table.Row{l.ID, l.QueryID, l.ExecutedBy, l.ExecutedAt.Format(time.RFC3339), l.DurationMs, l.Success, l.ErrorMessage})
	}
	t.Render()
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprint(val)
	}
}
