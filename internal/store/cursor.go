package store

import (
	"database/sql"

	"querybridge/internal/core"
)

// RowCursor streams *sql.Rows. It holds a connection until closed.
type RowCursor struct {
	rows    *sql.Rows
	columns []string
	row     map[string]interface{}
	err     error
}

var _ core.Cursor = (*RowCursor)(nil)

func (c *RowCursor) Columns() ([]string, error) {
	if c.columns == nil {
		cols, err := c.rows.Columns()
		if err != nil {
			return nil, err
		}
		c.columns = cols
	}
	return c.columns, nil
}

func (c *RowCursor) Next() bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.row = nil
		return false
	}
	cols, err := c.Columns()
	if err != nil {
		c.err = err
		return false
	}
	c.row, c.err = scanRow(c.rows, cols)
	return c.err == nil
}

// Row returns the current row. Each call gets the same map until Next.
func (c *RowCursor) Row() (map[string]interface{}, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.row == nil {
		return nil, core.NewValidationError("cursor has no current row")
	}
	return c.row, nil
}

func (c *RowCursor) Err() error {
	if c.err != nil {
		return core.ClassifyStoreError("cursor", c.err)
	}
	return core.ClassifyStoreError("cursor", c.rows.Err())
}

func (c *RowCursor) Close() error { return c.rows.Close() }

// Drain reads every remaining row and closes the cursor.
func Drain(c core.Cursor) (*core.ResultSet, error) {
	defer c.Close()
	cols, err := c.Columns()
	if err != nil {
		return nil, err
	}
	out := &core.ResultSet{Columns: cols, Rows: []map[string]interface{}{}}
	for c.Next() {
		row, err := c.Row()
		if err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, row)
	}
	return out, c.Err()
}
