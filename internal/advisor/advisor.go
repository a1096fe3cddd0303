// Package advisor suggests columns worth indexing from a query plan.
// Suggestions are heuristic; nothing here touches the schema.
package advisor

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"querybridge/internal/core"
)

// Explainer is the part of core.Store the advisor needs.
type Explainer interface {
	Dialect() string
	Explain(ctx context.Context, sqlText string) ([]string, error)
}

type Recommendation struct {
	Table      string   `json:"table"`
	FullScan   bool     `json:"full_scan"`
	Columns    []string `json:"columns"`
	Statements []string `json:"statements"`
	Plan       []string `json:"plan"`
}

type Advisor struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Advisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Advisor{log: log.Named("advisor")}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Recommend explains sqlText and, when the plan reads every row of table,
// lists the columns the statement filters, joins, sorts or groups on.
// Columns come in that order, each once.
func (a *Advisor) Recommend(ctx context.Context, ex Explainer, table, sqlText string) (*Recommendation, error) {
	table = strings.Trim(strings.TrimSpace(table), "`\"[]")
	if !identRe.MatchString(table) {
		return nil, core.NewValidationError("invalid table name %q", table)
	}
	plan, err := ex.Explain(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	rec := Analyze(table, sqlText, plan)
	a.log.Info("index recommendation",
		zap.String("table", table),
		zap.Bool("full_scan", rec.FullScan),
		zap.Strings("columns", rec.Columns))
	return rec, nil
}

// Analyze works on an already captured plan.
func Analyze(table, sqlText string, plan []string) *Recommendation {
	rec := &Recommendation{Table: table, Plan: plan, Columns: []string{}, Statements: []string{}}
	scanIdx := fullScanLines(table, plan)
	if len(scanIdx) == 0 {
		return rec
	}
	rec.FullScan = true

	seen := map[string]bool{}
	add := func(cols ...string) {
		for _, c := range cols {
			c = strings.ToLower(c)
			if c == "" || seen[c] || reserved[strings.ToUpper(c)] {
				continue
			}
			seen[c] = true
			rec.Columns = append(rec.Columns, c)
		}
	}

	for _, i := range scanIdx {
		add(planFilterColumns(plan, i)...)
	}
	aliases := tableAliases(table, sqlText)
	for _, clause := range []clauseKind{clauseWhere, clauseJoin, clauseOrder, clauseGroup} {
		add(clauseColumns(clause, sqlText, aliases)...)
	}

	for _, c := range rec.Columns {
		rec.Statements = append(rec.Statements, fmt.Sprintf("CREATE INDEX idx_%s_%s ON %s (%s)", table, c, table, c))
	}
	return rec
}

func fullScanLines(table string, plan []string) []int {
	t := regexp.QuoteMeta(table)
	// postgres, sqlite, sqlserver (heap and clustered), oracle
	patterns := []*regexp.Regexp{
		regexp.MustCompile(`(?i)seq scan on\s+["` + "`" + `]?` + t + `\b`),
		regexp.MustCompile(`(?i)^\s*(?:--)?\s*scan\s+(?:table\s+)?["` + "`" + `]?` + t + `\b`),
		regexp.MustCompile(`(?i)table scan.*\b` + t + `\b`),
		regexp.MustCompile(`(?i)clustered index scan.*\b` + t + `\b`),
		regexp.MustCompile(`(?i)table access full.*\b` + t + `\b`),
	}
	mysqlTable := regexp.MustCompile(`(?i)\btable:\s*["` + "`" + `]?` + t + `\b`)
	mysqlAll := regexp.MustCompile(`(?i)\btype:\s*ALL\b`)

	var out []int
	for i, line := range plan {
		if mysqlTable.MatchString(line) && mysqlAll.MatchString(line) {
			out = append(out, i)
			continue
		}
		for _, p := range patterns {
			if p.MatchString(line) {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

var (
	filterLineRe = regexp.MustCompile(`(?i)^\s*(?:filter|index cond|join filter|recheck cond|hash cond):\s*(.*)$`)
	comparisonRe = regexp.MustCompile(`(?i)(?:([A-Za-z_][A-Za-z0-9_]*)\.)?"?([A-Za-z_][A-Za-z0-9_]*)"?\)?(?:::[a-z ]+)?\)?\s*(?:=|<>|!=|<=|>=|<|>|~~\*?|\bLIKE\b|\bIN\b|\bBETWEEN\b|\bIS\b)`)
)

// planFilterColumns reads the Filter lines directly under the scan node at i.
func planFilterColumns(plan []string, i int) []string {
	var cols []string
	for _, line := range plan[i+1:] {
		if strings.Contains(line, "->") {
			break
		}
		m := filterLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		for _, c := range comparisonRe.FindAllStringSubmatch(stripLiterals(m[1]), -1) {
			cols = append(cols, c[2])
		}
	}
	return cols
}

type clauseKind int

const (
	clauseWhere clauseKind = iota
	clauseJoin
	clauseOrder
	clauseGroup
)

var (
	whereRe     = regexp.MustCompile(`(?is)\bwhere\b(.*?)(?:\bgroup\s+by\b|\border\s+by\b|\blimit\b|\bhaving\b|\boffset\b|\{pagination|$)`)
	joinSplitRe = regexp.MustCompile(`(?i)\bjoin\b`)
	joinOnRe    = regexp.MustCompile(`(?is)\bon\b(.*?)(?:\bwhere\b|\bgroup\s+by\b|\border\s+by\b|\blimit\b|$)`)
	orderByRe   = regexp.MustCompile(`(?is)\border\s+by\b(.*?)(?:\blimit\b|\boffset\b|\{pagination|$)`)
	groupByRe   = regexp.MustCompile(`(?is)\bgroup\s+by\b(.*?)(?:\bhaving\b|\border\s+by\b|\blimit\b|$)`)
	listItemRe  = regexp.MustCompile(`(?is)^\s*(?:([A-Za-z_][A-Za-z0-9_]*)\.)?["` + "`" + `]?([A-Za-z_][A-Za-z0-9_]*)["` + "`" + `]?\s*(?:asc|desc)?\s*(?:nulls\s+(?:first|last))?\s*$`)
	qualifiedRe = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\b`)
	fromRe      = regexp.MustCompile(`(?i)\b(?:from|join)\s+["` + "`" + `]?([A-Za-z_][A-Za-z0-9_]*)["` + "`" + `]?(?:\s+(?:as\s+)?([A-Za-z_][A-Za-z0-9_]*))?`)
)

// tableAliases returns the names table is referred to by, itself included.
func tableAliases(table, sqlText string) map[string]bool {
	names := map[string]bool{strings.ToLower(table): true}
	for _, m := range fromRe.FindAllStringSubmatch(sqlText, -1) {
		if strings.EqualFold(m[1], table) && m[2] != "" && !reserved[strings.ToUpper(m[2])] {
			names[strings.ToLower(m[2])] = true
		}
	}
	return names
}

func clauseColumns(kind clauseKind, sqlText string, aliases map[string]bool) []string {
	var cols []string
	keep := func(qualifier, col string) {
		if qualifier == "" || aliases[strings.ToLower(qualifier)] {
			cols = append(cols, col)
		}
	}

	comparisons := func(s string) {
		for _, c := range comparisonRe.FindAllStringSubmatch(stripLiterals(s), -1) {
			keep(c[1], c[2])
		}
	}

	switch kind {
	case clauseWhere:
		if m := whereRe.FindStringSubmatch(sqlText); m != nil {
			comparisons(m[1])
		}
	case clauseJoin:
		for _, seg := range joinSplitRe.Split(sqlText, -1)[1:] {
			m := joinOnRe.FindStringSubmatch(seg)
			if m == nil {
				continue
			}
			// both sides of a join condition name columns
			for _, q := range qualifiedRe.FindAllStringSubmatch(m[1], -1) {
				keep(q[1], q[2])
			}
			comparisons(m[1])
		}
	case clauseOrder, clauseGroup:
		re := orderByRe
		if kind == clauseGroup {
			re = groupByRe
		}
		m := re.FindStringSubmatch(sqlText)
		if m == nil {
			return nil
		}
		for _, item := range strings.Split(m[1], ",") {
			if c := listItemRe.FindStringSubmatch(item); c != nil {
				keep(c[1], c[2])
			}
		}
	}
	return cols
}

var literalRe = regexp.MustCompile(`'(?:[^']|'')*'|\{[A-Za-z_][A-Za-z0-9_]*\}|\$\d+|@p\d+|\?`)

// stripLiterals blanks string literals and placeholders so their contents
// are never read as column names.
func stripLiterals(s string) string {
	return literalRe.ReplaceAllString(s, "0")
}

var reserved = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "NULL": true, "TRUE": true, "FALSE": true,
	"ASC": true, "DESC": true, "SELECT": true, "FROM": true, "WHERE": true, "ON": true,
	"JOIN": true, "LEFT": true, "RIGHT": true, "INNER": true, "OUTER": true, "CROSS": true,
	"AS": true, "LIMIT": true, "OFFSET": true, "IS": true, "IN": true, "LIKE": true,
	"BETWEEN": true, "CASE": true, "WHEN": true, "THEN": true, "ELSE": true, "END": true,
	"TEXT": true, "INTEGER": true, "NUMERIC": true, "BPCHAR": true, "VARCHAR": true,
}
