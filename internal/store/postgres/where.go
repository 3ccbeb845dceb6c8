package postgres

import (
	"fmt"
	"strings"
	"time"
)

// WhereBuilder accumulates AND-ed conditions with numbered placeholders.
type WhereBuilder struct {
	conditions []string
	args       []any
	argIndex   int
}

func NewWhereBuilder() *WhereBuilder {
	return &WhereBuilder{argIndex: 1}
}

// Add appends "col = $N". Empty values are skipped.
func (w *WhereBuilder) Add(col, val string) *WhereBuilder {
	if val == "" {
		return w
	}
	w.conditions = append(w.conditions, fmt.Sprintf("%s = $%d", col, w.argIndex))
	w.args = append(w.args, val)
	w.argIndex++
	return w
}

// AddTimestampRange bounds col inclusively. A zero time leaves that side open.
func (w *WhereBuilder) AddTimestampRange(col string, start, end time.Time) *WhereBuilder {
	if !start.IsZero() {
		w.conditions = append(w.conditions, fmt.Sprintf("%s >= $%d", col, w.argIndex))
		w.args = append(w.args, start)
		w.argIndex++
	}
	if !end.IsZero() {
		w.conditions = append(w.conditions, fmt.Sprintf("%s <= $%d", col, w.argIndex))
		w.args = append(w.args, end)
		w.argIndex++
	}
	return w
}

// Build returns the WHERE clause (with a leading space) and its args.
func (w *WhereBuilder) Build() (string, []any) {
	if len(w.conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(w.conditions, " AND "), w.args
}

// NextArgIndex returns the placeholder number for the next argument.
func (w *WhereBuilder) NextArgIndex() int {
	return w.argIndex
}
