// Package source reads worksheet tails from Google Sheets and local xlsx
// workbooks.
//
// Readers return the header row and every row from the requested index to
// the current end of the worksheet. Row indexes are absolute and 1-based, so
// index 1 is the header. Failures are reported as core.SourceNotFoundError
// or core.SourceUnavailableError so the orchestrator can decide on a retry.
package source

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// Router dispatches a fetch to the reader registered for the source type.
type Router struct {
	readers map[core.SourceType]core.SourceReader
}

func NewRouter() *Router {
	return &Router{readers: make(map[core.SourceType]core.SourceReader)}
}

// Handle registers r for sources of type t, replacing any previous reader.
func (rt *Router) Handle(t core.SourceType, r core.SourceReader) *Router {
	rt.readers[t] = r
	return rt
}

func (rt *Router) Fetch(ctx context.Context, src core.SourceRef, ws core.WorksheetRef, fromRow int) ([]string, []core.RawRow, error) {
	r, ok := rt.readers[src.Type]
	if !ok {
		return nil, nil, &core.SourceUnavailableError{
			Source: src.String(),
			Err:    fmt.Errorf("no reader configured for source type %q", src.Type),
		}
	}
	return r.Fetch(ctx, src, ws, fromRow)
}

// tail converts cell grids into rows, skipping indexes before fromRow.
// first is the absolute index of grid[0].
func tail(grid [][]string, first, fromRow int) []core.RawRow {
	rows := make([]core.RawRow, 0, len(grid))
	for i, cells := range grid {
		idx := first + i
		if idx < fromRow {
			continue
		}
		rows = append(rows, core.RawRow{Index: idx, Cells: cells})
	}
	return rows
}
