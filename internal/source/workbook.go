package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// WorkbookReader reads worksheets from local xlsx files. The file is opened
// on every fetch so edits made between cycles are picked up.
type WorkbookReader struct{}

func NewWorkbookReader() *WorkbookReader {
	return &WorkbookReader{}
}

func (WorkbookReader) Fetch(ctx context.Context, src core.SourceRef, ws core.WorksheetRef, fromRow int) ([]string, []core.RawRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if fromRow < core.HeaderRow {
		fromRow = core.HeaderRow
	}

	f, err := excelize.OpenFile(src.ID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, &core.SourceNotFoundError{Source: src.String(), Err: err}
		}
		// A workbook caught mid-save fails to parse; the next attempt usually succeeds.
		return nil, nil, &core.SourceUnavailableError{Source: src.String(), Retryable: true, Err: err}
	}
	defer f.Close()

	name, ok := sheetName(f, ws)
	if !ok {
		return nil, nil, &core.SourceNotFoundError{Source: src.String(), Worksheet: ws.String()}
	}

	grid, err := f.GetRows(name)
	if err != nil {
		return nil, nil, fmt.Errorf("read worksheet %s: %w", name, err)
	}
	if len(grid) == 0 {
		return nil, []core.RawRow{}, nil
	}
	return grid[0], tail(grid, core.HeaderRow, fromRow), nil
}

// sheetName resolves ws against the workbook's sheet ids and names.
func sheetName(f *excelize.File, ws core.WorksheetRef) (string, bool) {
	if ws.ByID() {
		name, ok := f.GetSheetMap()[int(*ws.ID)]
		return name, ok
	}
	for _, name := range f.GetSheetList() {
		if name == ws.Name {
			return name, true
		}
	}
	return "", false
}
