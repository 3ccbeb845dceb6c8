package core

import (
	"sort"
	"strings"
)

// Normalizer converts raw worksheet rows into a Batch.
//
// Columns are taken from the header row positionally. Renames maps a header
// label to the target field name; unmapped labels are used as-is. Cell
// values pass through untouched: field typing belongs to the target store.
type Normalizer struct {
	Renames map[string]string
}

// Normalize builds a batch with no column renames.
func Normalize(header []string, rows []RawRow, startRow int) Batch {
	return Normalizer{}.Normalize(header, rows, startRow)
}

// Normalize zips each row against header and returns the batch covering
// [startRow, last fetched row].
//
// Short rows are padded with "" and long rows truncated. Blank rows and the
// header row are dropped but still count toward EndRow so they are never
// fetched again.
func (n Normalizer) Normalize(header []string, rows []RawRow, startRow int) Batch {
	columns, positions := n.columns(header)

	batch := Batch{
		Columns:  columns,
		StartRow: startRow,
		EndRow:   startRow - 1,
	}

	sorted := make([]RawRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	for _, row := range sorted {
		if row.Index < startRow {
			continue
		}
		if row.Index > batch.EndRow {
			batch.EndRow = row.Index
		}
		if row.Index <= HeaderRow || isBlankRow(row.Cells) {
			continue
		}

		fields := make(map[string]string, len(columns))
		for i, name := range columns {
			pos := positions[i]
			if pos < len(row.Cells) {
				fields[name] = row.Cells[pos]
			} else {
				fields[name] = ""
			}
		}
		batch.Records = append(batch.Records, NormalizedRecord{Row: row.Index, Fields: fields})
	}

	return batch
}

// columns resolves header labels to target field names and their cell
// positions. Empty labels are skipped; the first occurrence of a name wins.
func (n Normalizer) columns(header []string) ([]string, []int) {
	columns := make([]string, 0, len(header))
	positions := make([]int, 0, len(header))
	seen := make(map[string]bool, len(header))

	for i, label := range header {
		name := n.FieldName(label)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		columns = append(columns, name)
		positions = append(positions, i)
	}
	return columns, positions
}

// FieldName returns the target field name for a header label, or "" if the
// label is empty.
func (n Normalizer) FieldName(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}
	if renamed, ok := n.Renames[label]; ok && strings.TrimSpace(renamed) != "" {
		return strings.TrimSpace(renamed)
	}
	return label
}

// isBlankRow reports whether every cell is empty or whitespace.
func isBlankRow(cells []string) bool {
	for _, v := range cells {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
