package core

import (
	"fmt"
	"strings"
)

// IDColumn is the header label treated as the natural key when an upsert
// mapping configures none.
const IDColumn = "ID"

// ResolveUniqueKeys returns the key fields used to match records of an
// upsert mapping against the target store.
//
// Configured keys must all be present in columns. Without configured keys an
// "ID" column (any case) is used, then the kind's declared unique fields.
// Append mappings need no keys and return nil.
func ResolveUniqueKeys(m WorksheetMapping, columns []string, kinds *Kinds) ([]string, error) {
	if m.Mode != ModeUpsert {
		return nil, nil
	}

	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}

	if len(m.UniqueKeys) > 0 {
		var absent []string
		for _, k := range m.UniqueKeys {
			if !present[k] {
				absent = append(absent, k)
			}
		}
		if len(absent) > 0 {
			return nil, &UniqueKeyError{
				MappingID: m.ID,
				Reason:    fmt.Sprintf("configured key columns not in header: %s", strings.Join(absent, ", ")),
			}
		}
		return append([]string(nil), m.UniqueKeys...), nil
	}

	for _, c := range columns {
		if strings.EqualFold(c, IDColumn) {
			return []string{c}, nil
		}
	}

	if def, ok := kinds.Get(m.Kind); ok {
		unique := def.UniqueFields()
		if len(unique) > 0 {
			all := true
			for _, f := range unique {
				if !present[f] {
					all = false
					break
				}
			}
			if all {
				return unique, nil
			}
		}
	}

	return nil, &UniqueKeyError{
		MappingID: m.ID,
		Reason:    fmt.Sprintf("header has no %s column and kind %q declares no unique fields present in it", IDColumn, m.Kind),
	}
}
