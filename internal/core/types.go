package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HeaderRow is the absolute index of the worksheet header row. It counts
// toward the cursor but never becomes a record.
const HeaderRow = 1

// ImportMode selects how a batch is reconciled against the target store.
type ImportMode string

const (
	ModeAppend ImportMode = "append"
	ModeUpsert ImportMode = "upsert"
)

// Valid reports whether m is a known import mode.
func (m ImportMode) Valid() bool {
	return m == ModeAppend || m == ModeUpsert
}

// SourceType identifies which reader serves a source.
type SourceType string

const (
	SourceSheets   SourceType = "sheets"
	SourceWorkbook SourceType = "xlsx"
)

// SourceRef identifies a spreadsheet document.
// For Google Sheets ID is the spreadsheet id or URL; for workbooks it is a file path.
type SourceRef struct {
	Type SourceType `json:"type"`
	ID   string     `json:"id"`
}

func (s SourceRef) String() string {
	return string(s.Type) + ":" + s.ID
}

// WorksheetRef identifies one worksheet inside a source.
//
// ID is the stable worksheet id and is authoritative when set. Name is only
// used when ID is nil. Resolving by name can silently sync the wrong data if
// a worksheet is deleted and recreated under the same name.
type WorksheetRef struct {
	ID   *int64 `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// ByID reports whether the worksheet is resolved by its stable id.
func (w WorksheetRef) ByID() bool {
	return w.ID != nil
}

func (w WorksheetRef) String() string {
	if w.ID != nil {
		if w.Name != "" {
			return fmt.Sprintf("%s (id %d)", w.Name, *w.ID)
		}
		return "id " + strconv.FormatInt(*w.ID, 10)
	}
	return w.Name
}

// WorksheetMapping binds one source worksheet to one target record kind.
// It is immutable for the duration of a cycle.
type WorksheetMapping struct {
	ID         string            `json:"id"`
	Source     SourceRef         `json:"source"`
	Worksheet  WorksheetRef      `json:"worksheet"`
	Kind       string            `json:"kind"`
	Mode       ImportMode        `json:"mode"`
	UniqueKeys []string          `json:"unique_keys,omitempty"`
	Columns    map[string]string `json:"columns,omitempty"` // header label -> target field

	MuteNotifications bool   `json:"mute_notifications"`
	SubmitAfterImport bool   `json:"submit_after_import"`
	Frequency         string `json:"frequency,omitempty"`
}

// Validate checks that the mapping can drive a cycle.
func (m WorksheetMapping) Validate() error {
	var errs []string

	if strings.TrimSpace(m.ID) == "" {
		errs = append(errs, "id is required")
	}
	switch m.Source.Type {
	case SourceSheets, SourceWorkbook:
	default:
		errs = append(errs, fmt.Sprintf("source type %q must be one of: sheets, xlsx", m.Source.Type))
	}
	if strings.TrimSpace(m.Source.ID) == "" {
		errs = append(errs, "source id is required")
	}
	if m.Worksheet.ID == nil && strings.TrimSpace(m.Worksheet.Name) == "" {
		errs = append(errs, "worksheet id or name is required")
	}
	if m.Kind == "" {
		errs = append(errs, "kind is required")
	}
	if !m.Mode.Valid() {
		errs = append(errs, fmt.Sprintf("mode %q must be one of: append, upsert", m.Mode))
	}
	if m.Mode == ModeAppend && len(m.UniqueKeys) > 0 {
		errs = append(errs, "unique_keys only apply to upsert mode")
	}
	for _, k := range m.UniqueKeys {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, "unique_keys must not contain empty names")
			break
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: mapping %q: %s", ErrInvalidMapping, m.ID, strings.Join(errs, "; "))
	}
	return nil
}

// WriteOptions carries per-mapping flags into target store writes.
type WriteOptions struct {
	MuteNotifications bool
	Submit            bool // applies to inserts only
}

// WriteOptions returns the post-import flags for target writes.
func (m WorksheetMapping) WriteOptions() WriteOptions {
	return WriteOptions{
		MuteNotifications: m.MuteNotifications,
		Submit:            m.SubmitAfterImport,
	}
}

// Cursor is the durable watermark of consumed rows for one mapping.
// LastRow 0 means nothing has been consumed. Version changes on every advance.
type Cursor struct {
	MappingID string    `json:"mapping_id"`
	LastRow   int       `json:"last_row"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NextRow returns the first row index not yet consumed.
func (c Cursor) NextRow() int {
	return c.LastRow + 1
}

// RawRow is one worksheet row as returned by the source.
// Index is absolute and 1-based, counting the header row.
type RawRow struct {
	Index int
	Cells []string
}

// NormalizedRecord maps target field names to source text for one row.
type NormalizedRecord struct {
	Row    int               `json:"row"`
	Fields map[string]string `json:"fields"`
}

// Batch is the normalized output of one fetch.
// It covers rows [StartRow, EndRow]; EndRow is StartRow-1 when no rows were fetched.
type Batch struct {
	Columns  []string
	Records  []NormalizedRecord
	StartRow int
	EndRow   int
}

// Empty reports whether the batch covers no rows at all.
func (b Batch) Empty() bool {
	return b.EndRow < b.StartRow
}

// RowCount returns how many rows the batch covers, blank rows included.
func (b Batch) RowCount() int {
	if b.Empty() {
		return 0
	}
	return b.EndRow - b.StartRow + 1
}

// TargetRecord is a record held by the target store.
type TargetRecord struct {
	ID     string
	Fields map[string]string
}

// CycleState is a step of the sync cycle state machine.
type CycleState string

const (
	StateIdle        CycleState = "IDLE"
	StateFetching    CycleState = "FETCHING"
	StateNormalizing CycleState = "NORMALIZING"
	StateReconciling CycleState = "RECONCILING"
	StateCommitting  CycleState = "COMMITTING"
	StateAdvancing   CycleState = "ADVANCING"
	StateDone        CycleState = "DONE"
	StateFailed      CycleState = "FAILED"
)

// AuditStatus is the terminal status of a cycle.
type AuditStatus string

const (
	StatusSuccess AuditStatus = "success"
	StatusPartial AuditStatus = "partial"
	StatusFailed  AuditStatus = "failed"
)

// Trigger names who emitted the due signal for a cycle.
const (
	TriggerSchedule = "schedule"
	TriggerWatch    = "watch"
	TriggerAPI      = "api"
	TriggerCLI      = "cli"
)

// RecordError is a per-record reconciliation failure.
type RecordError struct {
	Row     int               `json:"row"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// AuditRecord describes one cycle. Exactly one is emitted per cycle.
type AuditRecord struct {
	ID        string        `json:"id"`
	MappingID string        `json:"mapping_id"`
	Kind      string        `json:"kind"`
	Mode      ImportMode    `json:"mode"`
	Trigger   string        `json:"trigger,omitempty"`
	IPAddress string        `json:"ip_address,omitempty"`
	StartRow  int           `json:"start_row"`
	EndRow    int           `json:"end_row"`
	Inserted  int           `json:"inserted"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Failed    int           `json:"failed"`
	Status    AuditStatus   `json:"status"`
	FailedIn  CycleState    `json:"failed_in,omitempty"`
	Error     string        `json:"error,omitempty"`
	Errors    []RecordError `json:"errors,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NoOp reports whether the cycle found no new rows.
func (a AuditRecord) NoOp() bool {
	return a.Status == StatusSuccess && a.EndRow < a.StartRow
}

// Duration returns how long the cycle ran.
func (a AuditRecord) Duration() time.Duration {
	return a.FinishedAt.Sub(a.StartedAt)
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	MappingID string
	Status    AuditStatus
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// DefaultAuditLimit caps audit listings when no limit is given.
const DefaultAuditLimit = 50

// NormalizedLimit returns the limit to apply, clamped to [1, 500].
func (f AuditFilter) NormalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultAuditLimit
	case f.Limit > 500:
		return 500
	default:
		return f.Limit
	}
}
