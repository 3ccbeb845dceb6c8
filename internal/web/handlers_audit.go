package web

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// AuditListResponse is the body of GET /api/audit.
type AuditListResponse struct {
	Entries []core.AuditRecord `json:"entries"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// handleListAudit lists audit records, newest first.
// Query: mapping, status, since, until (RFC 3339 or YYYY-MM-DD), limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.AuditFilter{
		MappingID: q.Get("mapping"),
		Status:    core.AuditStatus(q.Get("status")),
	}

	switch filter.Status {
	case "", core.StatusSuccess, core.StatusPartial, core.StatusFailed:
	default:
		badRequest(w, "status must be one of: success, partial, failed")
		return
	}

	var err error
	if filter.Limit, err = parseIntParam(r, "limit", core.DefaultAuditLimit); err != nil {
		badRequest(w, err.Error())
		return
	}
	if filter.Offset, err = parseIntParam(r, "offset", 0); err != nil {
		badRequest(w, err.Error())
		return
	}
	if filter.Since, err = parseTimeParam(r, "since", false); err != nil {
		badRequest(w, err.Error())
		return
	}
	if filter.Until, err = parseTimeParam(r, "until", true); err != nil {
		badRequest(w, err.Error())
		return
	}

	entries, err := s.audit.ListAudit(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, AuditListResponse{
		Entries: entries,
		Limit:   filter.NormalizedLimit(),
		Offset:  filter.Offset,
	})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	rec, err := s.audit.GetAudit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleFailedRowsCSV exports the per-record errors of a cycle. Columns are
// row, code and error, followed by the union of the failed rows' fields.
func (s *Server) handleFailedRowsCSV(w http.ResponseWriter, r *http.Request) {
	rec, err := s.audit.GetAudit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}

	seen := make(map[string]bool)
	var fields []string
	for _, re := range rec.Errors {
		for name := range re.Fields {
			if !seen[name] {
				seen[name] = true
				fields = append(fields, name)
			}
		}
	}
	sort.Strings(fields)

	filename := fmt.Sprintf("failed_rows_%s_%s.csv", rec.MappingID, rec.StartedAt.Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, filename))

	csvWriter := csv.NewWriter(w)
	csvWriter.Write(append([]string{"_row", "_code", "_error"}, fields...))
	for _, re := range rec.Errors {
		row := make([]string, 0, 3+len(fields))
		row = append(row, strconv.Itoa(re.Row), re.Code, re.Message)
		for _, name := range fields {
			row = append(row, re.Fields[name])
		}
		csvWriter.Write(row)
	}
	csvWriter.Flush()
}

// parseTimeParam accepts RFC 3339 or a bare date. A bare date used as an
// upper bound covers the whole day.
func parseTimeParam(r *http.Request, name string, endOfDay bool) (time.Time, error) {
	val := r.URL.Query().Get(name)
	if val == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", val)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339 or YYYY-MM-DD", name)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
