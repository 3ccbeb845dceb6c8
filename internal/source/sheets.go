package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// SheetsOptions configures the Google Sheets client.
type SheetsOptions struct {
	CredentialsFile string
	Endpoint        string

	// ClientOptions are appended after the options derived above.
	ClientOptions []option.ClientOption

	// Credentials, when set, supplies per-spreadsheet options and replaces
	// CredentialsFile.
	Credentials CredentialProvider
}

// CredentialProvider returns client options for one spreadsheet.
type CredentialProvider interface {
	ClientOptions(ctx context.Context, spreadsheetID string) ([]option.ClientOption, error)
}

// SheetsReader fetches worksheet tails through the Sheets v4 API.
type SheetsReader struct {
	base  []option.ClientOption
	creds CredentialProvider

	mu       sync.Mutex
	svc      *sheets.Service
	services map[string]*sheets.Service // per spreadsheet, with creds
}

// NewSheetsReader builds a read-only Sheets client. Without a credentials
// file or provider the client falls back to application default credentials.
func NewSheetsReader(ctx context.Context, opts SheetsOptions) (*SheetsReader, error) {
	co := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsReadonlyScope)}
	if opts.CredentialsFile != "" && opts.Credentials == nil {
		co = append(co, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		co = append(co, option.WithEndpoint(opts.Endpoint))
	}
	co = append(co, opts.ClientOptions...)

	r := &SheetsReader{base: co, creds: opts.Credentials}
	if r.creds != nil {
		r.services = make(map[string]*sheets.Service)
		return r, nil
	}

	svc, err := sheets.NewService(ctx, co...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	r.svc = svc
	return r, nil
}

// service returns the client for a spreadsheet. Provider failures are
// retryable source errors.
func (r *SheetsReader) service(ctx context.Context, src core.SourceRef, id string) (*sheets.Service, error) {
	if r.creds == nil {
		return r.svc, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[id]; ok {
		return svc, nil
	}

	extra, err := r.creds.ClientOptions(ctx, id)
	if err != nil {
		return nil, &core.SourceUnavailableError{Source: src.String(), Retryable: true, Err: fmt.Errorf("credentials: %w", err)}
	}
	co := append(append([]option.ClientOption{}, r.base...), extra...)
	// The client outlives this fetch; token refresh must not see its deadline.
	svc, err := sheets.NewService(context.WithoutCancel(ctx), co...)
	if err != nil {
		return nil, &core.SourceUnavailableError{Source: src.String(), Retryable: false, Err: err}
	}
	r.services[id] = svc
	return svc, nil
}

var spreadsheetURL = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`)

// SpreadsheetID accepts a bare id or a docs.google.com URL.
func SpreadsheetID(ref string) string {
	if m := spreadsheetURL.FindStringSubmatch(ref); m != nil {
		return m[1]
	}
	return strings.TrimSpace(ref)
}

func (r *SheetsReader) Fetch(ctx context.Context, src core.SourceRef, ws core.WorksheetRef, fromRow int) ([]string, []core.RawRow, error) {
	id := SpreadsheetID(src.ID)
	if fromRow < core.HeaderRow {
		fromRow = core.HeaderRow
	}

	svc, err := r.service(ctx, src, id)
	if err != nil {
		return nil, nil, err
	}

	props, err := worksheet(ctx, svc, src, id, ws)
	if err != nil {
		return nil, nil, err
	}

	title := quoteTitle(props.Title)
	ranges := []string{fmt.Sprintf("%s!%d:%d", title, core.HeaderRow, core.HeaderRow)}
	rowCount := int64(0)
	if props.GridProperties != nil {
		rowCount = props.GridProperties.RowCount
	}
	if int64(fromRow) <= rowCount {
		ranges = append(ranges, fmt.Sprintf("%s!%d:%d", title, fromRow, rowCount))
	}

	resp, err := svc.Spreadsheets.Values.BatchGet(id).
		Ranges(ranges...).
		MajorDimension("ROWS").
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, nil, classifySheets(src, ws, err)
	}

	var header []string
	if len(resp.ValueRanges) > 0 && len(resp.ValueRanges[0].Values) > 0 {
		header = cellStrings(resp.ValueRanges[0].Values[0])
	}

	rows := []core.RawRow{}
	if len(resp.ValueRanges) > 1 {
		vr := resp.ValueRanges[1]
		grid := make([][]string, len(vr.Values))
		for i, v := range vr.Values {
			grid[i] = cellStrings(v)
		}
		rows = tail(grid, rangeStartRow(vr.Range, fromRow), fromRow)
	}
	return header, rows, nil
}

// worksheet resolves ws to its properties. A stable id wins over the title.
func worksheet(ctx context.Context, svc *sheets.Service, src core.SourceRef, id string, ws core.WorksheetRef) (*sheets.SheetProperties, error) {
	ss, err := svc.Spreadsheets.Get(id).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return nil, classifySheets(src, ws, err)
	}

	for _, sh := range ss.Sheets {
		p := sh.Properties
		if p == nil {
			continue
		}
		if ws.ByID() {
			if p.SheetId == *ws.ID {
				return p, nil
			}
		} else if p.Title == ws.Name {
			return p, nil
		}
	}
	return nil, &core.SourceNotFoundError{Source: src.String(), Worksheet: ws.String()}
}

func quoteTitle(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

var rangeStart = regexp.MustCompile(`^\$?[A-Za-z]*\$?(\d+)`)

// rangeStartRow reads the first row number of an A1 range such as
// 'Todos'!A5:D9, falling back to def. Only the part after the last '!' is
// read since sheet titles may contain one.
func rangeStartRow(a1 string, def int) int {
	m := rangeStart.FindStringSubmatch(a1[strings.LastIndex(a1, "!")+1:])
	if m == nil {
		return def
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return def
	}
	return n
}

func cellStrings(vals []interface{}) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[i] = s
		} else {
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}

// classifySheets maps API failures onto the core source errors.
func classifySheets(src core.SourceRef, ws core.WorksheetRef, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return &core.SourceNotFoundError{Source: src.String(), Worksheet: ws.String(), Err: err}
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return &core.SourceUnavailableError{Source: src.String(), Retryable: false, Err: err}
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return &core.SourceUnavailableError{Source: src.String(), Retryable: true, Err: err}
		default:
			return fmt.Errorf("sheets %s: %w", src, err)
		}
	}

	// Transport failures: DNS, refused connections, resets.
	return &core.SourceUnavailableError{Source: src.String(), Retryable: true, Err: err}
}
