package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"google.golang.org/api/option"
)

// DirCredentials picks a service account key per spreadsheet from Dir,
// named <spreadsheet id>.json. Spreadsheets without their own key use
// Fallback, or application default credentials when Fallback is empty.
type DirCredentials struct {
	Dir      string
	Fallback string
}

func (d DirCredentials) ClientOptions(ctx context.Context, spreadsheetID string) ([]option.ClientOption, error) {
	if spreadsheetID == "" || filepath.Base(spreadsheetID) != spreadsheetID {
		return nil, fmt.Errorf("invalid spreadsheet id %q", spreadsheetID)
	}

	path := filepath.Join(d.Dir, spreadsheetID+".json")
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return []option.ClientOption{option.WithCredentialsFile(path)}, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("stat %s: %w", path, err)
	case d.Fallback != "":
		return []option.ClientOption{option.WithCredentialsFile(d.Fallback)}, nil
	default:
		return nil, nil
	}
}
