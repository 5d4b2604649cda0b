package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/octscan/internal/monitoring"
	"github.com/banshee-data/octscan/internal/scan"
)

// Extension is the file extension of scan archives.
const Extension = ".oct"

// Store keeps scan archives in one directory.
type Store struct {
	dir string
}

// NewStore creates dir if needed and returns a store rooted there.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrIO, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory archives are written to.
func (s *Store) Dir() string { return s.dir }

// FileName returns the archive name for rec:
// scan_YYYY-MM-DD_HH-MM-SS_<first 8 characters of the ID>.oct
func FileName(rec *Record) string {
	id := rec.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "scan_" + rec.StartedAt.Format("2006-01-02_15-04-05") + "_" + id + Extension
}

// Persist saves rec under its FileName and returns the path written.
func (s *Store) Persist(ctx context.Context, rec *Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", scan.ErrIO, err)
	}
	path := filepath.Join(s.dir, FileName(rec))
	if err := Save(rec, path); err != nil {
		monitoring.Logf("[archive] failed to save scan %s: %v", rec.ID, err)
		return "", err
	}
	monitoring.Logf("[archive] saved %s scan %s (%d/%d steps) to %s", rec.Status, rec.ID, rec.Steps(), rec.Capacity, path)
	return path, nil
}

// List returns the archive paths in the store, oldest first.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrIO, err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "scan_") || filepath.Ext(name) != Extension {
			continue
		}
		out = append(out, filepath.Join(s.dir, name))
	}
	sort.Strings(out)
	return out, nil
}
