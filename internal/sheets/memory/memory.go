package memory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"flatmates/internal/sheets"
)

// Store keeps every ledger table in memory. It is safe for concurrent use
// but, like the other backends, offers no isolation across calls.
type Store struct {
	mu     sync.Mutex
	tables map[sheets.Table][]sheets.Row
	seed   []string
}

var (
	_ sheets.Store       = (*Store)(nil)
	_ sheets.Initializer = (*Store)(nil)
)

// New returns an empty store. Setup seeds the roster with names, or with
// sheets.DefaultFlatmates when names is empty.
func New(names ...string) *Store {
	return &Store{
		tables: make(map[sheets.Table][]sheets.Row),
		seed:   dedupe(names),
	}
}

// NewFromFiles reads seed_flatmates.txt from base. A missing file falls
// back to the default roster.
func NewFromFiles(base string) *Store {
	return New(readLines(filepath.Join(base, "seed_flatmates.txt"))...)
}

func (s *Store) Setup(ctx context.Context) error {
	return sheets.SeedDefaults(ctx, s, s.seed...)
}

func (s *Store) ReadTable(_ context.Context, t sheets.Table) ([]sheets.Row, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown table %q", t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	width := len(t.Headers())
	out := make([]sheets.Row, 0, len(s.tables[t]))
	for _, r := range s.tables[t] {
		out = append(out, sheets.Normalize(r, width))
	}
	return out, nil
}

func (s *Store) AppendRow(_ context.Context, t sheets.Table, r sheets.Row) error {
	if !t.Valid() {
		return fmt.Errorf("unknown table %q", t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[t] = append(s.tables[t], append(sheets.Row(nil), r...))
	return nil
}

func (s *Store) OverwriteTable(_ context.Context, t sheets.Table, _ []string, rows []sheets.Row) error {
	if !t.Valid() {
		return fmt.Errorf("unknown table %q", t)
	}
	cp := make([]sheets.Row, 0, len(rows))
	for _, r := range rows {
		cp = append(cp, append(sheets.Row(nil), r...))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[t] = cp
	return nil
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
