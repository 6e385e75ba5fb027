package sheets

import (
	"context"
	"fmt"
)

// DefaultFlatmates seeds an empty roster.
var DefaultFlatmates = []string{"You", "Flatmate 1", "Flatmate 2"}

// SeedDefaults appends names to the flatmates table when it has no rows.
// With no names given, DefaultFlatmates is used.
func SeedDefaults(ctx context.Context, s interface {
	TableReader
	RowAppender
}, names ...string) error {
	rows, err := s.ReadTable(ctx, Flatmates)
	if err != nil {
		return fmt.Errorf("read flatmates: %w", err)
	}
	if len(DecodeFlatmates(rows)) > 0 {
		return nil
	}
	if len(names) == 0 {
		names = DefaultFlatmates
	}
	for _, n := range names {
		if err := s.AppendRow(ctx, Flatmates, Row{n}); err != nil {
			return fmt.Errorf("seed flatmate %q: %w", n, err)
		}
	}
	return nil
}
