package scanner

import (
	"log/slog"

	"github.com/shelfkeeper/shelfkeeper/internal/domain"
)

// Differ classifies a filesystem snapshot against a catalog snapshot.
type Differ struct {
	logger *slog.Logger
}

// NewDiffer creates a differ.
func NewDiffer(logger *slog.Logger) *Differ {
	return &Differ{logger: logger}
}

// ComputeDiff classifies each on-disk file as added, updated, or unchanged
// and each cataloged book without an on-disk file as removed. Paths match
// byte-for-byte; a strictly newer modification time marks a file updated.
func (d *Differ) ComputeDiff(files []fileEntry, existing []*domain.Book) *scanDiff {
	diff := &scanDiff{}

	existingByPath := make(map[string]*domain.Book, len(existing))
	for _, book := range existing {
		existingByPath[book.Path] = book
	}

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f.Path] = true

		book, ok := existingByPath[f.Path]
		if !ok {
			diff.added = append(diff.added, f)
			continue
		}
		if f.ModTime.After(book.FileModTime) {
			diff.updated = append(diff.updated, f)
			continue
		}
		diff.unchanged++
	}

	for _, book := range existing {
		if !seen[book.Path] {
			diff.removed = append(diff.removed, book)
		}
	}

	d.logger.Debug("scan diff computed",
		"added", len(diff.added),
		"updated", len(diff.updated),
		"removed", len(diff.removed),
		"unchanged", diff.unchanged,
	)
	return diff
}
