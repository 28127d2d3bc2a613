package scanner

import (
	"fmt"
	"time"

	"github.com/shelfkeeper/shelfkeeper/internal/domain"
)

// audioExtensions classifies the file types the catalog tracks.
var audioExtensions = map[string]bool{
	".mp3": true,
	".m4a": true,
	".m4b": true,
}

// ScanResult is the outcome of one reconciliation pass.
type ScanResult struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Added       int
	Updated     int
	Removed     int
	Unchanged   int

	// Errors counts files whose metadata degraded to the filename fallback.
	// They still catalog; the count flags books worth re-tagging.
	Errors int

	AddedPaths   []string
	UpdatedPaths []string
	RemovedPaths []string
}

// Summary renders the one-line human-readable outcome.
func (r *ScanResult) Summary() string {
	return fmt.Sprintf("%d added, %d updated, %d removed", r.Added, r.Updated, r.Removed)
}

// fileEntry is one audio file as seen in a single filesystem snapshot.
type fileEntry struct {
	Path    string
	ModTime time.Time
}

// scanDiff classifies a filesystem snapshot against a catalog snapshot.
type scanDiff struct {
	added     []fileEntry
	updated   []fileEntry
	removed   []*domain.Book
	unchanged int
}
