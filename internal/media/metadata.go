// Package media extracts metadata and chapter tables from audio files.
package media

// Metadata holds the fields read from a single audio file. All of them are
// best-effort: an unreadable file still yields usable Metadata via the
// filename fallback.
type Metadata struct {
	Title    string
	Author   string
	Genre    string
	Year     int
	Duration float64 // seconds; 0 when the container carries no duration
	Chapters []Chapter

	// Degraded marks a read where tags or boxes could not be parsed and the
	// fields fell back to filename-derived values.
	Degraded bool
}

// Chapter is one entry of an embedded chapter table.
type Chapter struct {
	Title string
	Start float64 // seconds from the beginning of the book
}

// Extractor reads metadata and chapter tables from audio files on disk.
// Both calls are read-only and safe to run concurrently across distinct
// files.
type Extractor interface {
	Extract(path string) Metadata
	ExtractChapters(path string) []Chapter
}
