// Package domain contains the core entities of the Shelfkeeper audiobook library.
package domain

import "time"

// Book represents one cataloged audio file.
//
// Path is the reconciliation key: at any instant at most one live Book exists
// for a given absolute path. Metadata fields are owned by the scanner;
// progress fields (PlaybackPosition, LastPlayedAt, IsCompleted) are owned by
// the playback session during play and by explicit reset/complete/import
// operations. The scanner never writes them.
type Book struct {
	Record
	Path        string    `json:"path"`
	Title       string    `json:"title"`
	Author      string    `json:"author,omitempty"`
	Genre       string    `json:"genre,omitempty"`
	Year        int       `json:"year,omitempty"`
	Duration    float64   `json:"duration"` // seconds; 0 when unknown
	FileModTime time.Time `json:"file_mod_time"`
	HasChapters bool      `json:"has_chapters"`

	PlaybackPosition float64    `json:"playback_position"` // seconds
	LastPlayedAt     *time.Time `json:"last_played_at,omitempty"`
	IsCompleted      bool       `json:"is_completed"`
}

// Bookmark is a user-authored marker inside a book. It belongs to exactly one
// Book and has no lifecycle of its own: deleting the Book deletes it.
type Bookmark struct {
	Record
	BookID    string  `json:"book_id"`
	Timestamp float64 `json:"timestamp"` // seconds into the book
	Name      string  `json:"name"`
	Note      string  `json:"note,omitempty"`
}

// ApplyMetadata copies scanner-owned fields from src onto b, leaving identity
// and progress untouched.
func (b *Book) ApplyMetadata(src *Book) {
	b.Path = src.Path
	b.Title = src.Title
	b.Author = src.Author
	b.Genre = src.Genre
	b.Year = src.Year
	b.Duration = src.Duration
	b.FileModTime = src.FileModTime
	b.HasChapters = src.HasChapters
	b.Touch()
}

// RecordPosition sets the resume point and stamps LastPlayedAt.
// Positions are clamped to [0, Duration] when the duration is known.
func (b *Book) RecordPosition(seconds float64, at time.Time) {
	if seconds < 0 {
		seconds = 0
	}
	if b.Duration > 0 && seconds > b.Duration {
		seconds = b.Duration
	}
	b.PlaybackPosition = seconds
	b.LastPlayedAt = &at
	b.Touch()
}

// MarkCompleted flags the book finished. Completion and active progress are
// mutually exclusive, so the resume point goes back to zero.
func (b *Book) MarkCompleted() {
	b.IsCompleted = true
	b.PlaybackPosition = 0
	b.Touch()
}

// ResetProgress returns the book to a never-played state.
func (b *Book) ResetProgress() {
	b.PlaybackPosition = 0
	b.LastPlayedAt = nil
	b.IsCompleted = false
	b.Touch()
}
