package media

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dhowden/tag"
)

// FileExtractor reads tags with dhowden/tag and, for MP4-family containers,
// duration and chapters from the box structure. Extraction never fails: any
// unreadable layer degrades to the filename fallback.
type FileExtractor struct {
	logger *slog.Logger
}

// NewFileExtractor creates an extractor. A nil logger discards.
func NewFileExtractor(logger *slog.Logger) *FileExtractor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileExtractor{logger: logger}
}

// Extract reads metadata for the audio file at path.
func (e *FileExtractor) Extract(path string) Metadata {
	meta := e.extractTags(path)

	if isMP4Container(path) {
		duration, chapters, err := readMP4Info(path)
		if err != nil {
			e.logger.Debug("mp4 box read failed", "path", path, "error", err)
			meta.Degraded = true
		} else {
			meta.Duration = duration
			meta.Chapters = chapters
		}
	}

	if meta.Title == "" {
		meta.Title = titleFromFilename(path)
	}
	return meta
}

// ExtractChapters reads just the embedded chapter table. Books without one,
// or in containers that carry none, yield nil.
func (e *FileExtractor) ExtractChapters(path string) []Chapter {
	if !isMP4Container(path) {
		return nil
	}
	_, chapters, err := readMP4Info(path)
	if err != nil {
		e.logger.Debug("mp4 box read failed", "path", path, "error", err)
		return nil
	}
	return chapters
}

func (e *FileExtractor) extractTags(path string) Metadata {
	var meta Metadata

	f, err := os.Open(path)
	if err != nil {
		e.logger.Debug("open for tag read failed", "path", path, "error", err)
		meta.Degraded = true
		return meta
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		// Untagged or unparseable; the filename fallback fills the title.
		e.logger.Debug("tag read failed", "path", path, "error", err)
		meta.Degraded = true
		return meta
	}

	meta.Title = strings.TrimSpace(m.Title())
	meta.Author = strings.TrimSpace(m.Artist())
	meta.Genre = strings.TrimSpace(m.Genre())
	meta.Year = m.Year()
	return meta
}

func isMP4Container(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m4b", ".m4a":
		return true
	}
	return false
}

// titleFromFilename derives a display title from the file name when no tag
// carries one. Strips the extension and any leading track number.
func titleFromFilename(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))

	parts := strings.SplitN(name, " ", 2)
	if len(parts) == 2 {
		if _, err := strconv.Atoi(strings.TrimSuffix(parts[0], ".")); err == nil {
			name = parts[1]
		}
	}
	return strings.TrimSpace(name)
}
