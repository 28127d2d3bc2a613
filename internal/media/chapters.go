package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	gomp4 "github.com/abema/go-mp4"
)

var (
	boxTypeMoov = gomp4.BoxTypeMoov()
	boxTypeMvhd = gomp4.BoxTypeMvhd()
	boxTypeUdta = gomp4.BoxTypeUdta()
	boxTypeChpl = gomp4.StrToBoxType("chpl") // chpl - Nero chapter list
)

// readMP4Info walks the box structure of an MP4-family file and returns the
// movie duration in seconds plus the embedded Nero chapter table, if any.
func readMP4Info(path string) (float64, []Chapter, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	var (
		timescale uint32
		units     uint64
		chplData  []byte
	)

	_, err = gomp4.ReadBoxStructure(f, func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type {
		case boxTypeMoov, boxTypeUdta:
			return h.Expand()
		case boxTypeMvhd:
			payload, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if mvhd, ok := payload.(*gomp4.Mvhd); ok {
				timescale = mvhd.Timescale
				if mvhd.Version == 0 {
					units = uint64(mvhd.DurationV0)
				} else {
					units = mvhd.DurationV1
				}
			}
			return nil, nil
		case boxTypeChpl:
			var buf bytes.Buffer
			if _, err := h.ReadData(&buf); err != nil {
				return nil, err
			}
			chplData = buf.Bytes()
			return nil, nil
		default:
			return nil, nil
		}
	})
	if err != nil {
		return 0, nil, fmt.Errorf("read box structure: %w", err)
	}

	var duration float64
	if timescale > 0 {
		duration = float64(units) / float64(timescale)
	}

	chapters := parseChpl(chplData)
	if !strictlyIncreasing(chapters) {
		// A malformed table is worse than none.
		chapters = nil
	}
	return duration, chapters, nil
}

// parseChpl decodes a Nero chpl box payload.
//
// Layout: [1 byte version][3 bytes flags], then for version 0 a 4-byte
// reserved field and 4-byte count, for version 1 a 1-byte reserved field and
// 1-byte count. Each entry is [8 bytes timestamp][1 byte title length][title].
// Timestamps are in 100-nanosecond units.
func parseChpl(data []byte) []Chapter {
	if len(data) < 8 {
		return nil
	}

	version := data[0]
	offset := 4

	var count int
	if version == 0 {
		offset += 4
		if len(data) < offset+4 {
			return nil
		}
		count = int(binary.BigEndian.Uint32(data[offset:]))
		offset += 4
	} else {
		offset++
		if len(data) < offset+1 {
			return nil
		}
		count = int(data[offset])
		offset++
	}

	var chapters []Chapter
	for i := 0; i < count && offset+9 <= len(data); i++ {
		ts := binary.BigEndian.Uint64(data[offset:])
		titleLen := int(data[offset+8])
		offset += 9
		if offset+titleLen > len(data) {
			break
		}
		title := string(data[offset : offset+titleLen])
		offset += titleLen

		chapters = append(chapters, Chapter{
			Title: title,
			Start: float64(ts) / 1e7, // 100ns units to seconds
		})
	}
	return chapters
}

func strictlyIncreasing(chapters []Chapter) bool {
	for i := 1; i < len(chapters); i++ {
		if chapters[i].Start <= chapters[i-1].Start {
			return false
		}
	}
	return true
}
