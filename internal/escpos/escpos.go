// Package escpos builds the raw ESC/POS sequences sent to receipt printers
// after a job: paper cut and buzzer.
package escpos

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	esc = 0x1B
	gs  = 0x1D
)

type CutMode string

const (
	CutFull    CutMode = "full"
	CutPartial CutMode = "partial"
)

// ParseCutMode maps a config string to a CutMode. Anything but "full" is partial.
func ParseCutMode(s string) CutMode {
	if s == string(CutFull) {
		return CutFull
	}
	return CutPartial
}

const (
	fullTrailingFeed    = 2
	partialTrailingFeed = 5
	maxFeed             = 255
)

// Feed returns ESC d n.
func Feed(lines int) []byte {
	return []byte{esc, 'd', clamp(lines, 0, maxFeed)}
}

// Cut returns the sequence for mode: feed, GS V m, and a trailing feed so the
// paper can be torn. The full cut also carries ESC i for printers that ignore GS V.
func Cut(mode CutMode, feedLines int) []byte {
	var b []byte
	b = append(b, Feed(feedLines)...)
	switch mode {
	case CutFull:
		b = append(b, gs, 'V', 0x00)
		b = append(b, esc, 'i')
		b = append(b, Feed(fullTrailingFeed)...)
	default:
		b = append(b, gs, 'V', 0x01)
		b = append(b, Feed(partialTrailingFeed)...)
	}
	return b
}

// Beep returns ESC B n t: sound the buzzer count times, each for duration x 100ms.
// Both values are clamped to the 1..9 range printers accept.
func Beep(count, duration int) []byte {
	return []byte{esc, 'B', clamp(count, 1, 9), clamp(duration, 1, 9)}
}

func clamp(v, lo, hi int) byte {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return byte(v)
}

// CutFiles are the file names written by WriteCutFiles.
const (
	CutFileName        = "cut.bin"
	CutPartialFileName = "cut-partial.bin"
)

// WriteCutFiles writes cut.bin (full cut) and cut-partial.bin into dir and returns their paths.
func WriteCutFiles(dir string, feedLines int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	files := []struct {
		name string
		data []byte
	}{
		{CutFileName, Cut(CutFull, feedLines)},
		{CutPartialFileName, Cut(CutPartial, feedLines)},
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		p := filepath.Join(dir, f.name)
		if err := os.WriteFile(p, f.data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", p, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}
