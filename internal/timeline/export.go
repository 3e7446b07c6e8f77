package timeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/MrWong99/captionist/pkg/types"
)

// Track selects which text of a unit is rendered into subtitles.
type Track string

const (
	// TrackOriginal renders the recognised text.
	TrackOriginal Track = "original"

	// TrackTranslated renders the translation, falling back to the original
	// text for units without one.
	TrackTranslated Track = "translated"
)

// DefaultPointDuration is the cue length (in seconds) given to point-in-time
// units that have no end of their own and no later unit to run up to.
const DefaultPointDuration = 2.0

// VTTOptions configures [WriteVTT].
type VTTOptions struct {
	// Track selects original or translated text. Empty means TrackOriginal.
	Track Track

	// PointDuration overrides [DefaultPointDuration] when positive.
	PointDuration float64
}

// WriteVTT renders units as a WebVTT document. Units are expected in
// timestamp order. Units without an end run until the next later timestamp,
// capped at the point duration. Units with empty text are skipped.
func WriteVTT(w io.Writer, units []types.DisplayUnit, opts VTTOptions) error {
	pointDur := opts.PointDuration
	if pointDur <= 0 {
		pointDur = DefaultPointDuration
	}

	bw := bufio.NewWriter(w)
	bw.WriteString("WEBVTT\n\n")

	cue := 0
	for i, u := range units {
		text := u.OriginalText
		if opts.Track == TrackTranslated {
			text = u.DisplayText()
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		end := u.End
		if !u.HasEnd {
			end = u.Start + pointDur
			for _, next := range units[i+1:] {
				if next.Start > u.Start {
					end = math.Min(end, next.Start)
					break
				}
			}
		}
		if end < u.Start {
			end = u.Start
		}

		cue++
		fmt.Fprintf(bw, "%d\n%s --> %s", cue, formatTimestamp(u.Start), formatTimestamp(end))
		if u.Position != nil {
			fmt.Fprintf(bw, " position:%d%% line:%d%%",
				int(math.Round(u.Position.X*100)), int(math.Round(u.Position.Y*100)))
		}
		bw.WriteString("\n")
		bw.WriteString(text)
		bw.WriteString("\n\n")
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("timeline: write vtt: %w", err)
	}
	return nil
}

// formatTimestamp renders seconds as HH:MM:SS.mmm.
func formatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int64(math.Round(seconds * 1000))
	h := totalMs / 3600000
	totalMs %= 3600000
	m := totalMs / 60000
	totalMs %= 60000
	s := totalMs / 1000
	ms := totalMs % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// WriteJSON encodes units as a JSON array in the fixture shape of
// [types.DisplayUnit].
func WriteJSON(w io.Writer, units []types.DisplayUnit) error {
	if units == nil {
		units = []types.DisplayUnit{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(units); err != nil {
		return fmt.Errorf("timeline: write json: %w", err)
	}
	return nil
}

// ReadJSON decodes a JSON array of units written by [WriteJSON].
func ReadJSON(r io.Reader) ([]types.DisplayUnit, error) {
	var units []types.DisplayUnit
	if err := json.NewDecoder(r).Decode(&units); err != nil {
		return nil, fmt.Errorf("timeline: read json: %w", err)
	}
	return units, nil
}

// Load returns a new Store holding units, which are sorted by the store's
// append rules.
func Load(units []types.DisplayUnit, opts ...Option) *Store {
	s := New(opts...)
	s.Append(units...)
	return s
}
