package types

import (
	"encoding/json"
	"fmt"
)

// DisplayUnit is the unit of text stored for playback-time lookup. It is
// created from a [Phrase] (or directly from one spatial detection) and is
// mutated at most once afterwards, to attach its translation.
type DisplayUnit struct {
	// ID is an opaque, session-unique identifier.
	ID string

	// OriginalText is the recognised text. Two units are textually identical
	// for deduplication purposes iff their OriginalText values are byte-equal.
	OriginalText string

	// TranslatedText is nil until a translation has been attached.
	TranslatedText *string

	// Start is the unit's timestamp in seconds. The timeline is ordered by it.
	Start float64

	// End is the end of the unit's span in seconds. Only meaningful when
	// HasEnd is true; point-in-time units (per-frame detections) leave it unset.
	End    float64
	HasEnd bool

	// Position is the normalised on-screen location for optical detections.
	Position *Rect

	// Confidence is the recognition confidence (0.0–1.0).
	Confidence float64
}

// Timestamp returns the value the timeline is sorted and queried by.
func (u DisplayUnit) Timestamp() float64 { return u.Start }

// Translated reports whether a translation has been attached.
func (u DisplayUnit) Translated() bool { return u.TranslatedText != nil }

// DisplayText returns the translated text when present and the original text
// otherwise. Untranslated units fall back to their original text on screen.
func (u DisplayUnit) DisplayText() string {
	if u.TranslatedText != nil {
		return *u.TranslatedText
	}
	return u.OriginalText
}

// Clone returns a deep copy of u so that callers outside the timeline can
// never alias the store's pointers.
func (u DisplayUnit) Clone() DisplayUnit {
	c := u
	if u.TranslatedText != nil {
		t := *u.TranslatedText
		c.TranslatedText = &t
	}
	if u.Position != nil {
		p := *u.Position
		c.Position = &p
	}
	return c
}

// UnitFromPhrase builds a DisplayUnit carrying p's text, span, position and
// confidence under the given id.
func UnitFromPhrase(id string, p Phrase) DisplayUnit {
	u := DisplayUnit{
		ID:           id,
		OriginalText: p.Text,
		Start:        p.StartTime,
		End:          p.EndTime,
		HasEnd:       p.Position == nil,
		Confidence:   p.Confidence,
	}
	if p.Position != nil {
		pos := *p.Position
		u.Position = &pos
	}
	return u
}

// ---- fixture serialisation ----

// unitJSON is the fixture shape of a DisplayUnit.
type unitJSON struct {
	ID             string   `json:"id"`
	OriginalText   string   `json:"originalText"`
	TranslatedText *string  `json:"translatedText,omitempty"`
	TimeStart      float64  `json:"timeStart"`
	TimeEnd        *float64 `json:"timeEnd,omitempty"`
	Position       *Rect    `json:"position,omitempty"`
	Confidence     float64  `json:"confidence"`
}

// MarshalJSON encodes u as
// {id, originalText, translatedText?, timeStart, timeEnd?, position?, confidence}.
func (u DisplayUnit) MarshalJSON() ([]byte, error) {
	j := unitJSON{
		ID:             u.ID,
		OriginalText:   u.OriginalText,
		TranslatedText: u.TranslatedText,
		TimeStart:      u.Start,
		Position:       u.Position,
		Confidence:     u.Confidence,
	}
	if u.HasEnd {
		end := u.End
		j.TimeEnd = &end
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes the fixture shape produced by [DisplayUnit.MarshalJSON].
func (u *DisplayUnit) UnmarshalJSON(data []byte) error {
	var j unitJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("types: decode display unit: %w", err)
	}
	if j.TimeEnd != nil && *j.TimeEnd < j.TimeStart {
		return fmt.Errorf("types: display unit %q: timeEnd %.3f before timeStart %.3f", j.ID, *j.TimeEnd, j.TimeStart)
	}
	*u = DisplayUnit{
		ID:             j.ID,
		OriginalText:   j.OriginalText,
		TranslatedText: j.TranslatedText,
		Start:          j.TimeStart,
		Position:       j.Position,
		Confidence:     j.Confidence,
	}
	if j.TimeEnd != nil {
		u.End = *j.TimeEnd
		u.HasEnd = true
	}
	return nil
}
