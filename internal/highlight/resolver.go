// Package highlight turns raw evidence spans into non-overlapping text
// segments a renderer can display without re-deriving offsets.
package highlight

import (
	"sort"

	"github.com/evalcoach/evalcoach-api/internal/models"
)

// Segment is one contiguous slice of the source text, either plain or
// carrying the evidence that justifies highlighting it.
type Segment struct {
	Text        string               `json:"text"`
	Highlighted bool                 `json:"highlighted"`
	Evidence    *models.EvidenceItem `json:"evidence,omitempty"`
}

// Resolve converts evidence items into an ordered segment sequence covering
// the source text exactly once. Items that are unverified or whose offsets
// are not trustworthy never produce highlights. Overlapping items resolve
// first-wins: the earliest-starting surviving item keeps its span, later
// overlapping items are dropped whole rather than trimmed. Ties on start
// keep input order (the sort is stable), so identical input always yields
// the identical segment sequence.
func Resolve(text string, items []models.EvidenceItem) []Segment {
	renderable := make([]models.EvidenceItem, 0, len(items))
	for _, item := range items {
		if !item.Verified || !item.HighlightAvailable {
			continue
		}
		renderable = append(renderable, clamp(item, len(text)))
	}

	sort.SliceStable(renderable, func(i, j int) bool {
		return renderable[i].Start < renderable[j].Start
	})

	segments := make([]Segment, 0, 2*len(renderable)+1)
	lastEnd := 0
	for _, item := range renderable {
		if item.Start < lastEnd {
			continue
		}
		if item.Start > lastEnd {
			segments = append(segments, Segment{Text: text[lastEnd:item.Start]})
		}
		evidence := item
		segments = append(segments, Segment{
			Text:        text[item.Start:item.End],
			Highlighted: true,
			Evidence:    &evidence,
		})
		lastEnd = item.End
	}

	if lastEnd < len(text) {
		segments = append(segments, Segment{Text: text[lastEnd:]})
	}

	if len(segments) == 0 {
		segments = append(segments, Segment{Text: text})
	}

	return segments
}

func clamp(item models.EvidenceItem, limit int) models.EvidenceItem {
	if item.Start < 0 {
		item.Start = 0
	}
	if item.Start > limit {
		item.Start = limit
	}
	if item.End < item.Start {
		item.End = item.Start
	}
	if item.End > limit {
		item.End = limit
	}
	return item
}
