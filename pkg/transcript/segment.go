// Package transcript turns subtitle files into searchable transcript text.
// It parses WebVTT and SRT cues, collapses rolling-caption artifacts, keeps
// fetched videos in a bounded store, and offers TF-IDF chunk retrieval for
// building token-budgeted context windows.
package transcript

import "strings"

// Segment is one caption cue with start and end offsets in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Video is a fetched transcript plus the metadata the API reports.
type Video struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Duration     float64 `json:"duration"`
	Channel      string  `json:"channel"`
	URL          string  `json:"url"`
	SegmentCount int     `json:"segment_count"`
	FullText     string  `json:"-"`

	// Chunks is the TF-IDF retrieval index built at ingest, used when the
	// combined context exceeds the configured budget. Evicted with the
	// video.
	Chunks *ChunkStore `json:"-"`
}

// Dedupe collapses auto-caption artifacts: identical consecutive cues extend
// the previous time range, cues already contained in the previous text are
// dropped, and progressive reveals replace the previous cue.
func Dedupe(segments []Segment) []Segment {
	if len(segments) == 0 {
		return segments
	}
	out := make([]Segment, 1, len(segments))
	out[0] = segments[0]
	for _, seg := range segments[1:] {
		prev := &out[len(out)-1]
		if seg.Text == prev.Text {
			if seg.End > prev.End {
				prev.End = seg.End
			}
			continue
		}
		if strings.Contains(prev.Text, seg.Text) {
			continue
		}
		if strings.Contains(seg.Text, prev.Text) {
			prev.Text = seg.Text
			prev.End = seg.End
			continue
		}
		out = append(out, seg)
	}
	return out
}

// JoinText flattens segments into the transcript body handed to searches.
func JoinText(segments []Segment) string {
	parts := make([]string, len(segments))
	for i, seg := range segments {
		parts[i] = seg.Text
	}
	return strings.Join(parts, " ")
}
