package transcript

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// VTT cue times may omit the hour field; SRT times always carry it.
	vttTimeRE = regexp.MustCompile(`(?:(\d+):)?(\d+):(\d+)[.,](\d+)\s*-->\s*(?:(\d+):)?(\d+):(\d+)[.,](\d+)`)
	srtTimeRE = regexp.MustCompile(`(\d+):(\d+):(\d+)[.,](\d+)\s*-->\s*(\d+):(\d+):(\d+)[.,](\d+)`)

	// Block strippers consume the trailing blank line since RE2 has no lookahead.
	vttHeaderRE = regexp.MustCompile(`(?s)\AWEBVTT.*?(?:\n\n|\z)`)
	vttMetaRE   = regexp.MustCompile(`(?ms)^(?:NOTE|STYLE)\b.*?(?:\n\n|\z)`)

	cueTagRE   = regexp.MustCompile(`<[^>]+>`)
	blockSplit = regexp.MustCompile(`\n\s*\n`)
)

// ParseVTT extracts cues from WebVTT subtitle content.
func ParseVTT(content string) ([]Segment, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = vttHeaderRE.ReplaceAllString(content, "")
	content = vttMetaRE.ReplaceAllString(content, "")
	segments := parseBlocks(content, vttTimeRE)
	if len(segments) == 0 {
		return nil, fmt.Errorf("no cues found in WebVTT content")
	}
	return segments, nil
}

// ParseSRT extracts cues from SubRip subtitle content.
func ParseSRT(content string) ([]Segment, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	segments := parseBlocks(content, srtTimeRE)
	if len(segments) == 0 {
		return nil, fmt.Errorf("no cues found in SRT content")
	}
	return segments, nil
}

// parseBlocks walks blank-line separated cue blocks. Each block contains an
// optional index line, a timestamp line, and one or more text lines.
func parseBlocks(content string, timeRE *regexp.Regexp) []Segment {
	var segments []Segment
	for _, block := range blockSplit.Split(content, -1) {
		lines := strings.Split(block, "\n")
		cueAt := -1
		var m []string
		for i, line := range lines {
			if m = timeRE.FindStringSubmatch(line); m != nil {
				cueAt = i
				break
			}
		}
		if cueAt < 0 {
			continue
		}
		var texts []string
		for _, line := range lines[cueAt+1:] {
			line = strings.TrimSpace(cueTagRE.ReplaceAllString(line, ""))
			if line != "" {
				texts = append(texts, line)
			}
		}
		text := strings.Join(texts, " ")
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Start: tsToSeconds(m[1], m[2], m[3], m[4]),
			End:   tsToSeconds(m[5], m[6], m[7], m[8]),
			Text:  text,
		})
	}
	return segments
}

// tsToSeconds converts captured h/m/s/ms fields. The hour group may be empty
// and the millisecond field is normalized to exactly three digits.
func tsToSeconds(h, m, s, ms string) float64 {
	hours := 0
	if h != "" {
		hours, _ = strconv.Atoi(h)
	}
	mins, _ := strconv.Atoi(m)
	secs, _ := strconv.Atoi(s)
	for len(ms) < 3 {
		ms += "0"
	}
	millis, _ := strconv.Atoi(ms[:3])
	return float64(hours*3600+mins*60+secs) + float64(millis)/1000
}
