package transcript

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// Chunk is one overlapping window of transcript text.
type Chunk struct {
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	TokenCount int     `json:"token_count"`
}

// Hit pairs a chunk index with its relevance score.
type Hit struct {
	Index int
	Score float64
}

// TokenCounter measures text in model tokens. A nil counter falls back to
// counting words, which keeps chunk budgets proportional either way.
type TokenCounter func(text string) int

// ChunkStore holds a video's chunks with a TF-IDF index over them.
type ChunkStore struct {
	Chunks []Chunk

	idf map[string]float64
	tf  []map[string]float64
}

// contextSearchChunks bounds how many relevance hits Context considers
// before the token budget trims further.
const contextSearchChunks = 10

// ChunkTranscript flattens segments into a word stream with interpolated
// timestamps and cuts overlapping windows of roughly targetTokens words,
// advancing by targetTokens-overlapTokens each time.
func ChunkTranscript(segments []Segment, targetTokens, overlapTokens int, counter TokenCounter) *ChunkStore {
	store := &ChunkStore{}
	if len(segments) == 0 {
		return store
	}
	if targetTokens <= 0 {
		targetTokens = 500
	}
	if overlapTokens < 0 {
		overlapTokens = 0
	}

	type timedWord struct {
		word   string
		start  float64
		segEnd float64
	}
	var words []timedWord
	for _, seg := range segments {
		parts := strings.Fields(seg.Text)
		n := len(parts)
		if n == 0 {
			continue
		}
		duration := seg.End - seg.Start
		for i, w := range parts {
			t := seg.Start + (float64(i)/float64(n))*duration
			words = append(words, timedWord{word: w, start: t, segEnd: seg.End})
		}
	}

	step := targetTokens - overlapTokens
	if step < 1 {
		step = 1
	}
	for idx := 0; idx < len(words); idx += step {
		end := idx + targetTokens
		if end > len(words) {
			end = len(words)
		}
		window := words[idx:end]
		parts := make([]string, len(window))
		for i, tw := range window {
			parts[i] = tw.word
		}
		text := strings.Join(parts, " ")
		count := len(window)
		if counter != nil {
			count = counter(text)
		}
		store.Chunks = append(store.Chunks, Chunk{
			Index:      len(store.Chunks),
			Text:       text,
			Start:      window[0].start,
			End:        window[len(window)-1].segEnd,
			TokenCount: count,
		})
	}
	store.buildIndex()
	return store
}

// buildIndex computes term frequencies per chunk and smoothed inverse
// document frequencies across chunks.
func (s *ChunkStore) buildIndex() {
	docCount := len(s.Chunks)
	if docCount == 0 {
		return
	}
	df := make(map[string]int)
	s.tf = make([]map[string]float64, 0, docCount)
	for _, chunk := range s.Chunks {
		tokens := tokenize(chunk.Text)
		counts := make(map[string]int, len(tokens))
		for _, t := range tokens {
			counts[t]++
		}
		total := len(tokens)
		if total == 0 {
			total = 1
		}
		tf := make(map[string]float64, len(counts))
		for t, c := range counts {
			tf[t] = float64(c) / float64(total)
			df[t]++
		}
		s.tf = append(s.tf, tf)
	}
	s.idf = make(map[string]float64, len(df))
	for t, freq := range df {
		s.idf[t] = math.Log(float64(docCount+1)/float64(freq+1)) + 1
	}
}

// Search scores every chunk against the query and returns the topK hits in
// descending relevance order. With no usable query tokens or no index it
// falls back to the first topK chunks at score zero.
func (s *ChunkStore) Search(query string, topK int) []Hit {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 || len(s.tf) == 0 {
		n := topK
		if n > len(s.Chunks) {
			n = len(s.Chunks)
		}
		hits := make([]Hit, n)
		for i := range hits {
			hits[i] = Hit{Index: i}
		}
		return hits
	}
	hits := make([]Hit, len(s.tf))
	for i, tf := range s.tf {
		var score float64
		for _, t := range queryTokens {
			score += tf[t] * s.idf[t]
		}
		hits[i] = Hit{Index: i, Score: score}
	}
	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Score > hits[b].Score
	})
	if topK < len(hits) {
		hits = hits[:topK]
	}
	return hits
}

// Context retrieves the most relevant chunks for the query and renders them
// chronologically with [MM:SS] prefixes, stopping at the token budget.
func (s *ChunkStore) Context(query string, maxTokens int) string {
	hits := s.Search(query, contextSearchChunks)
	indices := make([]int, len(hits))
	for i, h := range hits {
		indices[i] = h.Index
	}
	sort.Ints(indices)

	var lines []string
	total := 0
	for _, idx := range indices {
		if idx < 0 || idx >= len(s.Chunks) {
			continue
		}
		chunk := s.Chunks[idx]
		if total+chunk.TokenCount > maxTokens {
			break
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", fmtTime(chunk.Start), chunk.Text))
		total += chunk.TokenCount
	}
	return strings.Join(lines, "\n")
}

var wordRE = regexp.MustCompile(`[a-z0-9]+`)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "have": true,
	"has": true, "had": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true,
	"might": true, "shall": true, "can": true, "to": true, "of": true,
	"in": true, "for": true, "on": true, "with": true, "at": true,
	"by": true, "from": true, "as": true, "into": true, "about": true,
	"between": true, "through": true, "during": true, "before": true,
	"after": true, "and": true, "but": true, "or": true, "nor": true,
	"not": true, "so": true, "yet": true, "both": true, "either": true,
	"neither": true, "each": true, "every": true, "all": true, "any": true,
	"few": true, "more": true, "most": true, "other": true, "some": true,
	"such": true, "no": true, "only": true, "own": true, "same": true,
	"than": true, "too": true, "very": true, "just": true, "because": true,
	"if": true, "when": true, "where": true, "how": true, "what": true,
	"which": true, "who": true, "whom": true, "this": true, "that": true,
	"these": true, "those": true, "i": true, "me": true, "my": true,
	"we": true, "our": true, "you": true, "your": true, "he": true,
	"him": true, "his": true, "she": true, "her": true, "it": true,
	"its": true, "they": true, "them": true, "their": true,
}

func tokenize(text string) []string {
	words := wordRE.FindAllString(strings.ToLower(text), -1)
	out := words[:0]
	for _, w := range words {
		if len(w) > 1 && !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

func fmtTime(seconds float64) string {
	m := int(seconds) / 60
	s := int(seconds) % 60
	return fmt.Sprintf("%02d:%02d", m, s)
}
