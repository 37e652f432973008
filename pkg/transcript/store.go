package transcript

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Store keeps fetched videos in a bounded LRU cache keyed by video ID.
// Older transcripts fall out once the session accumulates more videos
// than the configured capacity.
type Store struct {
	cache *lru.Cache[string, *Video]
}

// NewStore creates a store holding at most size videos.
func NewStore(size int) (*Store, error) {
	cache, err := lru.New[string, *Video](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript cache: %w", err)
	}
	return &Store{cache: cache}, nil
}

// Add inserts or refreshes a video.
func (s *Store) Add(v *Video) {
	s.cache.Add(v.ID, v)
}

// Get returns the video with the given ID.
func (s *Store) Get(id string) (*Video, bool) {
	return s.cache.Get(id)
}

// All returns stored videos from least to most recently used.
func (s *Store) All() []*Video {
	keys := s.cache.Keys()
	videos := make([]*Video, 0, len(keys))
	for _, key := range keys {
		if v, ok := s.cache.Peek(key); ok {
			videos = append(videos, v)
		}
	}
	return videos
}

// Len reports how many videos are stored.
func (s *Store) Len() int {
	return s.cache.Len()
}

// BuildContext assembles the transcript block handed to the reasoning loop.
// With no IDs it includes every stored video; unknown IDs are skipped.
func (s *Store) BuildContext(ids []string) string {
	videos := s.selection(ids)
	blocks := make([]string, 0, len(videos))
	for _, v := range videos {
		blocks = append(blocks, fmt.Sprintf("=== %s ===\n%s", v.Title, v.FullText))
	}
	return strings.Join(blocks, "\n\n")
}

// RetrievedContext assembles a query-focused context from the selected
// videos' chunk indexes, splitting the token budget evenly across them.
// Videos without an index contribute nothing; an all-empty result signals
// the caller to fall back to the full text.
func (s *Store) RetrievedContext(ids []string, query string, maxTokens int) string {
	videos := s.selection(ids)
	if len(videos) == 0 {
		return ""
	}
	perVideo := maxTokens / len(videos)
	blocks := make([]string, 0, len(videos))
	for _, v := range videos {
		if v.Chunks == nil {
			continue
		}
		text := v.Chunks.Context(query, perVideo)
		if text == "" {
			continue
		}
		blocks = append(blocks, fmt.Sprintf("=== %s ===\n%s", v.Title, text))
	}
	return strings.Join(blocks, "\n\n")
}

// selection resolves requested IDs against the cache, defaulting to every
// stored video.
func (s *Store) selection(ids []string) []*Video {
	if len(ids) == 0 {
		return s.All()
	}
	videos := make([]*Video, 0, len(ids))
	for _, id := range ids {
		if v, ok := s.cache.Peek(id); ok {
			videos = append(videos, v)
		}
	}
	return videos
}
