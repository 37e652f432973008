package transcript

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/treeline-ai/treeline/pkg/config"
)

// maxSubtitleBytes caps a single subtitle download.
const maxSubtitleBytes = 20 << 20

// Fetcher downloads subtitle files over HTTP or reads them from disk and
// turns them into deduplicated transcripts.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a fetcher whose downloads respect cfg.FetchTimeout.
func NewFetcher(cfg config.TranscriptConfig) *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: cfg.FetchTimeout},
	}
}

// Fetch retrieves one subtitle source and returns the parsed video along
// with its deduplicated segments. The source may be an http(s) URL pointing
// at a .vtt or .srt file, or a local file path.
func (f *Fetcher) Fetch(ctx context.Context, source string) (*Video, []Segment, error) {
	content, err := f.load(ctx, source)
	if err != nil {
		return nil, nil, err
	}

	segments, err := parseByExtension(source, content)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse subtitles from %s: %w", source, err)
	}
	segments = Dedupe(segments)
	if len(segments) == 0 {
		return nil, nil, fmt.Errorf("no usable cues in %s", source)
	}

	video := &Video{
		ID:           sourceID(source),
		Title:        sourceTitle(source),
		Duration:     segments[len(segments)-1].End,
		URL:          source,
		SegmentCount: len(segments),
		FullText:     JoinText(segments),
	}
	return video, segments, nil
}

func (f *Fetcher) load(ctx context.Context, source string) (string, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return "", fmt.Errorf("invalid subtitle URL %s: %w", source, err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("failed to download %s: %w", source, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("failed to download %s: status %d", source, resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxSubtitleBytes))
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", source, err)
		}
		return string(body), nil
	}

	body, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("failed to read subtitle file: %w", err)
	}
	return string(body), nil
}

// parseByExtension picks the parser from the file extension and falls back
// to trying both formats when the extension is unrecognized.
func parseByExtension(source, content string) ([]Segment, error) {
	switch strings.ToLower(path.Ext(sourcePath(source))) {
	case ".srt":
		return ParseSRT(content)
	case ".vtt":
		return ParseVTT(content)
	}
	segments, err := ParseVTT(content)
	if err == nil {
		return segments, nil
	}
	return ParseSRT(content)
}

// sourceID derives a short stable identifier from the source URL or path.
func sourceID(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])[:12]
}

// sourceTitle uses the file name without its extension as a display title.
func sourceTitle(source string) string {
	base := path.Base(sourcePath(source))
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == "/" {
		return sourceID(source)
	}
	return base
}

// sourcePath strips the query and fragment from URL sources so extension
// checks see the actual file name.
func sourcePath(source string) string {
	if u, err := url.Parse(source); err == nil && u.Path != "" {
		return u.Path
	}
	return source
}
