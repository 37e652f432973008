package api

import (
	"github.com/treeline-ai/treeline/pkg/engine"
	"github.com/treeline-ai/treeline/pkg/session"
)

// TranscribeResponse is returned by POST /transcribe. Videos holds one
// entry per requested URL, either an ingested transcript or a per-URL
// error.
type TranscribeResponse struct {
	Videos []*session.VideoResult `json:"videos"`
}

// AskResponse is returned by POST /ask.
type AskResponse struct {
	Answer     string              `json:"answer"`
	Confidence float64             `json:"confidence"`
	Tree       engine.TreeSnapshot `json:"tree"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
