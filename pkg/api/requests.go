package api

// TranscribeRequest is the HTTP request body for POST /transcribe.
type TranscribeRequest struct {
	URLs []string `json:"urls"`
}

// AskRequest is the HTTP request body for POST /ask.
type AskRequest struct {
	Question      string   `json:"question"`
	VideoIDs      []string `json:"video_ids,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
}

// LoadDatasetRequest is the HTTP request body for POST /load-dataset. All
// fields are optional; an empty body scans the configured dataset directory
// for the conventional files.
type LoadDatasetRequest struct {
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`
	Path string `json:"path,omitempty"`
}
