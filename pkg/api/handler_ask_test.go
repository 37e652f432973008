package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskValidation(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantError string
	}{
		{
			name:      "malformed JSON",
			body:      `{"question": `,
			wantCode:  http.StatusBadRequest,
			wantError: "",
		},
		{
			name:      "blank question",
			body:      `{"question": "   "}`,
			wantCode:  http.StatusBadRequest,
			wantError: "question",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &scriptedClient{})

			w := doRequest(t, s, http.MethodPost, "/ask", tt.body)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantError != "" {
				assert.Contains(t, w.Body.String(), tt.wantError)
			}
		})
	}
}

func TestAskWithoutTranscripts(t *testing.T) {
	s := newTestServer(t, &scriptedClient{})

	w := doRequest(t, s, http.MethodPost, "/ask", `{"question": "what grew?"}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error": "No transcripts found."}`, w.Body.String())
}

func TestAskReturnsAnswer(t *testing.T) {
	s := newTestServer(t, &scriptedClient{})
	good := writeVTT(t, "keynote.vtt")

	w := doRequest(t, s, http.MethodPost, "/transcribe",
		fmt.Sprintf(`{"urls": [%q]}`, good))
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodPost, "/ask",
		`{"question": "What number was mentioned?", "max_iterations": 1}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp AskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Tree answer: 42.", resp.Answer)
	assert.InDelta(t, 0.8, resp.Confidence, 1e-9)
	// Root plus the executed strategy node.
	assert.GreaterOrEqual(t, len(resp.Tree), 2)
}

func TestAskEngineFailure(t *testing.T) {
	s := newTestServer(t, &scriptedClient{fail: true})
	good := writeVTT(t, "keynote.vtt")

	w := doRequest(t, s, http.MethodPost, "/transcribe",
		fmt.Sprintf(`{"urls": [%q]}`, good))
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodPost, "/ask", `{"question": "what grew?"}`)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error": "internal server error"}`, w.Body.String())
}
