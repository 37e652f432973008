package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// ────────────────────────────────────────────────────────────
// HTTP helpers
// ────────────────────────────────────────────────────────────

// postJSON posts a body, requires wantStatus, and returns the parsed reply.
func (app *TestApp) postJSON(t *testing.T, path string, body interface{}, wantStatus int) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(app.BaseURL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "POST %s replied %s", path, raw)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	return parsed
}

// getJSON issues a GET, requires wantStatus, and returns the parsed reply.
func (app *TestApp) getJSON(t *testing.T, path string, wantStatus int) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(app.BaseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "GET %s replied %s", path, raw)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	return parsed
}

// Transcribe ingests subtitle sources over REST and returns the video
// entries.
func (app *TestApp) Transcribe(t *testing.T, urls ...string) []interface{} {
	t.Helper()
	reply := app.postJSON(t, "/transcribe",
		map[string]interface{}{"urls": urls}, http.StatusOK)
	videos, ok := reply["videos"].([]interface{})
	require.True(t, ok, "transcribe reply has no videos array: %v", reply)
	return videos
}

// LoadDataset installs a dataset file over REST and returns its summary.
func (app *TestApp) LoadDataset(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/load-dataset",
		map[string]interface{}{"path": path}, http.StatusOK)
}

// ────────────────────────────────────────────────────────────
// Fixtures
// ────────────────────────────────────────────────────────────

const fixtureVTT = "WEBVTT\n\n" +
	"00:01.000 --> 00:04.000\nthe keynote opens with quarterly numbers\n\n" +
	"00:04.000 --> 00:08.000\nrevenue grew fourteen percent year over year\n\n" +
	"00:08.000 --> 00:12.000\nthe roadmap section covers three launches\n"

// writeVTT writes the fixture transcript and returns its path.
func writeVTT(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(fixtureVTT), 0o644))
	return path
}

const dpoFixture = `{"input": "How do I reset my password?", "preferred_output": "Plan:\n1. Open settings\n2. Choose security\n3. Reset", "non_preferred_output": "Just figure it out."}
{"input": "Summarize the incident", "preferred_output": "Plan:\n1. Collect logs\n2. Compare timelines", "non_preferred_output": "No idea."}
{"input": "Draft the rollout", "preferred_output": "Plan:\n1. Canary\n2. Ramp\n3. Monitor", "non_preferred_output": "Ship it."}
`

// writeDPODataset writes the fixture dataset into the app's configured
// dataset directory and returns the relative path to load.
func writeDPODataset(t *testing.T, app *TestApp) string {
	t.Helper()
	path := filepath.Join(app.Config.Datasets.Dir, "dpo_pairs.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(dpoFixture), 0o644))
	return "dpo_pairs.jsonl"
}

const planRubric = "def rubric_fn(response):\n" +
	"    score = 0.0\n" +
	"    if \"Plan:\" in response:\n" +
	"        score = 1.0\n" +
	"    return score\n" +
	"\n" +
	"test_rubric(rubric_fn)"

func fenced(code string) string {
	return "```python\n" + code + "\n```"
}

// ────────────────────────────────────────────────────────────
// Scripts
// ────────────────────────────────────────────────────────────

// Prompt markers stable enough to route on.
const (
	markerRootStrategies = "Generate 2-3 DIFFERENT code strategies"
	markerBranchContinue = "Now write the next code block"
	markerPlainGenerate  = "Write a SINGLE"
	markerJudge          = "You evaluate reasoning steps"
	markerTreeSynthesis  = "Synthesize a comprehensive answer"
	markerPlainSynthesis = "Synthesize a clear answer"
	markerRubricRoot     = "LOW-SCORING EXAMPLES"
	markerRubricRefine   = "CURRENT RUBRIC:"
)

// scriptQA routes a full question-answering run: root expansion produces
// one code strategy, judges score 0.8, synthesis closes both engines.
func scriptQA() *ScriptedLLMClient {
	c := NewScriptedLLMClient()
	c.AddRouted(markerRootStrategies, LLMScriptEntry{Reply: "```repl\nprint('42')\n```"})
	c.AddRouted(markerPlainGenerate, LLMScriptEntry{Reply: "```repl\nprint('42')\n```"})
	c.AddRouted(markerJudge, LLMScriptEntry{Reply: "0.8"})
	c.AddRouted(markerTreeSynthesis, LLMScriptEntry{Reply: "Tree answer: 42."})
	c.AddRouted(markerPlainSynthesis, LLMScriptEntry{Reply: "Plain answer: 42."})
	return c
}

// scriptDiscovery routes a rubric-discovery run: every proposal and
// refinement returns the same plan-detecting rubric.
func scriptDiscovery() *ScriptedLLMClient {
	c := NewScriptedLLMClient()
	c.AddRouted(markerRubricRoot, LLMScriptEntry{Reply: fenced(planRubric)})
	c.AddRouted(markerRubricRefine, LLMScriptEntry{Reply: fenced(planRubric)})
	return c
}

// firstEventIndex returns the position of the first event with the given
// "event" value, or -1.
func firstEventIndex(events []WSEvent, event string) int {
	for i, e := range events {
		if e.Event == event {
			return i
		}
	}
	return -1
}
