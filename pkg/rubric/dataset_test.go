package rubric

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treeline-ai/treeline/pkg/config"
	"github.com/treeline-ai/treeline/pkg/sandbox"
)

func datasetCfg(dir string) *config.DatasetConfig {
	return &config.DatasetConfig{
		Dir:          dir,
		SampleSize:   20,
		SampleSeed:   123,
		SplitSeed:    42,
		EvalFraction: 0.2,
		Tolerance:    0.15,
	}
}

func writeDataset(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func allExamples(d *Dataset) []sandbox.Example {
	return append(append([]sandbox.Example{}, d.Train...), d.Eval...)
}

const dpoLines = `{"input": "How do I reset my password?", "preferred_output": "Plan:\n1. Open settings\n2. Choose security\n3. Reset", "non_preferred_output": "Just figure it out."}
{"prompt": [{"role": "user", "content": "Summarize the incident"}], "chosen": [{"role": "assistant", "content": "Assumptions:\n- Logs are complete\n\nPlan:\n1. Collect logs\n2. Compare"}], "rejected": "No idea."}
`

func TestLoadDPOFile(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "dpo_pairs.jsonl", dpoLines)

	ds, err := NewLoader(datasetCfg(dir)).Load("", "", "dpo_pairs.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "dpo_pairs", ds.Name)
	assert.Len(t, ds.Train, 3)
	assert.Len(t, ds.Eval, 1)

	var high, low int
	for _, ex := range allExamples(ds) {
		switch ex.Score {
		case 1.0:
			high++
		case 0.0:
			low++
		}
		if strings.Contains(ex.Response, "Assumptions:") {
			assert.Equal(t, "Summarize the incident", ex.Input)
			assert.Equal(t, 1.0, ex.Score)
		}
	}
	assert.Equal(t, 2, high)
	assert.Equal(t, 2, low)
}

func TestLoadRFTFile(t *testing.T) {
	dir := t.TempDir()
	refA := "Assumptions:\n- Downtime is allowed\n\nPlan:\n1. Backup\n2. Migrate\n3. Verify"
	refB := "1. Measure current load\n2. Model growth\n3. Add headroom"
	lineA, err := json.Marshal(map[string]string{"input": "Plan the migration", "reference": refA})
	require.NoError(t, err)
	lineB, err := json.Marshal(map[string]string{"prompt": "Estimate capacity", "answer": refB})
	require.NoError(t, err)
	writeDataset(t, dir, "rft_refs.jsonl", string(lineA)+"\n"+string(lineB)+"\n")

	ds, err := NewLoader(datasetCfg(dir)).Load("capacity", "", "rft_refs.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "capacity", ds.Name)

	all := allExamples(ds)
	require.Len(t, all, 6)

	byScore := map[float64]sandbox.Example{}
	for _, ex := range all {
		byScore[ex.Score] = ex
	}
	require.Len(t, byScore, 6)

	assert.Equal(t, refA, byScore[0.9].Response)
	assert.Equal(t, refB, byScore[0.95].Response)
	assert.Equal(t, truncateHalf(refA), byScore[0.5].Response)
	assert.True(t, strings.HasPrefix(refA, byScore[0.5].Response))
	assert.Equal(t, truncateHalf(refB), byScore[0.55].Response)
	assert.Equal(t, offTopicStub, byScore[0.1].Response)
	assert.Equal(t, offTopicStub, byScore[0.15].Response)
	assert.Equal(t, "Estimate capacity", byScore[0.95].Input)
}

func TestLoadScansDirectory(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, filepath.Join("dpo", "train.jsonl"),
		`{"input": "q", "preferred_output": "a detailed plan", "non_preferred_output": "nope"}`+"\n")
	lineRFT, err := json.Marshal(map[string]string{"input": "q2", "reference": "1. First\n2. Second\n3. Third"})
	require.NoError(t, err)
	writeDataset(t, dir, filepath.Join("rft", "train.jsonl"), string(lineRFT)+"\n")

	ds, err := NewLoader(datasetCfg(dir)).Load("", "", "")
	require.NoError(t, err)
	assert.Equal(t, "default", ds.Name)
	assert.Len(t, ds.Train, 4)
	assert.Len(t, ds.Eval, 1)
}

func TestLoadJSONArrayFile(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "pairs.json",
		`[{"input": "q", "preferred_output": "solid answer", "non_preferred_output": "weak"}]`)

	ds, err := NewLoader(datasetCfg(dir)).Load("array", KindDPO, "pairs.json")
	require.NoError(t, err)
	assert.Len(t, allExamples(ds), 2)
}

func TestLoadSplitIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "dpo_pairs.jsonl", dpoLines)
	loader := NewLoader(datasetCfg(dir))

	first, err := loader.Load("", "", "dpo_pairs.jsonl")
	require.NoError(t, err)
	second, err := loader.Load("", "", "dpo_pairs.jsonl")
	require.NoError(t, err)

	assert.Equal(t, first.Train, second.Train)
	assert.Equal(t, first.Eval, second.Eval)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "scores.jsonl", `{"input": "q"}`+"\n")
	writeDataset(t, dir, "dpo_empty.jsonl", `{"other": 1}`+"\n")
	writeDataset(t, dir, "dpo_bad.jsonl", "not json\n")
	loader := NewLoader(datasetCfg(dir))

	tests := []struct {
		name    string
		kind    Kind
		path    string
		wantErr string
	}{
		{name: "missing file", kind: KindDPO, path: "absent.jsonl", wantErr: "read dataset"},
		{name: "unknown kind", path: "scores.jsonl", wantErr: "cannot infer dataset kind"},
		{name: "no usable records", path: "dpo_empty.jsonl", wantErr: "contains no examples"},
		{name: "malformed line", path: "dpo_bad.jsonl", wantErr: "line 1"},
		{name: "empty directory scan", path: "", wantErr: "contains no examples"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := loader
			if tt.path == "" {
				l = NewLoader(datasetCfg(t.TempDir()))
			}
			_, err := l.Load("", tt.kind, tt.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTextOfShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "plain string", raw: `"hello"`, want: "hello"},
		{name: "chat turns", raw: `[{"role": "user", "content": "a"}, {"role": "assistant", "content": "b"}]`, want: "a\nb"},
		{name: "wrapped messages", raw: `{"messages": [{"role": "user", "content": "inner"}]}`, want: "inner"},
		{name: "unrecognized value", raw: `42`, want: "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, textOf(json.RawMessage(tt.raw)))
		})
	}
	assert.Empty(t, textOf(nil))
}

func TestSpecOfShapes(t *testing.T) {
	assert.Equal(t, map[string]any{"check": "plan"}, specOf(json.RawMessage(`{"check": "plan"}`)))
	assert.Equal(t, map[string]any{"check": "plan"}, specOf(json.RawMessage(`"{\"check\": \"plan\"}"`)))
	assert.Nil(t, specOf(json.RawMessage(`5`)))
	assert.Nil(t, specOf(nil))
}

func TestSummarize(t *testing.T) {
	ds := &Dataset{
		Name:  "caps",
		Train: []sandbox.Example{{Score: 0.1}, {Score: 0.3}, {Score: 0.6}, {Score: 0.9}},
		Eval:  []sandbox.Example{{Score: 1.0}},
	}

	s := ds.Summarize()
	assert.Equal(t, "caps", s.Name)
	assert.Equal(t, 4, s.NumTraining)
	assert.Equal(t, 1, s.NumEval)
	assert.InDelta(t, 0.475, s.TrainScoreMean, 1e-9)
	assert.InDelta(t, 0.1, s.TrainScoreMin, 1e-9)
	assert.InDelta(t, 0.9, s.TrainScoreMax, 1e-9)
	assert.InDelta(t, 1.0, s.EvalScoreMean, 1e-9)
	assert.Equal(t, map[string]int{
		"0.00-0.25": 1,
		"0.25-0.50": 1,
		"0.50-0.75": 1,
		"0.75-1.00": 1,
	}, s.ScoreDistribution)

	empty := (&Dataset{Name: "empty"}).Summarize()
	assert.Zero(t, empty.NumTraining)
	assert.Zero(t, empty.TrainScoreMean)
}
