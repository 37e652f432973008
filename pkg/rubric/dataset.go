package rubric

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/treeline-ai/treeline/pkg/config"
	"github.com/treeline-ai/treeline/pkg/sandbox"
)

// Kind identifies a dataset file format.
type Kind string

const (
	// KindDPO marks preference pairs. The preferred response scores 1.0,
	// the rejected one 0.0.
	KindDPO Kind = "dpo"

	// KindRFT marks graded records carrying a reference answer. Three
	// synthetic responses per record are derived from the reference.
	KindRFT Kind = "rft"
)

// Dataset is a loaded collection of scored examples, already split into a
// training set the search may inspect and a held-out evaluation set.
type Dataset struct {
	Name  string
	Train []sandbox.Example
	Eval  []sandbox.Example
}

// Summary is the wire form of a loaded dataset.
type Summary struct {
	Name              string         `json:"name"`
	NumTraining       int            `json:"num_training"`
	NumEval           int            `json:"num_eval"`
	TrainScoreMean    float64        `json:"train_score_mean"`
	TrainScoreMin     float64        `json:"train_score_min"`
	TrainScoreMax     float64        `json:"train_score_max"`
	EvalScoreMean     float64        `json:"eval_score_mean"`
	ScoreDistribution map[string]int `json:"score_distribution"`
}

// Summarize reports split sizes and the training score distribution.
func (d *Dataset) Summarize() *Summary {
	s := &Summary{
		Name:              d.Name,
		NumTraining:       len(d.Train),
		NumEval:           len(d.Eval),
		ScoreDistribution: scoreDistribution(d.Train),
	}
	if len(d.Train) > 0 {
		min, max := d.Train[0].Score, d.Train[0].Score
		var total float64
		for _, ex := range d.Train {
			total += ex.Score
			if ex.Score < min {
				min = ex.Score
			}
			if ex.Score > max {
				max = ex.Score
			}
		}
		s.TrainScoreMean = round4(total / float64(len(d.Train)))
		s.TrainScoreMin = round4(min)
		s.TrainScoreMax = round4(max)
	}
	if len(d.Eval) > 0 {
		var total float64
		for _, ex := range d.Eval {
			total += ex.Score
		}
		s.EvalScoreMean = round4(total / float64(len(d.Eval)))
	}
	return s
}

// scoreDistribution buckets training scores into quarters of the unit range.
func scoreDistribution(examples []sandbox.Example) map[string]int {
	buckets := map[string]int{
		"0.00-0.25": 0,
		"0.25-0.50": 0,
		"0.50-0.75": 0,
		"0.75-1.00": 0,
	}
	for _, ex := range examples {
		switch {
		case ex.Score < 0.25:
			buckets["0.00-0.25"]++
		case ex.Score < 0.5:
			buckets["0.25-0.50"]++
		case ex.Score < 0.75:
			buckets["0.50-0.75"]++
		default:
			buckets["0.75-1.00"]++
		}
	}
	return buckets
}

// Loader reads dataset files and produces deterministic train/eval splits.
type Loader struct {
	cfg *config.DatasetConfig
}

func NewLoader(cfg *config.DatasetConfig) *Loader {
	return &Loader{cfg: cfg}
}

// Conventional file layout scanned when no explicit path is given.
var defaultFiles = []struct {
	rel  string
	kind Kind
}{
	{filepath.Join("dpo", "train.jsonl"), KindDPO},
	{filepath.Join("dpo", "eval.jsonl"), KindDPO},
	{filepath.Join("rft", "train.jsonl"), KindRFT},
}

// Load reads one dataset. A relative path is resolved against the configured
// directory; an empty path scans the directory for the conventional dpo and
// rft files. An empty kind is inferred from the path.
func (l *Loader) Load(name string, kind Kind, path string) (*Dataset, error) {
	var examples []sandbox.Example
	switch {
	case path != "":
		resolved := path
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(l.cfg.Dir, resolved)
		}
		k := kind
		if k == "" {
			var err error
			if k, err = inferKind(path); err != nil {
				return nil, err
			}
		}
		loaded, err := loadFile(resolved, k)
		if err != nil {
			return nil, err
		}
		examples = loaded
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
	default:
		for _, f := range defaultFiles {
			full := filepath.Join(l.cfg.Dir, f.rel)
			if _, err := os.Stat(full); err != nil {
				continue
			}
			loaded, err := loadFile(full, f.kind)
			if err != nil {
				return nil, err
			}
			examples = append(examples, loaded...)
		}
		if name == "" {
			name = "default"
		}
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("dataset %q contains no examples", name)
	}

	rng := rand.New(rand.NewSource(l.cfg.SplitSeed))
	rng.Shuffle(len(examples), func(i, j int) {
		examples[i], examples[j] = examples[j], examples[i]
	})

	split := int(float64(len(examples)) * (1 - l.cfg.EvalFraction))
	return &Dataset{Name: name, Train: examples[:split], Eval: examples[split:]}, nil
}

// inferKind guesses the format from the file path.
func inferKind(path string) (Kind, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "dpo"):
		return KindDPO, nil
	case strings.Contains(lower, "rft"):
		return KindRFT, nil
	}
	return "", fmt.Errorf("cannot infer dataset kind from %q", path)
}

func loadFile(path string, kind Kind) ([]sandbox.Example, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	records, err := decodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	switch kind {
	case KindDPO:
		return dpoExamples(records), nil
	case KindRFT:
		return rftExamples(records), nil
	}
	return nil, fmt.Errorf("unknown dataset kind %q", kind)
}

// decodeRecords accepts either a JSON array of objects or one object per
// line (JSONL).
func decodeRecords(data []byte) ([]map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty file")
	}
	if trimmed[0] == '[' {
		var records []map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, err
		}
		return records, nil
	}
	var records []map[string]json.RawMessage
	for i, line := range strings.Split(string(trimmed), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// dpoExamples turns preference pairs into two scored examples each,
// anchoring the ends of the scale.
func dpoExamples(records []map[string]json.RawMessage) []sandbox.Example {
	var out []sandbox.Example
	for _, rec := range records {
		input := textOf(firstField(rec, "input", "prompt", "messages"))
		spec := specOf(firstField(rec, "spec", "solution"))
		preferred := textOf(firstField(rec, "preferred_output", "preferred", "chosen"))
		rejected := textOf(firstField(rec, "non_preferred_output", "non_preferred", "rejected"))
		if preferred != "" {
			out = append(out, sandbox.Example{Input: input, Response: preferred, Score: 1.0, Spec: spec})
		}
		if rejected != "" {
			out = append(out, sandbox.Example{Input: input, Response: rejected, Score: 0.0, Spec: spec})
		}
	}
	return out
}

// Scores assigned to the synthetic response tiers. Records alternate between
// the two columns so no tier collapses to a single constant.
var (
	highScores   = [2]float64{0.9, 0.95}
	mediumScores = [2]float64{0.5, 0.55}
	lowScores    = [2]float64{0.1, 0.15}
)

const offTopicStub = "Plan:\n- Review the request\n- Proceed as usual"

// rftExamples grades each record's reference answer at three quality levels:
// the full text, a truncated half, and an off-topic stub.
func rftExamples(records []map[string]json.RawMessage) []sandbox.Example {
	var out []sandbox.Example
	for i, rec := range records {
		reference := textOf(firstField(rec, "reference", "answer", "reference_output"))
		if reference == "" {
			continue
		}
		input := textOf(firstField(rec, "input", "prompt", "messages"))
		spec := specOf(firstField(rec, "spec", "solution"))
		alt := i % 2
		out = append(out,
			sandbox.Example{Input: input, Response: reference, Score: highScores[alt], Spec: spec},
			sandbox.Example{Input: input, Response: truncateHalf(reference), Score: mediumScores[alt], Spec: spec},
			sandbox.Example{Input: input, Response: offTopicStub, Score: lowScores[alt], Spec: spec},
		)
	}
	return out
}

func truncateHalf(s string) string {
	r := []rune(s)
	if len(r) < 2 {
		return s
	}
	return string(r[:len(r)/2])
}

// firstField returns the first present field among names.
func firstField(rec map[string]json.RawMessage, names ...string) json.RawMessage {
	for _, name := range names {
		if raw, ok := rec[name]; ok {
			return raw
		}
	}
	return nil
}

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// textOf flattens a field that may be a plain string, a chat message list,
// or an object wrapping a messages list.
func textOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var turns []chatTurn
	if err := json.Unmarshal(raw, &turns); err == nil {
		return joinTurns(turns)
	}
	var wrapped struct {
		Messages []chatTurn `json:"messages"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Messages) > 0 {
		return joinTurns(wrapped.Messages)
	}
	return strings.TrimSpace(string(raw))
}

func joinTurns(turns []chatTurn) string {
	var parts []string
	for _, t := range turns {
		if t.Content != "" {
			parts = append(parts, t.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// specOf decodes a grading spec that may be inline JSON or a JSON-encoded
// string.
func specOf(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			return m
		}
	}
	return nil
}
