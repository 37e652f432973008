package rubric

// Weights of the five reward signals in the composite.
const (
	weightGeneralization = 1.0
	weightCalibration    = 0.4
	weightDiscrimination = 0.3
	weightValidity       = 0.2
	weightIteration      = 0.2
)

// signalNames is the canonical signal ordering used in prompts and reports.
var signalNames = []string{"generalization", "calibration", "discrimination", "validity", "iteration"}

// Signals holds the five reward components and their weighted composite.
// Every value is clamped to [0,1] and rounded to four decimals.
type Signals struct {
	Generalization float64 `json:"generalization"`
	Calibration    float64 `json:"calibration"`
	Discrimination float64 `json:"discrimination"`
	Validity       float64 `json:"validity"`
	Iteration      float64 `json:"iteration"`
	Composite      float64 `json:"composite"`
}

// Compute evaluates a rubric hypothesis from its execution outcome. Train
// rows drive calibration, discrimination and the iteration baseline; the
// held-out rows only enter through generalization, so nothing the policy
// sees leaks the eval set.
func Compute(code string, train, eval []ResultRow, success bool, parentMAE *float64) Signals {
	s := Signals{
		Generalization: generalizationReward(train, eval),
		Calibration:    calibrationReward(train),
		Discrimination: discriminationReward(train),
		Validity:       validityReward(code, success),
		Iteration:      iterationReward(MAE(train), parentMAE),
	}

	total := weightGeneralization + weightCalibration + weightDiscrimination + weightValidity + weightIteration
	weighted := s.Generalization*weightGeneralization +
		s.Calibration*weightCalibration +
		s.Discrimination*weightDiscrimination +
		s.Validity*weightValidity +
		s.Iteration*weightIteration
	s.Composite = round4(clamp01(weighted / total))
	return s
}

// Map renders the signals as the per-node rewards map carried in snapshots.
func (s Signals) Map() map[string]float64 {
	return map[string]float64{
		"generalization": s.Generalization,
		"calibration":    s.Calibration,
		"discrimination": s.Discrimination,
		"validity":       s.Validity,
		"iteration":      s.Iteration,
		"composite":      s.Composite,
	}
}

// Weakest names the lowest-scoring signal, ties going to the earlier name.
func (s Signals) Weakest() (string, float64) {
	name, value := signalNames[0], s.byName(signalNames[0])
	for _, n := range signalNames[1:] {
		if v := s.byName(n); v < value {
			name, value = n, v
		}
	}
	return name, value
}

func (s Signals) byName(name string) float64 {
	switch name {
	case "generalization":
		return s.Generalization
	case "calibration":
		return s.Calibration
	case "discrimination":
		return s.Discrimination
	case "validity":
		return s.Validity
	case "iteration":
		return s.Iteration
	}
	return 0
}

// signalsFromMap rebuilds Signals from a node's rewards map.
func signalsFromMap(m map[string]float64) Signals {
	return Signals{
		Generalization: m["generalization"],
		Calibration:    m["calibration"],
		Discrimination: m["discrimination"],
		Validity:       m["validity"],
		Iteration:      m["iteration"],
		Composite:      m["composite"],
	}
}
