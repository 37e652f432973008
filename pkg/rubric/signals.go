package rubric

import (
	"math"
	"sort"
	"strings"
)

// ResultRow is one rubric prediction against a ground-truth score.
type ResultRow struct {
	Predicted float64 `json:"predicted"`
	Actual    float64 `json:"actual"`
}

// MAE is the mean absolute error over rows. An empty set reads as maximally
// wrong so rubrics that produced no results never look good.
func MAE(rows []ResultRow) float64 {
	if len(rows) == 0 {
		return 1.0
	}
	var total float64
	for _, r := range rows {
		total += math.Abs(r.Predicted - r.Actual)
	}
	return total / float64(len(rows))
}

// generalizationReward compares train and eval error: near-equal MAEs mean
// the rubric learned the pattern rather than the sample.
func generalizationReward(train, eval []ResultRow) float64 {
	if len(train) == 0 || len(eval) == 0 {
		return 0
	}
	trainMAE, evalMAE := MAE(train), MAE(eval)
	if trainMAE == 0 && evalMAE == 0 {
		return 1
	}
	gap := math.Max(0, evalMAE-trainMAE)
	accuracy := math.Max(0, 1-evalMAE)
	return round4(clamp01(accuracy * (1 - math.Min(gap, 1))))
}

// calibrationReward checks that predictions live in the same range as the
// actual scores: close means and a similar spread.
func calibrationReward(rows []ResultRow) float64 {
	if len(rows) == 0 {
		return 0
	}
	preds := make([]float64, len(rows))
	actuals := make([]float64, len(rows))
	for i, r := range rows {
		preds[i] = r.Predicted
		actuals[i] = r.Actual
	}
	meanDiff := math.Abs(mean(actuals) - mean(preds))
	ratio := spreadRatio(sampleStd(preds), sampleStd(actuals))
	return round4(clamp01(0.6*(1-math.Min(meanDiff, 1)) + 0.4*ratio))
}

// spreadRatio is min/max of two standard deviations. Two zero spreads count
// as identical, one zero spread as disjoint.
func spreadRatio(a, b float64) float64 {
	lo, hi := math.Min(a, b), math.Max(a, b)
	if hi == 0 {
		return 1
	}
	return lo / hi
}

// discriminationReward asks whether better responses get better rubric
// scores, via Spearman rank correlation mapped onto [0,1].
func discriminationReward(rows []ResultRow) float64 {
	n := len(rows)
	if n < 3 {
		return 0
	}
	preds := make([]float64, n)
	actuals := make([]float64, n)
	for i, r := range rows {
		preds[i] = r.Predicted
		actuals[i] = r.Actual
	}
	ra, rp := averageRanks(actuals), averageRanks(preds)
	var dSq float64
	for i := range ra {
		d := ra[i] - rp[i]
		dSq += d * d
	}
	rho := 1 - (6*dSq)/float64(n*(n*n-1))
	return round4(clamp01((rho + 1) / 2))
}

// averageRanks assigns 1-based ranks, sharing the average rank across ties.
func averageRanks(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	ranks := make([]float64, len(values))
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && values[idx[j]] == values[idx[i]] {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[idx[k]] = avg
		}
		i = j
	}
	return ranks
}

// Keywords treated as evidence of real scoring logic.
var logicKeywords = []string{"if ", "for ", "len(", "re.", "split", "lower", "count"}

// validityReward scores the code itself: failed execution is worthless,
// single-constant returns are penalized, visible branching and use of the
// response text earn small bonuses.
func validityReward(code string, success bool) float64 {
	if !success {
		return 0
	}
	score := 0.6
	returns := strings.Count(code, "return")
	if strings.Contains(code, "return 0") && returns == 1 {
		score -= 0.3
	}
	if strings.Contains(code, "return 1") && returns == 1 {
		score -= 0.3
	}
	logic := 0
	for _, kw := range logicKeywords {
		if strings.Contains(code, kw) {
			logic++
		}
	}
	score += math.Min(float64(logic)*0.05, 0.3)
	if strings.Contains(code, "response") || strings.Contains(code, "text") {
		score += 0.1
	}
	return round4(clamp01(score))
}

// iterationReward pays for improving on the parent hypothesis. Without a
// parent it reflects absolute quality; below one it is the relative MAE
// reduction anchored at 0.3 for no change.
func iterationReward(currentMAE float64, parentMAE *float64) float64 {
	if parentMAE == nil {
		return round4(clamp01(1 - currentMAE))
	}
	if *parentMAE == 0 {
		if currentMAE == 0 {
			return 1
		}
		return 0
	}
	improvement := (*parentMAE - currentMAE) / *parentMAE
	if improvement > 0 {
		return round4(math.Min(1, 0.3+improvement*0.7))
	}
	return round4(math.Max(0, 0.3+improvement))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

// sampleStd is the n-1 standard deviation, zero below two values.
func sampleStd(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sq float64
	for _, v := range values {
		sq += (v - m) * (v - m)
	}
	return math.Sqrt(sq / float64(len(values)-1))
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
