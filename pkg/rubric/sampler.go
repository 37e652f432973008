package rubric

import (
	"math/rand"

	"github.com/treeline-ai/treeline/pkg/sandbox"
)

// Score boundaries between the low, mid and high sampling tiers.
const (
	tierLowMax = 0.3
	tierMidMax = 0.7
)

// Sample returns a deterministic stratified subset of the training split:
// equal draws from the low, mid and high score tiers, topped up from the
// leftovers, then shuffled by the same seeded source.
func (d *Dataset) Sample(n int, seed int64) []sandbox.Example {
	return stratifiedSample(d.Train, n, seed)
}

func stratifiedSample(examples []sandbox.Example, n int, seed int64) []sandbox.Example {
	if n <= 0 || len(examples) == 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(seed))

	var low, mid, high []int
	for i, ex := range examples {
		switch {
		case ex.Score < tierLowMax:
			low = append(low, i)
		case ex.Score < tierMidMax:
			mid = append(mid, i)
		default:
			high = append(high, i)
		}
	}

	perTier := n / 3
	if perTier < 2 {
		perTier = 2
	}

	picked := make([]int, 0, n)
	taken := make(map[int]bool)
	for _, tier := range [][]int{low, mid, high} {
		for _, idx := range draw(rng, tier, perTier) {
			picked = append(picked, idx)
			taken[idx] = true
		}
	}

	if remaining := n - len(picked); remaining > 0 {
		var leftover []int
		for i := range examples {
			if !taken[i] {
				leftover = append(leftover, i)
			}
		}
		picked = append(picked, draw(rng, leftover, remaining)...)
	}

	rng.Shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})
	if len(picked) > n {
		picked = picked[:n]
	}

	out := make([]sandbox.Example, len(picked))
	for i, idx := range picked {
		out[i] = examples[idx]
	}
	return out
}

// draw picks k distinct elements from pool without replacement.
func draw(rng *rand.Rand, pool []int, k int) []int {
	if k >= len(pool) {
		return append([]int(nil), pool...)
	}
	out := make([]int, 0, k)
	for _, i := range rng.Perm(len(pool))[:k] {
		out = append(out, pool[i])
	}
	return out
}
