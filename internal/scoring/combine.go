package scoring

// weighted is one normalised sub-score in [0,1] with its weight in [0,1].
type weighted struct {
	score  float64
	weight float64
}

// combine is a weighted noisy-OR: 1 − Π(1 − wᵢ·sᵢ).
//
// It is non-decreasing in every input, saturates at 1, and is never lower
// than the largest single wᵢ·sᵢ, so one high factor at full weight lifts the
// result to at least its own level no matter how low the others are.
func combine(parts ...weighted) float64 {
	miss := 1.0
	for _, p := range parts {
		miss *= 1 - clamp(p.score, 0, 1)*clamp(p.weight, 0, 1)
	}
	return 1 - miss
}
