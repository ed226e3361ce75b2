package lsh

import (
	"fmt"
	"math"
)

const integrationSteps = 1000

// OptimalBands picks the band count b and rows per band r, with b*r <= numPerm,
// that minimise the equally weighted sum of the false positive area below
// threshold and the false negative area above it.
func OptimalBands(threshold float64, numPerm int) (bands, rows int, err error) {
	if threshold <= 0 || threshold >= 1 {
		return 0, 0, fmt.Errorf("threshold must be in (0, 1) (got %v)", threshold)
	}
	if numPerm < 2 {
		return 0, 0, fmt.Errorf("num_perm must be >= 2 (got %d)", numPerm)
	}

	minError := math.Inf(1)
	for b := 1; b <= numPerm; b++ {
		for r := 1; r <= numPerm/b; r++ {
			fp := falsePositiveArea(threshold, b, r)
			fn := falseNegativeArea(threshold, b, r)
			if e := 0.5*fp + 0.5*fn; e < minError {
				minError = e
				bands, rows = b, r
			}
		}
	}
	return bands, rows, nil
}

// CandidateProbability is the chance that two sets with Jaccard s share at
// least one band.
func CandidateProbability(s float64, bands, rows int) float64 {
	return 1 - math.Pow(1-math.Pow(s, float64(rows)), float64(bands))
}

func falsePositiveArea(threshold float64, b, r int) float64 {
	return integrate(func(s float64) float64 {
		return CandidateProbability(s, b, r)
	}, 0, threshold)
}

func falseNegativeArea(threshold float64, b, r int) float64 {
	return integrate(func(s float64) float64 {
		return 1 - CandidateProbability(s, b, r)
	}, threshold, 1)
}

// integrate applies composite Simpson's rule.
func integrate(f func(float64) float64, lo, hi float64) float64 {
	h := (hi - lo) / integrationSteps
	sum := f(lo) + f(hi)
	for i := 1; i < integrationSteps; i++ {
		x := lo + float64(i)*h
		if i%2 == 1 {
			sum += 4 * f(x)
		} else {
			sum += 2 * f(x)
		}
	}
	return sum * h / 3
}
