package specdata

import "math"

// Strategy computes the statistical weight of the count at index i within
// the full count sequence. Implementations see the whole sequence because
// the Phillips-Marlow strategy needs a channel's neighbors.
type Strategy interface {
	Weight(counts []float64, i int) float64
}

// TrueWeight uses the Poisson weight sqrt(count); this is appropriate when
// counts are large enough for the Gaussian approximation to hold.
type TrueWeight struct{}

func (TrueWeight) Weight(counts []float64, i int) float64 {
	return math.Sqrt(counts[i])
}

// PhillipsMarlowWeight uses the true weight when count >= 25, and otherwise
// falls back to the square root of the average of the channel and its two
// neighbors (floored at 1) to avoid a zero or ill-conditioned weight in low-count channels.
type PhillipsMarlowWeight struct{}

func (PhillipsMarlowWeight) Weight(counts []float64, i int) float64 {
	c := counts[i]
	if c >= 25 {
		return math.Sqrt(c)
	}
	var lo, hi float64
	if i > 0 {
		lo = counts[i-1]
	} else {
		lo = c
	}
	if i < len(counts)-1 {
		hi = counts[i+1]
	} else {
		hi = c
	}
	avg := (lo + c + hi) / 3.0
	return math.Max(math.Sqrt(avg), 1.0)
}

// RevayStudentWeight uses sqrt(count+1), a Bayesian-flavored correction that
// remains well-defined at zero counts.
type RevayStudentWeight struct{}

func (RevayStudentWeight) Weight(counts []float64, i int) float64 {
	return math.Sqrt(counts[i] + 1.0)
}
