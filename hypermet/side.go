// Package hypermet implements the analytic peak and background components
// fit by a region: a Gaussian with optional short-tail, right-tail,
// long-tail and step corrections, and a quadratic polynomial background.
// The name follows the "hypermet" (hyper-Gaussian with exponential tails)
// peak shape used throughout gamma-ray spectroscopy literature.
package hypermet

import "gammafit/param"

// Side selects which flank of a Gaussian a tail or step correction applies
// to. Left-side components take +spread in their exponent/erfc argument;
// right-side components take -spread.
type Side int

const (
	SideLeft Side = iota
	SideRight
)

func (s Side) String() string {
	if s == SideRight {
		return "right"
	}
	return "left"
}

// flip returns x unchanged on the left side and negated on the right side.
func flip(s Side, x float64) float64 {
	if s == SideRight {
		return -x
	}
	return x
}

const invalidIndex = param.InvalidIndex

// linkIndex resets dst's index and, if src currently holds a valid one,
// binds dst to that same slot. Used to make a peak's non-overridden
// sub-component share its fit-vector slot with the region's default peak
// template (see Peak.UpdateIndices).
func linkIndex(dst, src *param.Parameter) {
	dst.ResetIndex()
	if src.ValidIndex() {
		dst.LinkIndex(src.Index())
	}
}
