package hypermet

// precalc holds the intermediate values shared by a Gaussian and its tail
// and step corrections at a single evaluation channel, so each component
// does not recompute spread/width/amplitude bookkeeping independently.
type precalc struct {
	width, ampl, halfAmpl, spread float64

	widthGrad, posGrad, ampGrad float64
	iWidth, iPos, iAmp          int
}
