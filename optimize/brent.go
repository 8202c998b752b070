package optimize

import "math"

const (
	brentMaxIterations = 500
	brentZEps          = 1e-10

	bracketGLimit = 100.0
	bracketTiny   = 1e-20

	linminTolerance = 0.0001
)

func sign(a, b float64) float64 {
	if b >= 0 {
		return math.Abs(a)
	}
	return -math.Abs(a)
}

// stepEval is one evaluation of the objective along a search direction:
// the step size lambda, the objective value there, and the directional
// derivative (gradient dotted with the search direction).
type stepEval struct {
	fittable  Fittable
	variables []float64
	direction []float64

	size float64
	f    float64
	dot  float64
}

func newStepEval(fittable Fittable, variables, direction []float64, lambda float64) stepEval {
	return stepEval{fittable: fittable, variables: variables, direction: direction, size: lambda}
}

func (s *stepEval) point(lambda float64) []float64 {
	pt := make([]float64, len(s.variables))
	for i, v := range s.variables {
		pt[i] = v + lambda*s.direction[i]
	}
	return pt
}

func (s *stepEval) recalcF(lambda float64) {
	s.size = lambda
	s.f = s.fittable.ChiSqAt(s.point(lambda))
}

func (s *stepEval) recalcDF(lambda float64) {
	s.size = lambda
	grad := make([]float64, len(s.variables))
	s.f = s.fittable.ChiSqGradient(s.point(lambda), grad)
	s.dot = 0
	for i, g := range grad {
		s.dot += g * s.direction[i]
	}
}

// bracket expands (a, b, c) until f(b) < f(c), so a minimum along the
// search direction lies inside the bracket, using golden-ratio steps and
// parabolic extrapolation.
func bracket(aStep, bStep, cStep *stepEval) {
	goldenRatio := (1.0 + math.Sqrt(5.0)) / 2.0

	uStep := *bStep

	aStep.recalcF(aStep.size)
	bStep.recalcF(bStep.size)

	if bStep.f > aStep.f {
		*aStep, *bStep = *bStep, *aStep
	}

	cStep.recalcF(bStep.size + goldenRatio*(bStep.size-aStep.size))

	for bStep.f > cStep.f {
		r := (bStep.size - aStep.size) * (bStep.f - cStep.f)
		q := (bStep.size - cStep.size) * (bStep.f - aStep.f)
		n := true
		uStep.size = math.Abs(q - r)
		if bracketTiny > uStep.size {
			uStep.size = bracketTiny
		}
		if r > q {
			uStep.size = -uStep.size
		}
		uStep.size = bStep.size - ((bStep.size-cStep.size)*q-(bStep.size-aStep.size)*r)/(2*uStep.size)
		ulim := bStep.size + bracketGLimit*(cStep.size-bStep.size)

		if (bStep.size-uStep.size)*(uStep.size-cStep.size) > 0 {
			uStep.recalcF(uStep.size)
			if uStep.f < cStep.f {
				*aStep = *bStep
				*bStep = uStep
				n = false
			} else if uStep.f > bStep.f {
				*cStep = uStep
				n = false
			} else {
				uStep.recalcF(cStep.size + goldenRatio*(cStep.size-bStep.size))
			}
		} else if (cStep.size-uStep.size)*(uStep.size-ulim) > 0 {
			uStep.recalcF(uStep.size)
			if uStep.f < cStep.f {
				*bStep = *cStep
				*cStep = uStep
				uStep.recalcF(cStep.size + goldenRatio*(cStep.size-bStep.size))
			}
		} else if (uStep.size-ulim)*(ulim-cStep.size) >= 0 {
			uStep.recalcF(ulim)
		} else {
			uStep.recalcF(cStep.size + goldenRatio*(cStep.size-bStep.size))
		}

		if n {
			*aStep = *bStep
			*bStep = *cStep
			*cStep = uStep
		}
	}
}

// brentSearch locates the minimum inside [lambda1, lambda2] with Brent's
// derivative-aware method, starting from stepX.
func brentSearch(stepX stepEval, lambda1, lambda2 float64) stepEval {
	stepX.recalcDF(stepX.size)
	stepU := stepX
	stepW := stepX
	stepV := stepX

	stepU.recalcDF(0)

	lambdaMin := math.Min(lambda1, lambda2)
	lambdaMax := math.Max(lambda1, lambda2)

	done := false
	var e, d float64

	for iteration := 0; iteration < brentMaxIterations; iteration++ {
		lambdaMid := 0.5 * (lambdaMin + lambdaMax)
		tol1 := linminTolerance*math.Abs(stepX.size) + brentZEps
		tol2 := 2 * tol1

		done = math.Abs(stepX.size-lambdaMid) <= (tol2 - 0.5*(lambdaMax-lambdaMin))

		if !done {
			ok1 := false
			if math.Abs(e) > tol1 {
				d1 := 2 * (lambdaMax - lambdaMin)
				d2 := d1
				if stepW.dot != stepX.dot {
					d1 = (stepW.size - stepX.size) * stepX.dot / (stepX.dot - stepW.dot)
				}
				if stepV.dot != stepX.dot {
					d2 = (stepV.size - stepX.size) * stepX.dot / (stepX.dot - stepV.dot)
				}
				u1 := stepX.size + d1
				u2 := stepX.size + d2
				ok1 = (lambdaMin-u1)*(u1-lambdaMax) > 0 && stepX.dot*d1 <= 0
				ok2 := (lambdaMin-u2)*(u2-lambdaMax) > 0 && stepX.dot*d2 <= 0

				olde := e
				e = d
				switch {
				case ok1 && ok2:
					if math.Abs(d1) < math.Abs(d2) {
						d = d1
					} else {
						d = d2
					}
				case ok1:
					d = d1
				case ok2:
					d = d2
					ok1 = true
				}

				if math.Abs(d) > math.Abs(0.5*olde) {
					ok1 = false
				}

				if ok1 {
					stepU.size = stepX.size + d
					if (stepU.size-lambdaMin) < tol2 || (lambdaMax-stepU.size) < tol2 {
						d = sign(tol1, lambdaMid-stepX.size)
					}
				}
			}

			if !ok1 {
				if stepX.dot > 0 {
					e = lambdaMin - stepX.size
				} else {
					e = lambdaMax - stepX.size
				}
				d = 0.5 * e
			}

			if math.Abs(d) >= tol1 {
				stepU.recalcDF(stepX.size + d)
			} else {
				stepU.recalcDF(stepX.size + sign(tol1, d))
				done = stepU.f > stepX.f
			}

			if !done {
				if stepU.f < stepX.f {
					if stepU.size >= stepX.size {
						lambdaMin = stepX.size
					} else {
						lambdaMax = stepX.size
					}
					stepV = stepW
					stepW = stepX
					stepX = stepU
				} else {
					if stepU.size < stepX.size {
						lambdaMin = stepU.size
					} else {
						lambdaMax = stepU.size
					}

					if stepU.f <= stepW.f || stepV.size == stepX.size {
						stepV = stepW
						stepW = stepU
					} else if stepU.f < stepV.f || stepV.size == stepX.size || stepV.size == stepW.size {
						stepV = stepU
					}
				}
			}
		}

		if done {
			break
		}
	}

	return stepX
}

// lineSearch brackets a minimum of the objective along the search direction
// and refines it with Brent's method, returning the step size found.
func lineSearch(fittable Fittable, variables, direction []float64) float64 {
	stepMin := newStepEval(fittable, variables, direction, 0.0)
	stepInit := newStepEval(fittable, variables, direction, 1.0)
	stepMax := newStepEval(fittable, variables, direction, 2.0)

	bracket(&stepMin, &stepInit, &stepMax)

	step := brentSearch(stepInit, stepMin.size, stepMax.size)
	return step.size
}
