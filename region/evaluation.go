package region

import "gammafit/specdata"

// FitEvaluation holds the derived sequences computed from a region's
// current parameters: the full fit, the background-plus-steps curve, the
// residual, and the residual re-drawn on top of the background for
// display. The residual sequence drives residual-based peak addition.
type FitEvaluation struct {
	Data specdata.WeightedData

	X, Y []float64

	YFit               []float64
	YBackground        []float64
	YResid             []float64
	YResidOnBackground []float64
}

// NewFitEvaluation initializes the evaluation over the given data with an
// all-zero fit.
func NewFitEvaluation(data specdata.WeightedData) *FitEvaluation {
	e := &FitEvaluation{}
	e.SetNewData(data)
	return e
}

// SetNewData replaces the underlying data and resets all derived sequences.
func (e *FitEvaluation) SetNewData(data specdata.WeightedData) {
	e.Data = data
	e.X = append([]float64(nil), data.Channel...)
	e.Y = append([]float64(nil), data.Count...)
	e.Reset()
}

// Reset zeroes the fit and background and sets the residual to the raw counts.
func (e *FitEvaluation) Reset() {
	e.YFit = make([]float64, len(e.X))
	e.YBackground = make([]float64, len(e.X))
	e.YResid = append([]float64(nil), e.Y...)
	e.YResidOnBackground = append([]float64(nil), e.Y...)
}

// Empty reports whether the evaluation holds no points.
func (e *FitEvaluation) Empty() bool { return len(e.X) == 0 }

// UpdateFit recomputes the derived sequences from a dense fit and
// background evaluation. Mismatched lengths leave the evaluation untouched.
func (e *FitEvaluation) UpdateFit(yFit, yBackground []float64) {
	if len(yFit) != len(e.Y) || len(yBackground) != len(e.Y) || len(yFit) == 0 {
		return
	}
	for i := range yFit {
		e.YFit[i] = yFit[i]
		e.YBackground[i] = yBackground[i]
		resid := e.Y[i] - yFit[i]
		e.YResid[i] = resid
		e.YResidOnBackground[i] = yBackground[i] + resid
	}
}

// Evaluate computes the region's current fit and background-plus-steps
// curves over its own channel grid and returns the filled-in evaluation.
func (r *Region) Evaluate() *FitEvaluation {
	e := NewFitEvaluation(r.Data)

	ids := r.PeakIDs()
	fullFit := make([]float64, r.Data.Len())
	backSteps := make([]float64, r.Data.Len())
	for i, x := range r.Data.Channel {
		bg := r.Background.Eval(x)
		fullFit[i] = bg
		backSteps[i] = bg
		for _, id := range ids {
			fullFit[i] += r.Peaks[id].Hypermet.Eval(x)
			backSteps[i] += r.Peaks[id].Hypermet.EvalStepTail(x)
		}
	}
	e.UpdateFit(fullFit, backSteps)
	return e
}
