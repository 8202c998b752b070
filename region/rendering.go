package region

import (
	"gammafit/calib"
	"gammafit/sum4"
)

// PeakRendering is one peak's dense curve plus that curve drawn on top of
// the polynomial background, sampled over the same grid.
type PeakRendering struct {
	Peak    []float64
	FullFit []float64
}

// Rendering is a dense evaluation of a region for display: channel and
// energy grids at a configurable subdivision of the channel spacing, the
// polynomial background, background-plus-steps, the full fit, the SUM4
// linear background, and each peak's own curve.
type Rendering struct {
	Subdivisions int

	Channel        []float64
	Energy         []float64
	Background     []float64
	BackSteps      []float64
	FullFit        []float64
	Sum4Background []float64

	Peaks map[int64]*PeakRendering
}

// Render samples the region at Subdivisions points per channel (default 10).
func (r *Region) Render(subdivisions int, cal calib.FCalibration) *Rendering {
	if subdivisions < 1 {
		subdivisions = 10
	}
	out := &Rendering{
		Subdivisions: subdivisions,
		Peaks:        make(map[int64]*PeakRendering, len(r.Peaks)),
	}

	sum4bg, sum4err := sum4.BackgroundFrom(r.LB, r.RB)

	n := (r.Data.Len() - 1) * subdivisions
	if n < 1 {
		return out
	}
	step := (r.Right() - r.Left()) / float64(n)

	ids := r.PeakIDs()
	for _, id := range ids {
		out.Peaks[id] = &PeakRendering{}
	}

	for i := 0; i <= n; i++ {
		x := r.Left() + float64(i)*step
		bg := r.Background.Eval(x)
		backSteps := bg
		fullFit := bg
		for _, id := range ids {
			hp := r.Peaks[id].Hypermet
			v := hp.Eval(x)
			fullFit += v
			backSteps += hp.EvalStepTail(x)
		}

		out.Channel = append(out.Channel, x)
		out.Energy = append(out.Energy, cal.BinToEnergy(x))
		out.Background = append(out.Background, bg)
		out.BackSteps = append(out.BackSteps, backSteps)
		out.FullFit = append(out.FullFit, fullFit)
		if sum4err == nil {
			out.Sum4Background = append(out.Sum4Background, sum4bg.Eval(x))
		}

		for _, id := range ids {
			hp := r.Peaks[id].Hypermet
			pr := out.Peaks[id]
			v := hp.Eval(x)
			pr.Peak = append(pr.Peak, v)
			pr.FullFit = append(pr.FullFit, bg+v)
		}
	}
	return out
}
