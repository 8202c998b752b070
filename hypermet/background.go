package hypermet

import (
	"encoding/json"
	"fmt"

	"gammafit/param"
)

// Background is a quadratic polynomial background around a fixed x-offset
// (conventionally the region's left channel): base + slope*(x-x0) +
// curve*(x-x0)^2, with the slope and curvature terms individually
// switchable.
type Background struct {
	XOffset      float64
	Base         *param.Parameter
	SlopeEnabled bool
	Slope        *param.Parameter
	CurveEnabled bool
	Curve        *param.Parameter
}

// NewBackground builds a background with sensible default bounds derived
// from the data's count range, centered at xOffset.
func NewBackground(xOffset, baseGuess, countSpan float64) *Background {
	span := countSpan
	if span <= 0 {
		span = 1
	}
	return &Background{
		XOffset:      xOffset,
		Base:         param.NewSineBounded(-span, span, baseGuess),
		SlopeEnabled: true,
		Slope:        param.NewSineBounded(-span, span, 0),
		CurveEnabled: true,
		Curve:        param.NewSineBounded(-span, span, 0),
	}
}

// UpdateIndices enrolls base unconditionally and slope/curve only when enabled.
func (b *Background) UpdateIndices(next *int) {
	b.Base.UpdateIndex(next)
	if b.SlopeEnabled {
		b.Slope.UpdateIndex(next)
	} else {
		b.Slope.ResetIndex()
	}
	if b.CurveEnabled {
		b.Curve.UpdateIndex(next)
	} else {
		b.Curve.ResetIndex()
	}
}

func (b *Background) Put(fit []float64) {
	b.Base.Put(fit)
	b.Slope.Put(fit)
	b.Curve.Put(fit)
}

func (b *Background) Get(fit []float64) {
	b.Base.Get(fit)
	b.Slope.Get(fit)
	b.Curve.Get(fit)
}

func (b *Background) GetUncerts(diag []float64, chiSqNorm float64) {
	b.Base.GetUncert(diag, chiSqNorm)
	b.Slope.GetUncert(diag, chiSqNorm)
	b.Curve.GetUncert(diag, chiSqNorm)
}

// Eval evaluates the background at channel bin using cached parameters.
func (b *Background) Eval(bin float64) float64 {
	ret := b.Base.Value()
	if b.SlopeEnabled {
		ret += b.Slope.Value() * (bin - b.XOffset)
	}
	if b.CurveEnabled {
		ret += b.Curve.Value() * square(bin-b.XOffset)
	}
	return ret
}

// EvalAt evaluates the background reading parameters from fit.
func (b *Background) EvalAt(bin float64, fit []float64) float64 {
	ret := b.Base.ValueFrom(fit)
	if b.SlopeEnabled {
		ret += b.Slope.ValueFrom(fit) * (bin - b.XOffset)
	}
	if b.CurveEnabled {
		ret += b.Curve.ValueFrom(fit) * square(bin-b.XOffset)
	}
	return ret
}

// EvalGrad evaluates the background and accumulates its gradient.
func (b *Background) EvalGrad(bin float64, grads []float64) float64 {
	return b.evalGrad(bin, grads, func(p *param.Parameter) float64 { return p.Value() }, func(p *param.Parameter) float64 { return p.Grad() })
}

// EvalGradAt is the EvalGrad analogue reading parameters from fit.
func (b *Background) EvalGradAt(bin float64, fit, grads []float64) float64 {
	return b.evalGrad(bin, grads,
		func(p *param.Parameter) float64 { return p.ValueFrom(fit) },
		func(p *param.Parameter) float64 { return p.GradFrom(fit) })
}

func (b *Background) evalGrad(bin float64, grads []float64, val, grad func(*param.Parameter) float64) float64 {
	ret := val(b.Base)
	if b.Base.ValidIndex() {
		grads[b.Base.Index()] += grad(b.Base)
	}
	if b.SlopeEnabled {
		d := bin - b.XOffset
		ret += val(b.Slope) * d
		if b.Slope.ValidIndex() {
			grads[b.Slope.Index()] += grad(b.Slope) * d
		}
	}
	if b.CurveEnabled {
		d := square(bin - b.XOffset)
		ret += val(b.Curve) * d
		if b.Curve.ValidIndex() {
			grads[b.Curve.Index()] += grad(b.Curve) * d
		}
	}
	return ret
}

// Clone returns a deep copy of the background.
func (b *Background) Clone() *Background {
	return &Background{
		XOffset:      b.XOffset,
		Base:         b.Base.Clone(),
		SlopeEnabled: b.SlopeEnabled,
		Slope:        b.Slope.Clone(),
		CurveEnabled: b.CurveEnabled,
		Curve:        b.Curve.Clone(),
	}
}

// Sane reports whether enabled, enrolled coefficients lie away from bounds.
func (b *Background) Sane(minEps, maxEps float64) bool {
	if b.Base.ToFit() && b.Base.AtExtremum(minEps, maxEps) {
		return false
	}
	if b.SlopeEnabled && b.Slope.ToFit() && b.Slope.AtExtremum(minEps, maxEps) {
		return false
	}
	if b.CurveEnabled && b.Curve.ToFit() && b.Curve.AtExtremum(minEps, maxEps) {
		return false
	}
	return true
}

type jsonBackground struct {
	Type         string           `json:"type"`
	XOffset      float64          `json:"x_offset"`
	Base         *param.Parameter `json:"base"`
	SlopeEnabled bool             `json:"slope_enabled"`
	Slope        *param.Parameter `json:"slope"`
	CurveEnabled bool             `json:"curve_enabled"`
	Curve        *param.Parameter `json:"curve"`
}

func (b *Background) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonBackground{
		Type:         "poly_background",
		XOffset:      b.XOffset,
		Base:         b.Base,
		SlopeEnabled: b.SlopeEnabled,
		Slope:        b.Slope,
		CurveEnabled: b.CurveEnabled,
		Curve:        b.Curve,
	})
}

func (b *Background) UnmarshalJSON(data []byte) error {
	var in jsonBackground
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Type != "poly_background" {
		return fmt.Errorf("hypermet: expected type \"poly_background\", got %q", in.Type)
	}
	if in.Base == nil || in.Slope == nil || in.Curve == nil {
		return fmt.Errorf("hypermet: poly_background missing coefficients")
	}
	b.XOffset = in.XOffset
	b.Base = in.Base
	b.SlopeEnabled = in.SlopeEnabled
	b.Slope = in.Slope
	b.CurveEnabled = in.CurveEnabled
	b.Curve = in.Curve
	return nil
}
