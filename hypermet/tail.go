package hypermet

import (
	"encoding/json"
	"fmt"
	"math"

	"gammafit/param"
)

// maxExpArg clamps the argument passed to math.Exp so that an extreme
// proxy value (far outside the slope/amplitude bounds during a bad
// perturbation) still yields a finite evaluation instead of +Inf.
const maxExpArg = 700.0

func guardedExp(x float64) float64 {
	if x > maxExpArg {
		x = maxExpArg
	}
	return math.Exp(x)
}

// Tail is a symmetric exponential correction to one side of a Gaussian,
// parameterized by an amplitude (as a fraction of the Gaussian amplitude)
// and a slope controlling its decay rate:
//
//	tail(amp, s, side) = (A/2) * amp * exp(flip(side,spread)/s) * erfc(1/(2s) + flip(side,spread))
type Tail struct {
	Side      Side
	Enabled   bool
	Override  bool
	Amplitude *param.Parameter
	Slope     *param.Parameter
}

// NewTail builds a Tail on the given side with default amplitude/slope
// parameters bounded per settings.
func NewTail(side Side, ampMin, ampInit, ampMax, slopeMin, slopeInit, slopeMax float64, enabled bool) *Tail {
	return &Tail{
		Side:      side,
		Enabled:   enabled,
		Amplitude: param.NewSineBounded(ampMin, ampMax, ampInit),
		Slope:     param.NewSineBounded(slopeMin, slopeMax, slopeInit),
	}
}

// ResetIndices marks both sub-parameters as unenrolled.
func (t *Tail) ResetIndices() {
	t.Amplitude.ResetIndex()
	t.Slope.ResetIndex()
}

// UpdateIndices enrolls amplitude and slope when the tail is enabled, else
// resets their indices.
func (t *Tail) UpdateIndices(next *int) {
	if !t.Enabled {
		t.ResetIndices()
		return
	}
	t.Amplitude.UpdateIndex(next)
	t.Slope.UpdateIndex(next)
}

// UpdateIndicesShared is UpdateIndices for a tail that belongs to a peak
// other than the region's default peak template. When t.Override is false
// and tpl is non-nil, the tail links its amplitude/slope to tpl's already
// assigned indices instead of consuming new slots from next; tpl must have
// had UpdateIndices (or UpdateIndicesShared) run on it first.
func (t *Tail) UpdateIndicesShared(next *int, tpl *Tail) {
	if !t.Enabled {
		t.ResetIndices()
		return
	}
	if t.Override || tpl == nil {
		t.Amplitude.UpdateIndex(next)
		t.Slope.UpdateIndex(next)
		return
	}
	linkIndex(t.Amplitude, tpl.Amplitude)
	linkIndex(t.Slope, tpl.Slope)
}

// Put writes both sub-parameters into the fit vector.
func (t *Tail) Put(fit []float64) {
	t.Amplitude.Put(fit)
	t.Slope.Put(fit)
}

// Get reads both sub-parameters back out of the fit vector.
func (t *Tail) Get(fit []float64) {
	t.Amplitude.Get(fit)
	t.Slope.Get(fit)
}

// GetUncerts derives uncertainties for both sub-parameters.
func (t *Tail) GetUncerts(diag []float64, chiSqNorm float64) {
	t.Amplitude.GetUncert(diag, chiSqNorm)
	t.Slope.GetUncert(diag, chiSqNorm)
}

func (t *Tail) evalWith(pre precalc, ampl, slope float64) float64 {
	spread := flip(t.Side, pre.spread)
	return pre.halfAmpl * ampl * guardedExp(spread/slope) * math.Erfc(0.5/slope+spread)
}

// Eval returns the tail's current contribution.
func (t *Tail) Eval(pre precalc) float64 {
	return t.evalWith(pre, t.Amplitude.Value(), t.Slope.Value())
}

// EvalAt evaluates the tail reading its parameters from an external vector.
func (t *Tail) EvalAt(pre precalc, fit []float64) float64 {
	return t.evalWith(pre, t.Amplitude.ValueFrom(fit), t.Slope.ValueFrom(fit))
}

// EvalGrad evaluates the tail and accumulates its contribution to grads,
// using the current cached parameter values.
func (t *Tail) EvalGrad(pre precalc, grads []float64) float64 {
	return t.evalGradWith(pre, grads, t.Amplitude.Value(), t.Slope.Value(), t.Amplitude.Grad(), t.Slope.Grad())
}

// EvalGradAt is the EvalGrad analogue reading parameters from fit.
func (t *Tail) EvalGradAt(pre precalc, fit, grads []float64) float64 {
	return t.evalGradWith(pre, grads, t.Amplitude.ValueFrom(fit), t.Slope.ValueFrom(fit), t.Amplitude.GradFrom(fit), t.Slope.GradFrom(fit))
}

func (t *Tail) evalGradWith(pre precalc, grads []float64, ampl, slp, amplGrad, slopeGrad float64) float64 {
	ret := t.evalWith(pre, ampl, slp)
	spread := flip(t.Side, pre.spread)
	t2 := pre.ampl * ampl * guardedExp(spread/slp) / math.Sqrt(math.Pi) *
		guardedExp(-square(0.5/slp+spread)) / pre.width

	if pre.iWidth > invalidIndex {
		grads[pre.iWidth] += pre.widthGrad * spread * (t2 - ret/(pre.width*slp))
	}
	if pre.iPos > invalidIndex {
		// d(spread)/d(position) carries the side sign.
		grads[pre.iPos] += pre.posGrad * flip(t.Side, -ret/(slp*pre.width)+t2)
	}
	if pre.iAmp > invalidIndex {
		grads[pre.iAmp] += pre.ampGrad * ret / pre.ampl
	}
	if t.Amplitude.ValidIndex() {
		grads[t.Amplitude.Index()] += amplGrad * ret / ampl
	}
	if t.Slope.ValidIndex() {
		grads[t.Slope.Index()] += slopeGrad * ((-spread/square(slp))*ret + (pre.width/(2.0*square(slp)))*t2)
	}
	return ret
}

func square(x float64) float64 { return x * x }

// Sane reports whether the tail's amplitude and slope lie away from their
// bounds by at least the given epsilons; a disabled parameter is always sane.
func (t *Tail) Sane(ampMinEps, ampMaxEps, slopeEps float64) bool {
	if !t.Enabled {
		return true
	}
	if t.Amplitude.ToFit() && t.Amplitude.AtExtremum(ampMinEps, ampMaxEps) {
		return false
	}
	if t.Slope.ToFit() && t.Slope.AtExtremum(slopeEps, slopeEps) {
		return false
	}
	return true
}

// ApplyDefaults copies enable/override flags and parameter bounds from a
// template tail, unless this tail has locally overridden them.
func (t *Tail) ApplyDefaults(other *Tail) {
	if t.Override {
		return
	}
	t.Enabled = other.Enabled
	if min, max, ok := other.Amplitude.Bounds(); ok {
		t.Amplitude.SetBounds(min, max)
	}
	if min, max, ok := other.Slope.Bounds(); ok {
		t.Slope.SetBounds(min, max)
	}
}

// ForceDefaults copies from other regardless of the override flag, clearing
// it in the process.
func (t *Tail) ForceDefaults(other *Tail) {
	t.Override = false
	t.ApplyDefaults(other)
}

// SyncShared copies the template tail's proxies into this tail when it is
// not locally overridden, so parameters sharing a fit-vector slot agree on
// its value before the first Put.
func (t *Tail) SyncShared(tpl *Tail) {
	if t.Override {
		return
	}
	t.Amplitude.SetX(tpl.Amplitude.X())
	t.Slope.SetX(tpl.Slope.X())
}

// Clone returns a deep copy of the tail.
func (t *Tail) Clone() *Tail {
	return &Tail{
		Side:      t.Side,
		Enabled:   t.Enabled,
		Override:  t.Override,
		Amplitude: t.Amplitude.Clone(),
		Slope:     t.Slope.Clone(),
	}
}

type jsonTail struct {
	Type      string           `json:"type"`
	Side      string           `json:"side"`
	Enabled   bool             `json:"enabled"`
	Override  bool             `json:"override"`
	Amplitude *param.Parameter `json:"amplitude"`
	Slope     *param.Parameter `json:"slope"`
}

// MarshalJSON serializes the tail as a self-describing "tail" tree.
func (t *Tail) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonTail{
		Type:      "tail",
		Side:      t.Side.String(),
		Enabled:   t.Enabled,
		Override:  t.Override,
		Amplitude: t.Amplitude,
		Slope:     t.Slope,
	})
}

// UnmarshalJSON rebuilds the tail from its serialized tree.
func (t *Tail) UnmarshalJSON(data []byte) error {
	var in jsonTail
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Type != "tail" {
		return fmt.Errorf("hypermet: expected type \"tail\", got %q", in.Type)
	}
	side := SideLeft
	if in.Side == "right" {
		side = SideRight
	}
	if in.Amplitude == nil || in.Slope == nil {
		return fmt.Errorf("hypermet: tail missing amplitude/slope")
	}
	t.Side = side
	t.Enabled = in.Enabled
	t.Override = in.Override
	t.Amplitude = in.Amplitude
	t.Slope = in.Slope
	return nil
}
