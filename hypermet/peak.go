package hypermet

import (
	"encoding/json"
	"fmt"
	"math"

	"gammafit/param"
)

// Peak is a Gaussian centered at Position with amplitude Amplitude and
// width Width, plus up to three exponential tail corrections (a left-side
// "short" tail, a right-side tail, and a left-side "long" tail with a
// shallower slope range) and one erfc step. Each sub-component carries its
// own Enabled/Override flag; when Override is false, a sub-component does
// not allocate its own fit-vector index but instead links to the region's
// default peak template's index for the same sub-component (see
// UpdateIndices).
type Peak struct {
	Position  *param.Parameter
	Amplitude *param.Parameter

	Width         *param.Parameter
	WidthOverride bool

	ShortTail *Tail
	RightTail *Tail
	LongTail  *Tail
	Step      *Step
}

// NewPeak builds a peak centered at position with the given amplitude and
// width guesses. Position is bounded to
// [position-lateralSlack*width, position+lateralSlack*width], the lateral
// slack a region enforces so a peak cannot migrate outside its ROI. Tails
// and step start disabled with conservative bounds; a region applies its
// default peak template's enable flags and bounds immediately after
// construction via ApplyDefaults.
func NewPeak(position, amplitude, width, lateralSlack float64) *Peak {
	slack := lateralSlack * width
	if slack <= 0 {
		slack = 1
	}
	return &Peak{
		Position:  param.NewSineBounded(position-slack, position+slack, position),
		Amplitude: param.NewPositive(amplitude),
		Width:     param.NewSineBounded(math.Max(width*0.2, 1e-6), width*5, width),
		ShortTail: NewTail(SideLeft, 0, 0.01, 1, 0.1, 1.5, 10, false),
		RightTail: NewTail(SideRight, 0, 0.01, 1, 0.1, 1.5, 10, false),
		LongTail:  NewTail(SideLeft, 0, 0.001, 1, 2, 10, 50, false),
		Step:      NewStep(SideLeft, 0, 0.001, 0.5, false),
	}
}

// ID returns the stable peak-map key a region derives from this peak's
// position at the moment it was inserted: the nearest channel.
func (p *Peak) ID() int64 { return int64(math.Round(p.Position.Value())) }

// UpdateIndices assigns fit-vector indices to this peak's enrolled
// parameters, advancing *next for each freshly allocated slot. Position
// and amplitude always allocate their own slot. Width and each tail/step
// sub-component allocate their own slot only when locally overridden (or
// when tpl is nil, meaning this peak IS the default peak template);
// otherwise they link to tpl's already-assigned index for the same
// sub-component. tpl must have had its own indices assigned first.
func (p *Peak) UpdateIndices(next *int, tpl *Peak) {
	p.Position.UpdateIndex(next)
	p.Amplitude.UpdateIndex(next)

	if p.WidthOverride || tpl == nil {
		p.Width.UpdateIndex(next)
	} else {
		linkIndex(p.Width, tpl.Width)
	}

	if tpl == nil {
		p.ShortTail.UpdateIndices(next)
		p.RightTail.UpdateIndices(next)
		p.LongTail.UpdateIndices(next)
		p.Step.UpdateIndices(next)
		return
	}
	p.ShortTail.UpdateIndicesShared(next, tpl.ShortTail)
	p.RightTail.UpdateIndicesShared(next, tpl.RightTail)
	p.LongTail.UpdateIndicesShared(next, tpl.LongTail)
	p.Step.UpdateIndicesShared(next, tpl.Step)
}

// Put writes every enrolled sub-component's proxy into the fit vector.
func (p *Peak) Put(fit []float64) {
	p.Position.Put(fit)
	p.Amplitude.Put(fit)
	p.Width.Put(fit)
	p.ShortTail.Put(fit)
	p.RightTail.Put(fit)
	p.LongTail.Put(fit)
	p.Step.Put(fit)
}

// Get reads every enrolled sub-component's proxy back out of the fit vector.
func (p *Peak) Get(fit []float64) {
	p.Position.Get(fit)
	p.Amplitude.Get(fit)
	p.Width.Get(fit)
	p.ShortTail.Get(fit)
	p.RightTail.Get(fit)
	p.LongTail.Get(fit)
	p.Step.Get(fit)
}

// GetUncerts derives uncertainties for every enrolled sub-component from the
// inverse Hessian diagonal and the fit's normalized chi-square.
func (p *Peak) GetUncerts(diag []float64, chiSqNorm float64) {
	p.Position.GetUncert(diag, chiSqNorm)
	p.Amplitude.GetUncert(diag, chiSqNorm)
	p.Width.GetUncert(diag, chiSqNorm)
	p.ShortTail.GetUncerts(diag, chiSqNorm)
	p.RightTail.GetUncerts(diag, chiSqNorm)
	p.LongTail.GetUncerts(diag, chiSqNorm)
	p.Step.GetUncerts(diag, chiSqNorm)
}

func (p *Peak) precalc() precalc {
	width := p.Width.Value()
	ampl := p.Amplitude.Value()
	return precalc{
		width: width, ampl: ampl, halfAmpl: ampl / 2,
		widthGrad: p.Width.Grad(), posGrad: p.Position.Grad(), ampGrad: p.Amplitude.Grad(),
		iWidth: indexOf(p.Width), iPos: indexOf(p.Position), iAmp: indexOf(p.Amplitude),
	}
}

func (p *Peak) precalcAt(fit []float64) precalc {
	width := p.Width.ValueFrom(fit)
	ampl := p.Amplitude.ValueFrom(fit)
	return precalc{
		width: width, ampl: ampl, halfAmpl: ampl / 2,
		widthGrad: p.Width.GradFrom(fit), posGrad: p.Position.GradFrom(fit), ampGrad: p.Amplitude.GradFrom(fit),
		iWidth: indexOf(p.Width), iPos: indexOf(p.Position), iAmp: indexOf(p.Amplitude),
	}
}

func indexOf(p *param.Parameter) int {
	if p.ValidIndex() {
		return p.Index()
	}
	return invalidIndex
}

func withSpread(pre precalc, position, x float64) precalc {
	pre.spread = (x - position) / pre.width
	return pre
}

// Eval returns the peak's contribution at channel x using cached parameter
// values: the Gaussian plus any enabled tail and step corrections.
func (p *Peak) Eval(x float64) float64 {
	pre := withSpread(p.precalc(), p.Position.Value(), x)
	ret := pre.ampl * guardedExp(-pre.spread*pre.spread)
	if p.ShortTail.Enabled {
		ret += p.ShortTail.Eval(pre)
	}
	if p.RightTail.Enabled {
		ret += p.RightTail.Eval(pre)
	}
	if p.LongTail.Enabled {
		ret += p.LongTail.Eval(pre)
	}
	if p.Step.Enabled {
		ret += p.Step.Eval(pre)
	}
	return ret
}

// EvalAt is Eval reading every parameter from an external fit vector.
func (p *Peak) EvalAt(x float64, fit []float64) float64 {
	pre := withSpread(p.precalcAt(fit), p.Position.ValueFrom(fit), x)
	ret := pre.ampl * guardedExp(-pre.spread*pre.spread)
	if p.ShortTail.Enabled {
		ret += p.ShortTail.EvalAt(pre, fit)
	}
	if p.RightTail.Enabled {
		ret += p.RightTail.EvalAt(pre, fit)
	}
	if p.LongTail.Enabled {
		ret += p.LongTail.EvalAt(pre, fit)
	}
	if p.Step.Enabled {
		ret += p.Step.EvalAt(pre, fit)
	}
	return ret
}

// EvalGradAt is EvalAt, additionally accumulating the peak's partial
// derivative at x w.r.t. every enrolled proxy into grads.
func (p *Peak) EvalGradAt(x float64, fit, grads []float64) float64 {
	pre := withSpread(p.precalcAt(fit), p.Position.ValueFrom(fit), x)
	g := guardedExp(-pre.spread * pre.spread)
	gauss := pre.ampl * g

	if pre.iPos > invalidIndex {
		grads[pre.iPos] += pre.posGrad * 2.0 * gauss * pre.spread / pre.width
	}
	if pre.iWidth > invalidIndex {
		grads[pre.iWidth] += pre.widthGrad * 2.0 * gauss * pre.spread * pre.spread / pre.width
	}
	if pre.iAmp > invalidIndex {
		grads[pre.iAmp] += pre.ampGrad * g
	}

	ret := gauss
	if p.ShortTail.Enabled {
		ret += p.ShortTail.EvalGradAt(pre, fit, grads)
	}
	if p.RightTail.Enabled {
		ret += p.RightTail.EvalGradAt(pre, fit, grads)
	}
	if p.LongTail.Enabled {
		ret += p.LongTail.EvalGradAt(pre, fit, grads)
	}
	if p.Step.Enabled {
		ret += p.Step.EvalGradAt(pre, fit, grads)
	}
	return ret
}

// EvalStepTail returns only the step and tail corrections at channel x,
// used for rendering the background-plus-steps curve underneath the fit.
func (p *Peak) EvalStepTail(x float64) float64 {
	pre := withSpread(p.precalc(), p.Position.Value(), x)
	var ret float64
	if p.ShortTail.Enabled {
		ret += p.ShortTail.Eval(pre)
	}
	if p.RightTail.Enabled {
		ret += p.RightTail.Eval(pre)
	}
	if p.LongTail.Enabled {
		ret += p.LongTail.Eval(pre)
	}
	if p.Step.Enabled {
		ret += p.Step.Eval(pre)
	}
	return ret
}

// SyncShared copies the template's proxies into every sub-component this
// peak shares with it (does not locally override), so linked parameters
// agree on their common fit-vector slot before the first Put. A shared
// width also takes the template's bounds, so the same proxy maps to the
// same width.
func (p *Peak) SyncShared(tpl *Peak) {
	if !p.WidthOverride {
		if min, max, ok := tpl.Width.Bounds(); ok {
			p.Width.SetBounds(min, max)
		}
		p.Width.SetX(tpl.Width.X())
	}
	p.ShortTail.SyncShared(tpl.ShortTail)
	p.RightTail.SyncShared(tpl.RightTail)
	p.LongTail.SyncShared(tpl.LongTail)
	p.Step.SyncShared(tpl.Step)
}

// Clone returns a deep copy of the peak.
func (p *Peak) Clone() *Peak {
	return &Peak{
		Position:      p.Position.Clone(),
		Amplitude:     p.Amplitude.Clone(),
		Width:         p.Width.Clone(),
		WidthOverride: p.WidthOverride,
		ShortTail:     p.ShortTail.Clone(),
		RightTail:     p.RightTail.Clone(),
		LongTail:      p.LongTail.Clone(),
		Step:          p.Step.Clone(),
	}
}

// FWHM returns the full width at half maximum of the Gaussian core,
// 2*w*sqrt(ln2).
func (p *Peak) FWHM() float64 {
	return 2.0 * p.Width.Value() * math.Sqrt(math.Ln2)
}

// AreaValue is the analytic integral of the Gaussian plus first-order
// corrections from the short and right tails:
// A*w*sqrt(pi)*(1 + aL*w*sL + aR*w*sR). The long tail and step do not
// contribute (see DESIGN.md, Open Question on analytic area).
func (p *Peak) AreaValue() float64 {
	A := p.Amplitude.Value()
	w := p.Width.Value()
	aL, sL := 0.0, 1.0
	if p.ShortTail.Enabled {
		aL, sL = p.ShortTail.Amplitude.Value(), p.ShortTail.Slope.Value()
	}
	aR, sR := 0.0, 1.0
	if p.RightTail.Enabled {
		aR, sR = p.RightTail.Amplitude.Value(), p.RightTail.Slope.Value()
	}
	return A * w * math.Sqrt(math.Pi) * (1.0 + aL*w*sL + aR*w*sR)
}

// AreaUncertainty propagates AreaValue's uncertainty from the amplitude and
// width uncertainties only (independent first-order propagation; it does
// not account for parameter covariance or tail-parameter uncertainty).
func (p *Peak) AreaUncertainty() float64 {
	A, dA := p.Amplitude.Value(), p.Amplitude.Uncert()
	w, dw := p.Width.Value(), p.Width.Uncert()
	if math.IsNaN(dA) {
		dA = 0
	}
	if math.IsNaN(dw) {
		dw = 0
	}
	k := math.Sqrt(math.Pi)
	dArea_dA := k * w
	dArea_dw := k * A
	return math.Hypot(dArea_dA*dA, dArea_dw*dw)
}

// Simplify forcibly disables and marks overridden every tail and step
// sub-component when the peak's amplitude is at or below maxAmplitude. It
// implements the region manager's small-peak simplification rule.
func (p *Peak) Simplify(maxAmplitude float64) {
	if p.Amplitude.Value() > maxAmplitude {
		return
	}
	for _, t := range []*Tail{p.ShortTail, p.RightTail, p.LongTail} {
		t.Enabled = false
		t.Override = true
	}
	p.Step.Enabled = false
	p.Step.Override = true
}

// ApplyDefaults propagates tail/step enable flags and bounds from the
// region's default peak template to every sub-component this peak has not
// locally overridden. Width is left untouched: WidthOverride is an
// explicit, user-set flag with no implicit default to propagate.
func (p *Peak) ApplyDefaults(tpl *Peak) {
	p.ShortTail.ApplyDefaults(tpl.ShortTail)
	p.RightTail.ApplyDefaults(tpl.RightTail)
	p.LongTail.ApplyDefaults(tpl.LongTail)
	p.Step.ApplyDefaults(tpl.Step)
}

// Sane reports whether the peak's enrolled bounded parameters lie away from
// their bounds and its Gaussian width/amplitude are finite and positive;
// used by the region's post-fit sanity check.
func (p *Peak) Sane(minEps, maxEps, slopeEps float64) bool {
	if !p.Amplitude.Finite() || p.Amplitude.Value() <= 0 {
		return false
	}
	if !p.Width.Finite() || p.Width.Value() <= 0 {
		return false
	}
	if p.Width.ToFit() && p.Width.AtExtremum(minEps, maxEps) {
		return false
	}
	if p.Position.ToFit() && p.Position.AtExtremum(minEps, maxEps) {
		return false
	}
	if !p.ShortTail.Sane(minEps, maxEps, slopeEps) {
		return false
	}
	if !p.RightTail.Sane(minEps, maxEps, slopeEps) {
		return false
	}
	if !p.LongTail.Sane(minEps, maxEps, slopeEps) {
		return false
	}
	if !p.Step.Sane(minEps, maxEps) {
		return false
	}
	return true
}

type jsonPeak struct {
	Type          string           `json:"type"`
	Position      *param.Parameter `json:"position"`
	Amplitude     *param.Parameter `json:"amplitude"`
	Width         *param.Parameter `json:"width"`
	WidthOverride bool             `json:"width_override"`
	ShortTail     *Tail            `json:"short_tail"`
	RightTail     *Tail            `json:"right_tail"`
	LongTail      *Tail            `json:"long_tail"`
	Step          *Step            `json:"step"`
}

// MarshalJSON serializes the peak as a self-describing "peak" tree.
func (p *Peak) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonPeak{
		Type:          "peak",
		Position:      p.Position,
		Amplitude:     p.Amplitude,
		Width:         p.Width,
		WidthOverride: p.WidthOverride,
		ShortTail:     p.ShortTail,
		RightTail:     p.RightTail,
		LongTail:      p.LongTail,
		Step:          p.Step,
	})
}

// UnmarshalJSON rebuilds the peak from its serialized tree.
func (p *Peak) UnmarshalJSON(data []byte) error {
	var in jsonPeak
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Type != "peak" {
		return fmt.Errorf("hypermet: expected type \"peak\", got %q", in.Type)
	}
	if in.Position == nil || in.Amplitude == nil || in.Width == nil {
		return fmt.Errorf("hypermet: peak missing position/amplitude/width")
	}
	if in.ShortTail == nil || in.RightTail == nil || in.LongTail == nil || in.Step == nil {
		return fmt.Errorf("hypermet: peak missing a tail/step sub-component")
	}
	p.Position = in.Position
	p.Amplitude = in.Amplitude
	p.Width = in.Width
	p.WidthOverride = in.WidthOverride
	p.ShortTail = in.ShortTail
	p.RightTail = in.RightTail
	p.LongTail = in.LongTail
	p.Step = in.Step
	return nil
}
