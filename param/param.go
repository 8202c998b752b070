// Package param implements the fittable scalar parameter abstraction: a
// nominal value addressed through an unconstrained proxy so that a plain
// unconstrained optimizer can be reused to solve a box-constrained problem.
//
// Bounding lives entirely in the transform, never in the optimizer: the
// analytic derivative of the transform is the chain-rule factor that every
// composed model (peak, tail, step, background) multiplies its own partial
// derivative by before writing into a shared gradient vector.
package param

import (
	"encoding/json"
	"fmt"
	"math"
)

// InvalidIndex marks a parameter that has not been enrolled in a fit vector.
const InvalidIndex = -1

// Transform is the per-kind function table: the forward map from proxy to
// nominal value, its derivative, and the inverse map used when a caller sets
// a nominal value directly. Four concrete transforms exist: Unbounded,
// Positive, SineBounded and AtanBounded.
type Transform interface {
	// ValueAt is the forward transform val_at(x).
	ValueAt(x float64) float64
	// GradAt is d(val_at)/dx, the chain-rule multiplier.
	GradAt(x float64) float64
	// XFor returns the proxy x such that ValueAt(x) == value, clamping to
	// the nearest representable extremum when value lies outside the
	// transform's domain.
	XFor(value float64) float64
	// typeTag identifies the transform variant for serialization.
	typeTag() string
}

// Bounded is implemented by transforms that constrain the nominal value to
// a closed interval [Min, Max].
type Bounded interface {
	Transform
	Min() float64
	Max() float64
	SetBounds(min, max float64)
}

// Parameter is a single fittable scalar: a proxy x, an enrollment index into
// a dense fit vector, a to-fit flag, and a cached post-fit uncertainty.
type Parameter struct {
	transform Transform
	x         float64
	uncert    float64
	toFit     bool
	index     int
}

// NewUnbounded constructs a parameter with the identity transform.
func NewUnbounded(initial float64) *Parameter {
	p := &Parameter{transform: unboundedTransform{}, toFit: true, index: InvalidIndex, uncert: math.NaN()}
	p.Set(initial)
	return p
}

// NewPositive constructs a parameter bounded to [0, +inf) via x -> x^2.
func NewPositive(initial float64) *Parameter {
	p := &Parameter{transform: positiveTransform{}, toFit: true, index: InvalidIndex, uncert: math.NaN()}
	p.Set(initial)
	return p
}

// NewSineBounded constructs a parameter bounded to [min, max] via an
// asin-based sine transform.
func NewSineBounded(min, max, initial float64) *Parameter {
	p := &Parameter{transform: &sineBoundedTransform{min: min, max: max}, toFit: true, index: InvalidIndex, uncert: math.NaN()}
	p.Set(initial)
	return p
}

// NewAtanBounded constructs a parameter bounded to [min, max] via an
// atan-based transform whose slope tunes the steepness near the bounds.
func NewAtanBounded(min, max, slope, initial float64) *Parameter {
	p := &Parameter{transform: &atanBoundedTransform{min: min, max: max, slope: slope}, toFit: true, index: InvalidIndex, uncert: math.NaN()}
	p.Set(initial)
	return p
}

// X returns the current proxy value.
func (p *Parameter) X() float64 { return p.x }

// SetX overwrites the proxy directly; used by the optimizer and by Get.
func (p *Parameter) SetX(x float64) { p.x = x }

// Value returns the current nominal value, val_at(x).
func (p *Parameter) Value() float64 { return p.transform.ValueAt(p.x) }

// Set computes the proxy x such that Value() == v, clamping if v falls
// outside the transform's domain.
func (p *Parameter) Set(v float64) { p.x = p.transform.XFor(v) }

// Grad returns the chain-rule derivative of Value() w.r.t. the proxy.
func (p *Parameter) Grad() float64 { return p.transform.GradAt(p.x) }

// ValueFrom returns the nominal value as if the proxy were read out of an
// external fit vector rather than from the cached x.
func (p *Parameter) ValueFrom(fit []float64) float64 {
	if p.index > InvalidIndex {
		return p.transform.ValueAt(fit[p.index])
	}
	return p.Value()
}

// GradFrom is the gradient analogue of ValueFrom.
func (p *Parameter) GradFrom(fit []float64) float64 {
	if p.index > InvalidIndex {
		return p.transform.GradAt(fit[p.index])
	}
	return p.Grad()
}

// ToFit reports whether this parameter should be enrolled in the fit vector.
func (p *Parameter) ToFit() bool { return p.toFit }

// SetToFit flips the to-fit flag; the caller must re-run index assignment
// afterwards, since indices become stale.
func (p *Parameter) SetToFit(v bool) { p.toFit = v }

// Index returns the fit-vector index, or InvalidIndex if unenrolled.
func (p *Parameter) Index() int { return p.index }

// ValidIndex reports whether the parameter currently holds a real index.
func (p *Parameter) ValidIndex() bool { return p.index > InvalidIndex }

// UpdateIndex enrolls the parameter at *next and advances it, or resets the
// index to InvalidIndex when the parameter is not marked to-fit.
func (p *Parameter) UpdateIndex(next *int) {
	if !p.toFit {
		p.index = InvalidIndex
		return
	}
	p.index = *next
	*next++
}

// LinkIndex binds this parameter to an index already assigned to another
// parameter, without consuming a slot from a running counter. A region
// uses this when a peak does not override a sub-component: the peak keeps
// its own Parameter object (its own cached proxy), but Put/Get address the
// same slot in the external fit vector as the template's parameter, so the
// two stay numerically in lock-step without ever aliasing each other.
func (p *Parameter) LinkIndex(idx int) {
	if !p.toFit {
		p.index = InvalidIndex
		return
	}
	p.index = idx
}

// ResetIndex marks the parameter as unenrolled.
func (p *Parameter) ResetIndex() { p.index = InvalidIndex }

// Clone returns a deep copy: bounded transforms are copied so the clone's
// bounds can diverge from the original's.
func (p *Parameter) Clone() *Parameter {
	q := *p
	switch t := p.transform.(type) {
	case *sineBoundedTransform:
		tt := *t
		q.transform = &tt
	case *atanBoundedTransform:
		tt := *t
		q.transform = &tt
	}
	return &q
}

// Uncert returns the cached post-fit uncertainty, NaN if never computed.
func (p *Parameter) Uncert() float64 { return p.uncert }

// Put writes the proxy into the dense fit vector at this parameter's index.
func (p *Parameter) Put(fit []float64) {
	if p.index > InvalidIndex {
		fit[p.index] = p.x
	}
}

// Get reads the proxy back out of the dense fit vector.
func (p *Parameter) Get(fit []float64) {
	if p.index > InvalidIndex {
		p.x = fit[p.index]
	}
}

// GetUncert derives the parameter's uncertainty from the diagonal of the
// inverse Hessian and the fit's normalized chi-square.
func (p *Parameter) GetUncert(diag []float64, chiSqNorm float64) {
	if p.index > InvalidIndex {
		g := p.Grad()
		p.uncert = math.Sqrt(math.Abs(diag[p.index] * g * g * chiSqNorm))
	}
}

// AtExtremum reports whether the nominal value lies within the given
// epsilons of a bounded transform's min/max; unbounded transforms are never
// at an extremum.
func (p *Parameter) AtExtremum(minEpsilon, maxEpsilon float64) bool {
	b, ok := p.transform.(Bounded)
	if !ok {
		return false
	}
	v := p.Value()
	return (v-b.Min()) <= minEpsilon || (b.Max()-v) <= maxEpsilon
}

// Bounds returns (min, max, true) if the parameter is bounded, else (0, 0, false).
func (p *Parameter) Bounds() (float64, float64, bool) {
	b, ok := p.transform.(Bounded)
	if !ok {
		return 0, 0, false
	}
	return b.Min(), b.Max(), true
}

// SetBounds updates a bounded parameter's interval in place, preserving the
// nominal value (clamped if necessary). It is a no-op on unbounded kinds.
func (p *Parameter) SetBounds(min, max float64) {
	b, ok := p.transform.(Bounded)
	if !ok {
		return
	}
	v := p.Value()
	b.SetBounds(min, max)
	p.Set(v)
}

// Finite reports whether the current nominal value is finite,
// used by Region's post-fit sanity check.
func (p *Parameter) Finite() bool {
	return !math.IsNaN(p.Value()) && !math.IsInf(p.Value(), 0)
}

type jsonParameter struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	// Uncert is omitted while unset (NaN), which JSON cannot carry.
	Uncert *float64 `json:"uncert,omitempty"`
	ToFit  bool     `json:"to_fit"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Slope  *float64 `json:"slope,omitempty"`
}

// MarshalJSON serializes the parameter as a self-describing tree whose
// top-level "type" key identifies the transform variant.
func (p *Parameter) MarshalJSON() ([]byte, error) {
	out := jsonParameter{
		Type:  p.transform.typeTag(),
		X:     p.x,
		ToFit: p.toFit,
	}
	if !math.IsNaN(p.uncert) {
		u := p.uncert
		out.Uncert = &u
	}
	if b, ok := p.transform.(Bounded); ok {
		min, max := b.Min(), b.Max()
		out.Min, out.Max = &min, &max
	}
	if a, ok := p.transform.(*atanBoundedTransform); ok {
		out.Slope = &a.slope
	}
	return json.Marshal(out)
}

// UnmarshalJSON rebuilds a parameter from its serialized tree. The target is
// left unmodified if the "type" tag does not match a known transform.
func (p *Parameter) UnmarshalJSON(data []byte) error {
	var in jsonParameter
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var t Transform
	switch in.Type {
	case unboundedTransform{}.typeTag():
		t = unboundedTransform{}
	case positiveTransform{}.typeTag():
		t = positiveTransform{}
	case (&sineBoundedTransform{}).typeTag():
		if in.Min == nil || in.Max == nil {
			return fmt.Errorf("param: sine_bounded requires min and max")
		}
		t = &sineBoundedTransform{min: *in.Min, max: *in.Max}
	case (&atanBoundedTransform{}).typeTag():
		if in.Min == nil || in.Max == nil {
			return fmt.Errorf("param: atan_bounded requires min and max")
		}
		slope := 1.0
		if in.Slope != nil {
			slope = *in.Slope
		}
		t = &atanBoundedTransform{min: *in.Min, max: *in.Max, slope: slope}
	default:
		return fmt.Errorf("param: unknown parameter type %q", in.Type)
	}
	p.transform = t
	p.x = in.X
	p.toFit = in.ToFit
	p.uncert = math.NaN()
	if in.Uncert != nil {
		p.uncert = *in.Uncert
	}
	p.index = InvalidIndex
	return nil
}
