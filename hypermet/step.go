package hypermet

import (
	"encoding/json"
	"fmt"
	"math"

	"gammafit/param"
)

// Step is an erfc-shaped background correction on one side of a Gaussian:
//
//	step(amp, side) = (A/2) * amp * erfc(flip(side,spread))
type Step struct {
	Side      Side
	Enabled   bool
	Override  bool
	Amplitude *param.Parameter
}

// NewStep builds a Step on the given side with a default amplitude bound.
func NewStep(side Side, ampMin, ampInit, ampMax float64, enabled bool) *Step {
	return &Step{
		Side:      side,
		Enabled:   enabled,
		Amplitude: param.NewSineBounded(ampMin, ampMax, ampInit),
	}
}

func (s *Step) ResetIndices() { s.Amplitude.ResetIndex() }

func (s *Step) UpdateIndices(next *int) {
	if !s.Enabled {
		s.ResetIndices()
		return
	}
	s.Amplitude.UpdateIndex(next)
}

// UpdateIndicesShared is the Step analogue of Tail.UpdateIndicesShared.
func (s *Step) UpdateIndicesShared(next *int, tpl *Step) {
	if !s.Enabled {
		s.ResetIndices()
		return
	}
	if s.Override || tpl == nil {
		s.Amplitude.UpdateIndex(next)
		return
	}
	linkIndex(s.Amplitude, tpl.Amplitude)
}

func (s *Step) Put(fit []float64) { s.Amplitude.Put(fit) }
func (s *Step) Get(fit []float64) { s.Amplitude.Get(fit) }
func (s *Step) GetUncerts(diag []float64, chiSqNorm float64) {
	s.Amplitude.GetUncert(diag, chiSqNorm)
}

func (s *Step) evalWith(pre precalc, ampl float64) float64 {
	return pre.halfAmpl * ampl * math.Erfc(flip(s.Side, pre.spread))
}

// Eval returns the step's current contribution.
func (s *Step) Eval(pre precalc) float64 { return s.evalWith(pre, s.Amplitude.Value()) }

// EvalAt evaluates the step reading its amplitude from an external vector.
func (s *Step) EvalAt(pre precalc, fit []float64) float64 {
	return s.evalWith(pre, s.Amplitude.ValueFrom(fit))
}

// EvalGrad evaluates the step and accumulates its contribution to grads.
func (s *Step) EvalGrad(pre precalc, grads []float64) float64 {
	return s.evalGradWith(pre, grads, s.Amplitude.Value(), s.Amplitude.Grad())
}

// EvalGradAt is the EvalGrad analogue reading parameters from fit.
func (s *Step) EvalGradAt(pre precalc, fit, grads []float64) float64 {
	return s.evalGradWith(pre, grads, s.Amplitude.ValueFrom(fit), s.Amplitude.GradFrom(fit))
}

func (s *Step) evalGradWith(pre precalc, grads []float64, ampl, amplGrad float64) float64 {
	ret := s.evalWith(pre, ampl)

	common := pre.ampl * flip(s.Side, ampl) / math.Sqrt(math.Pi) *
		guardedExp(-square(pre.spread)) / pre.width
	if pre.iWidth > invalidIndex {
		grads[pre.iWidth] += pre.widthGrad * common * pre.spread
	}
	if pre.iPos > invalidIndex {
		grads[pre.iPos] += pre.posGrad * common
	}
	if pre.iAmp > invalidIndex {
		grads[pre.iAmp] += pre.ampGrad * ret / pre.ampl
	}
	if s.Amplitude.ValidIndex() {
		grads[s.Amplitude.Index()] += ret / ampl * amplGrad
	}
	return ret
}

// Sane reports whether the step's amplitude lies away from its bounds.
func (s *Step) Sane(ampMinEps, ampMaxEps float64) bool {
	if !s.Enabled {
		return true
	}
	if s.Amplitude.ToFit() && s.Amplitude.AtExtremum(ampMinEps, ampMaxEps) {
		return false
	}
	return true
}

// ApplyDefaults propagates enable/bounds from a template step unless locally overridden.
func (s *Step) ApplyDefaults(other *Step) {
	if s.Override {
		return
	}
	s.Enabled = other.Enabled
	if min, max, ok := other.Amplitude.Bounds(); ok {
		s.Amplitude.SetBounds(min, max)
	}
}

// ForceDefaults propagates from other regardless of override, clearing it.
func (s *Step) ForceDefaults(other *Step) {
	s.Override = false
	s.ApplyDefaults(other)
}

// SyncShared copies the template step's proxy into this step when it is
// not locally overridden.
func (s *Step) SyncShared(tpl *Step) {
	if s.Override {
		return
	}
	s.Amplitude.SetX(tpl.Amplitude.X())
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	return &Step{
		Side:      s.Side,
		Enabled:   s.Enabled,
		Override:  s.Override,
		Amplitude: s.Amplitude.Clone(),
	}
}

type jsonStep struct {
	Type      string           `json:"type"`
	Side      string           `json:"side"`
	Enabled   bool             `json:"enabled"`
	Override  bool             `json:"override"`
	Amplitude *param.Parameter `json:"amplitude"`
}

func (s *Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonStep{
		Type:      "step",
		Side:      s.Side.String(),
		Enabled:   s.Enabled,
		Override:  s.Override,
		Amplitude: s.Amplitude,
	})
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var in jsonStep
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Type != "step" {
		return fmt.Errorf("hypermet: expected type \"step\", got %q", in.Type)
	}
	side := SideLeft
	if in.Side == "right" {
		side = SideRight
	}
	if in.Amplitude == nil {
		return fmt.Errorf("hypermet: step missing amplitude")
	}
	s.Side = side
	s.Enabled = in.Enabled
	s.Override = in.Override
	s.Amplitude = in.Amplitude
	return nil
}
