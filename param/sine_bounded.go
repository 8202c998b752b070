package param

import "math"

// sineBoundedTransform constrains the nominal value to [min, max] via
//
//	val_at(x) = (1 + sin(x)) * (max-min)/2 + min
//
// Setting a value outside the bounds clamps x to ±π/2 rather than letting
// asin overflow to NaN at exactly ±1.
type sineBoundedTransform struct {
	min, max float64
}

func (t *sineBoundedTransform) ValueAt(x float64) float64 {
	return (1.0+math.Sin(x))*(t.max-t.min)/2.0 + t.min
}

func (t *sineBoundedTransform) GradAt(x float64) float64 {
	return math.Cos(x) * (t.max - t.min) / 2.0
}

func (t *sineBoundedTransform) XFor(value float64) float64 {
	span := t.min - t.max
	if span == 0 {
		return 0
	}
	ratio := (t.min + t.max - 2.0*value) / span
	switch {
	case ratio >= 1:
		return math.Asin(1)
	case ratio <= -1:
		return math.Asin(-1)
	default:
		return math.Asin(ratio)
	}
}

func (t *sineBoundedTransform) typeTag() string { return "sine_bounded" }

func (t *sineBoundedTransform) Min() float64 { return t.min }
func (t *sineBoundedTransform) Max() float64 { return t.max }

func (t *sineBoundedTransform) SetBounds(min, max float64) {
	if min > max {
		min, max = max, min
	}
	t.min, t.max = min, max
}
