package param

import "math"

// positiveTransform constrains the nominal value to [0, +inf) via x^2.
type positiveTransform struct{}

func (positiveTransform) ValueAt(x float64) float64 { return x * x }
func (positiveTransform) GradAt(x float64) float64  { return 2.0 * x }

func (positiveTransform) XFor(value float64) float64 {
	if value < 0 {
		value = 0
	}
	return math.Sqrt(value)
}

func (positiveTransform) typeTag() string { return "positive" }
