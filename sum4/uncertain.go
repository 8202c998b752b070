package sum4

import (
	"fmt"
	"math"
)

// Uncertain pairs a value with its one-sigma statistical uncertainty. It is
// the value+sigma representation used throughout SUM4 area and background
// bookkeeping.
type Uncertain struct {
	Value float64
	Sigma float64
}

// Add combines two statistically independent uncertain quantities.
func (u Uncertain) Add(o Uncertain) Uncertain {
	return Uncertain{Value: u.Value + o.Value, Sigma: math.Hypot(u.Sigma, o.Sigma)}
}

// Sub combines two statistically independent uncertain quantities.
func (u Uncertain) Sub(o Uncertain) Uncertain {
	return Uncertain{Value: u.Value - o.Value, Sigma: math.Hypot(u.Sigma, o.Sigma)}
}

// Scale multiplies by a constant (uncertainty scales with it too).
func (u Uncertain) Scale(k float64) Uncertain {
	return Uncertain{Value: u.Value * k, Sigma: math.Abs(k) * u.Sigma}
}

func (u Uncertain) String() string {
	return fmt.Sprintf("%g±%g", u.Value, u.Sigma)
}
