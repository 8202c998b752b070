package param

// unboundedTransform is the identity transform: val_at(x) = x.
type unboundedTransform struct{}

func (unboundedTransform) ValueAt(x float64) float64 { return x }
func (unboundedTransform) GradAt(float64) float64    { return 1.0 }
func (unboundedTransform) XFor(value float64) float64 { return value }
func (unboundedTransform) typeTag() string           { return "unbounded" }
