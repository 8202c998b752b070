// Package optimize defines the minimizer contract the fitting core drives
// a region through, and two concrete backends behind it: a native BFGS
// minimizer with Brent derivative-aware line search, and an adapter over
// gonum's BFGS implementation.
package optimize

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Fittable is the objective-function contract a region implements.
type Fittable interface {
	// Variables packs every enrolled proxy into a dense vector.
	Variables() []float64
	// ChiSqAt evaluates the objective at an externally supplied vector.
	ChiSqAt(fit []float64) float64
	// ChiSqGradient evaluates the objective at fit and writes its gradient
	// into grad (len(grad) == len(fit)), returning the objective value.
	ChiSqGradient(fit, grad []float64) float64
	// DegreesOfFreedom is max(0, N-P) for N data points and P variables.
	DegreesOfFreedom() float64
}

// Perturbable is optionally implemented by objectives that can randomize
// their enrolled proxies between optimizer restarts. Perturb reports
// whether anything changed.
type Perturbable interface {
	Perturb(rng *rand.Rand) bool
}

// FitResult carries everything a minimization attempt produced. Failure to
// converge is reported here, never as an error.
type FitResult struct {
	// Variables are the values arrived at.
	Variables []float64
	// InvHessian is the inverse-Hessian approximation at the final point;
	// nil when the backend does not maintain one.
	InvHessian *mat.SymDense
	// Iterations used to reach the result.
	Iterations int
	// Converged reports whether a termination criterion other than the
	// iteration cap or cancellation was met.
	Converged bool
}

// InvDiag returns the i-th diagonal element of the inverse Hessian, or 0
// when the backend did not supply one; used for parameter uncertainties.
func (r FitResult) InvDiag(i int) float64 {
	if r.InvHessian == nil || i < 0 || i >= r.InvHessian.SymmetricDim() {
		return 0
	}
	return r.InvHessian.At(i, i)
}

// Minimizer is the one-operation optimizer interface.
type Minimizer interface {
	Minimize(f Fittable) (FitResult, error)
}
