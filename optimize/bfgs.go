package optimize

import (
	"errors"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
)

// ErrNoVariables is returned when an objective enrolls no parameters.
var ErrNoVariables = errors.New("optimize: objective has no enrolled variables")

// BFGS is the native Broyden-Fletcher-Goldfarb-Shanno minimizer: at each
// iteration it chooses a search direction from its inverse-Hessian
// approximation, brackets a minimum along it, refines the step with
// Brent's derivative-aware method, and applies the BFGS inverse update.
// It terminates on objective-delta, gradient norm, iteration cap, or
// cancellation.
type BFGS struct {
	// MaxIterations caps outer BFGS iterations.
	MaxIterations int
	// Tolerance is the relative objective-delta termination criterion.
	Tolerance float64
	// GradTolerance is the gradient-norm termination criterion.
	GradTolerance float64

	cancel atomic.Bool
}

// NewBFGS returns a minimizer with the reference termination thresholds.
func NewBFGS(maxIterations int) *BFGS {
	return &BFGS{
		MaxIterations: maxIterations,
		Tolerance:     1e-10,
		GradTolerance: 1e-10,
	}
}

// Cancel requests a prompt, non-error exit with the best point found so
// far. Safe to call from any goroutine; polled between line searches.
func (b *BFGS) Cancel() { b.cancel.Store(true) }

// ResetCancel clears a previously requested cancellation.
func (b *BFGS) ResetCancel() { b.cancel.Store(false) }

// Cancelled reports whether cancellation has been requested.
func (b *BFGS) Cancelled() bool { return b.cancel.Load() }

// Minimize runs the BFGS iteration on the supplied objective. Failure to
// converge is reported in the result, not as an error; the only error is
// an objective with no variables.
func (b *BFGS) Minimize(f Fittable) (FitResult, error) {
	x := f.Variables()
	n := len(x)
	if n == 0 {
		return FitResult{}, ErrNoVariables
	}

	hessian := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		hessian.SetSym(i, i, 1)
	}

	grad := make([]float64, n)
	fval := f.ChiSqGradient(x, grad)

	result := FitResult{Variables: x, InvHessian: hessian}

	direction := make([]float64, n)
	s := make([]float64, n)
	y := make([]float64, n)
	gradNew := make([]float64, n)

	for iter := 0; iter < b.MaxIterations; iter++ {
		result.Iterations = iter + 1

		if b.cancel.Load() {
			break
		}

		// direction = -H * grad
		var gradNorm float64
		for i := 0; i < n; i++ {
			var d float64
			for j := 0; j < n; j++ {
				d += hessian.At(i, j) * grad[j]
			}
			direction[i] = -d
			gradNorm += grad[i] * grad[i]
		}
		if math.Sqrt(gradNorm) < b.GradTolerance {
			result.Converged = true
			break
		}

		lambda := lineSearch(f, x, direction)

		xNew := make([]float64, n)
		for i := range x {
			s[i] = lambda * direction[i]
			xNew[i] = x[i] + s[i]
		}
		fNew := f.ChiSqGradient(xNew, gradNew)

		deltaDone := 2*math.Abs(fNew-fval) <= b.Tolerance*(math.Abs(fNew)+math.Abs(fval)+brentZEps)

		var ys float64
		for i := range y {
			y[i] = gradNew[i] - grad[i]
			ys += y[i] * s[i]
		}

		if ys > bracketTiny {
			// Inverse BFGS update, expressed through three symmetric
			// rank-one terms so the approximation stays exactly symmetric:
			//   H' = H + c1*s*s' - rho/2*((w+s)(w+s)' - (w-s)(w-s)'),
			// where w = H*y, rho = 1/(y's), c1 = rho^2*(y'H y) + rho.
			rho := 1.0 / ys
			w := make([]float64, n)
			var yHy float64
			for i := 0; i < n; i++ {
				var wi float64
				for j := 0; j < n; j++ {
					wi += hessian.At(i, j) * y[j]
				}
				w[i] = wi
				yHy += y[i] * wi
			}
			c1 := rho*rho*yHy + rho

			wps := make([]float64, n)
			wms := make([]float64, n)
			for i := range w {
				wps[i] = w[i] + s[i]
				wms[i] = w[i] - s[i]
			}
			hessian.SymRankOne(hessian, c1, mat.NewVecDense(n, s))
			hessian.SymRankOne(hessian, -rho/2, mat.NewVecDense(n, wps))
			hessian.SymRankOne(hessian, rho/2, mat.NewVecDense(n, wms))
		}

		x = xNew
		fval = fNew
		copy(grad, gradNew)
		result.Variables = x

		if deltaDone {
			result.Converged = true
			break
		}
	}

	result.InvHessian = hessian
	return result, nil
}
