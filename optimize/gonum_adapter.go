package optimize

import (
	"errors"
	"sync/atomic"

	gopt "gonum.org/v1/gonum/optimize"
)

var errCancelled = errors.New("optimize: cancelled")

// GonumAdapter wraps gonum's BFGS implementation behind the same Minimizer
// interface as the native backend, giving callers an independently
// implemented minimizer for the identical bounded-least-squares problem.
// It does not derive an inverse Hessian; parameter uncertainties are only
// available from the native backend.
type GonumAdapter struct {
	// MaxIterations caps major iterations.
	MaxIterations int
	// Tolerance is the absolute function-convergence threshold.
	Tolerance float64

	cancel atomic.Bool
}

// NewGonumAdapter returns an adapter with the reference thresholds.
func NewGonumAdapter(maxIterations int) *GonumAdapter {
	return &GonumAdapter{MaxIterations: maxIterations, Tolerance: 1e-10}
}

// Cancel requests a prompt, non-error exit with the best point found.
func (a *GonumAdapter) Cancel() { a.cancel.Store(true) }

// ResetCancel clears a previously requested cancellation.
func (a *GonumAdapter) ResetCancel() { a.cancel.Store(false) }

// Cancelled reports whether cancellation has been requested.
func (a *GonumAdapter) Cancelled() bool { return a.cancel.Load() }

// Minimize translates the Fittable contract into a gonum optimize.Problem
// and the gonum result back into a FitResult.
func (a *GonumAdapter) Minimize(f Fittable) (FitResult, error) {
	init := f.Variables()
	if len(init) == 0 {
		return FitResult{}, ErrNoVariables
	}

	problem := gopt.Problem{
		Func: f.ChiSqAt,
		Grad: func(grad, x []float64) {
			f.ChiSqGradient(x, grad)
		},
		Status: func() (gopt.Status, error) {
			if a.cancel.Load() {
				return gopt.Failure, errCancelled
			}
			return gopt.NotTerminated, nil
		},
	}

	settings := &gopt.Settings{
		MajorIterations: a.MaxIterations,
		Converger: &gopt.FunctionConverge{
			Absolute:   a.Tolerance,
			Iterations: 20,
		},
	}

	res, err := gopt.Minimize(problem, init, settings, &gopt.BFGS{})
	if err != nil && !errors.Is(err, errCancelled) {
		if res == nil {
			return FitResult{Variables: init}, nil
		}
	}
	out := FitResult{Variables: init}
	if res != nil {
		out.Variables = res.X
		out.Iterations = res.Stats.MajorIterations
		switch res.Status {
		case gopt.FunctionConvergence, gopt.GradientThreshold, gopt.FunctionThreshold, gopt.StepConvergence, gopt.MethodConverge, gopt.Success:
			out.Converged = true
		}
	}
	return out, nil
}
