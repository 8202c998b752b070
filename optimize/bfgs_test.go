package optimize

import (
	"math"
	"testing"
)

// quadratic is a convex test objective sum((x_i - target_i)^2 * scale_i)
// with analytic gradient.
type quadratic struct {
	start  []float64
	target []float64
	scale  []float64
}

func (q *quadratic) Variables() []float64 { return append([]float64(nil), q.start...) }

func (q *quadratic) DegreesOfFreedom() float64 { return 1 }

func (q *quadratic) ChiSqAt(fit []float64) float64 {
	var sum float64
	for i, v := range fit {
		d := v - q.target[i]
		sum += q.scale[i] * d * d
	}
	return sum
}

func (q *quadratic) ChiSqGradient(fit, grad []float64) float64 {
	for i, v := range fit {
		grad[i] = 2 * q.scale[i] * (v - q.target[i])
	}
	return q.ChiSqAt(fit)
}

// rosenbrock is the classic banana-valley objective in two variables.
type rosenbrock struct{ start []float64 }

func (r *rosenbrock) Variables() []float64      { return append([]float64(nil), r.start...) }
func (r *rosenbrock) DegreesOfFreedom() float64 { return 1 }

func (r *rosenbrock) ChiSqAt(v []float64) float64 {
	a := 1 - v[0]
	b := v[1] - v[0]*v[0]
	return a*a + 100*b*b
}

func (r *rosenbrock) ChiSqGradient(v, grad []float64) float64 {
	a := 1 - v[0]
	b := v[1] - v[0]*v[0]
	grad[0] = -2*a - 400*v[0]*b
	grad[1] = 200 * b
	return a*a + 100*b*b
}

func backends(maxIter int) map[string]Minimizer {
	return map[string]Minimizer{
		"bfgs":  NewBFGS(maxIter),
		"gonum": NewGonumAdapter(maxIter),
	}
}

func TestMinimize_Quadratic(t *testing.T) {
	for name, opt := range backends(200) {
		q := &quadratic{
			start:  []float64{5, -3, 12},
			target: []float64{1, 2, 3},
			scale:  []float64{1, 10, 0.1},
		}
		res, err := opt.Minimize(q)
		if err != nil {
			t.Fatalf("%s: Minimize: %v", name, err)
		}
		if !res.Converged {
			t.Errorf("%s: did not converge", name)
		}
		for i, want := range q.target {
			if math.Abs(res.Variables[i]-want) > 1e-4 {
				t.Errorf("%s: variable %d = %v, want %v", name, i, res.Variables[i], want)
			}
		}
	}
}

func TestMinimize_Rosenbrock(t *testing.T) {
	for name, opt := range backends(2000) {
		res, err := opt.Minimize(&rosenbrock{start: []float64{-1.2, 1}})
		if err != nil {
			t.Fatalf("%s: Minimize: %v", name, err)
		}
		if !res.Converged {
			t.Errorf("%s: did not converge", name)
		}
		if math.Abs(res.Variables[0]-1) > 1e-3 || math.Abs(res.Variables[1]-1) > 1e-3 {
			t.Errorf("%s: minimum at %v, want (1, 1)", name, res.Variables)
		}
	}
}

func TestMinimize_NoVariables(t *testing.T) {
	for name, opt := range backends(100) {
		q := &quadratic{}
		if _, err := opt.Minimize(q); err == nil {
			t.Errorf("%s: expected ErrNoVariables", name)
		}
	}
}

func TestBFGS_CancelExitsPromptly(t *testing.T) {
	opt := NewBFGS(10000)
	opt.Cancel()
	q := &quadratic{
		start:  []float64{100},
		target: []float64{0},
		scale:  []float64{1},
	}
	res, err := opt.Minimize(q)
	if err != nil {
		t.Fatalf("Minimize: %v", err)
	}
	if res.Converged {
		t.Error("cancelled run should not report convergence")
	}
	if res.Iterations > 1 {
		t.Errorf("cancelled after %d iterations, want at most 1", res.Iterations)
	}
	opt.ResetCancel()
	if opt.Cancelled() {
		t.Error("ResetCancel did not clear the flag")
	}
}

func TestBFGS_InvHessianDiag(t *testing.T) {
	opt := NewBFGS(200)
	q := &quadratic{
		start:  []float64{4, 4},
		target: []float64{0, 0},
		scale:  []float64{1, 1},
	}
	res, err := opt.Minimize(q)
	if err != nil {
		t.Fatalf("Minimize: %v", err)
	}
	if res.InvHessian == nil {
		t.Fatal("native backend should supply an inverse Hessian")
	}
	// For f = x'x the Hessian is 2I; the BFGS estimate after an exact first
	// line search is of the right order, not exact.
	for i := 0; i < 2; i++ {
		if d := res.InvDiag(i); d <= 0 || d > 2 {
			t.Errorf("InvDiag(%d) = %v, want in (0, 2]", i, d)
		}
	}
}
