package calib

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestPolynomial_TransformAndDerivative(t *testing.T) {
	// 1 + 2x + 0.5x^2
	p := NewPolynomial(1, 2, 0.5)
	if got := p.Transform(0); !almostEqual(got, 1, 1e-12) {
		t.Errorf("Transform(0) = %v, want 1", got)
	}
	if got := p.Transform(2); !almostEqual(got, 7, 1e-12) {
		t.Errorf("Transform(2) = %v, want 7", got)
	}
	if got := p.Derivative(2); !almostEqual(got, 4, 1e-12) {
		t.Errorf("Derivative(2) = %v, want 4", got)
	}
}

func TestPolynomial_Inverse(t *testing.T) {
	p := NewPolynomial(0, 0.5, 1e-4)
	for _, x := range []float64{10, 100, 1000, 4000} {
		y := p.Transform(x)
		inv, err := p.Inverse(y, y, 1e-6)
		if err != nil {
			t.Fatalf("Inverse(%v): %v", y, err)
		}
		if !almostEqual(inv, x, 1e-3) {
			t.Errorf("Inverse(Transform(%v)) = %v", x, inv)
		}
	}
}

func TestPolynomial_InverseInvalid(t *testing.T) {
	var p Polynomial
	if _, err := p.Inverse(5, 0, 0.1); err == nil {
		t.Fatal("expected error from invalid calibration")
	}
}

func TestFCalibration_Identity(t *testing.T) {
	var c FCalibration
	if c.Valid() {
		t.Fatal("zero calibration should be invalid")
	}
	if got := c.BinToEnergy(123); got != 123 {
		t.Errorf("uncalibrated BinToEnergy(123) = %v", got)
	}
	if got := c.EnergyToFWHM(500); got != 1 {
		t.Errorf("uncalibrated EnergyToFWHM = %v, want 1", got)
	}
}

func TestFCalibration_BinToWidth(t *testing.T) {
	// 0.5 keV per bin, constant 2 keV FWHM: width should be 4 bins.
	c := FCalibration{
		Energy: NewPolynomial(0, 0.5),
		FWHM:   NewPolynomial(2),
	}
	if got := c.BinToWidth(100); !almostEqual(got, 4, 1e-6) {
		t.Errorf("BinToWidth(100) = %v, want 4", got)
	}
}
