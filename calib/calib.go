// Package calib provides the nominal polynomial calibrations the fitting
// core consumes as opaque transforms: bin to energy and energy to FWHM.
// The core only ever asks a calibration whether it is valid, evaluates it
// forward, inverts it, or takes its derivative.
package calib

import (
	"errors"
	"math"
)

// ErrNotCalibrated is returned when an inverse is requested from an
// invalid (empty) calibration.
var ErrNotCalibrated = errors.New("calib: calibration has no coefficients")

// Polynomial is a nominal polynomial map c0 + c1*x + c2*x^2 + ... with
// forward and inverse evaluation and an analytic derivative. A zero-value
// Polynomial is invalid.
type Polynomial struct {
	Coefficients []float64
}

// NewPolynomial builds a calibration from its coefficients, lowest order
// first.
func NewPolynomial(coefficients ...float64) Polynomial {
	return Polynomial{Coefficients: append([]float64(nil), coefficients...)}
}

// Valid reports whether the calibration carries any coefficients.
func (p Polynomial) Valid() bool { return len(p.Coefficients) > 0 }

// Transform evaluates the polynomial at x (Horner).
func (p Polynomial) Transform(x float64) float64 {
	var ret float64
	for i := len(p.Coefficients) - 1; i >= 0; i-- {
		ret = ret*x + p.Coefficients[i]
	}
	return ret
}

// Derivative evaluates d(Transform)/dx at x.
func (p Polynomial) Derivative(x float64) float64 {
	var ret float64
	for i := len(p.Coefficients) - 1; i >= 1; i-- {
		ret = ret*x + float64(i)*p.Coefficients[i]
	}
	return ret
}

// Inverse finds x such that Transform(x) == y by Newton iteration from x0,
// to within tolerance. Calibration polynomials are monotone over the range
// of a physical spectrum, so Newton from any in-range starting point
// converges in a handful of steps.
func (p Polynomial) Inverse(y, x0, tolerance float64) (float64, error) {
	if !p.Valid() {
		return 0, ErrNotCalibrated
	}
	x := x0
	for i := 0; i < 100; i++ {
		d := p.Derivative(x)
		if d == 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			break
		}
		next := x - (p.Transform(x)-y)/d
		if math.Abs(next-x) < tolerance {
			return next, nil
		}
		x = next
	}
	return x, nil
}

// FCalibration bundles the two nominal maps a fit needs: bin to energy and
// energy to FWHM.
type FCalibration struct {
	Energy Polynomial
	FWHM   Polynomial
}

// Valid reports whether both maps carry coefficients.
func (c FCalibration) Valid() bool { return c.Energy.Valid() && c.FWHM.Valid() }

// BinToEnergy maps a channel to energy; identity when uncalibrated.
func (c FCalibration) BinToEnergy(bin float64) float64 {
	if !c.Energy.Valid() {
		return bin
	}
	return c.Energy.Transform(bin)
}

// EnergyToBin is the inverse of BinToEnergy; identity when uncalibrated.
func (c FCalibration) EnergyToBin(energy float64) float64 {
	if !c.Energy.Valid() {
		return energy
	}
	bin, err := c.Energy.Inverse(energy, energy, 0.1)
	if err != nil {
		return energy
	}
	return bin
}

// EnergyToFWHM maps energy to the theoretical FWHM at that energy, in
// energy units; 1 when uncalibrated.
func (c FCalibration) EnergyToFWHM(energy float64) float64 {
	if !c.FWHM.Valid() {
		return 1
	}
	return c.FWHM.Transform(energy)
}

// BinToWidth returns the theoretical FWHM at the given channel, expressed
// in channels: the channel span covered by [energy-fwhm/2, energy+fwhm/2].
func (c FCalibration) BinToWidth(bin float64) float64 {
	energy := c.BinToEnergy(bin)
	fwhm := c.EnergyToFWHM(energy)
	return c.EnergyToBin(energy+fwhm/2.0) - c.EnergyToBin(energy-fwhm/2.0)
}
