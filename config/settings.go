// Package config holds the fit-settings record: every tunable threshold of
// the peak-fitting pipeline, constructible in-process as a plain struct or
// loadable from a YAML file for batch use.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gammafit/calib"
)

// BoundedValue describes the bounds and starting value of a fittable
// parameter that settings pre-configure (width, tail amplitudes, slopes).
type BoundedValue struct {
	Min     float64 `yaml:"min"`
	Init    float64 `yaml:"init"`
	Max     float64 `yaml:"max"`
	Enabled bool    `yaml:"enabled"`
}

// KONSettings are the peak-detection tunables.
type KONSettings struct {
	// Width is the convolution kernel half-width in bins.
	Width int `yaml:"width"`
	// SigmaSpectrum is the detection threshold on raw counts.
	SigmaSpectrum float64 `yaml:"sigma_spectrum"`
	// SigmaResid is the (usually tighter) threshold on fit residuals.
	SigmaResid float64 `yaml:"sigma_resid"`
	// EdgeWidthFactor scales the calibrated finder's edge placement.
	EdgeWidthFactor float64 `yaml:"edge_width_factor"`
}

// ROISettings govern region construction.
type ROISettings struct {
	MaxPeaks              int     `yaml:"max_peaks"`
	ExtendBackground      float64 `yaml:"extend_background"`
	BackgroundEdgeSamples int     `yaml:"background_edge_samples"`
}

// ResidSettings govern residual-driven peak addition.
type ResidSettings struct {
	Auto          bool    `yaml:"auto"`
	MaxIterations int     `yaml:"max_iterations"`
	MinAmplitude  float64 `yaml:"min_amplitude"`
	TooClose      float64 `yaml:"too_close"`
}

// SmallPeakSettings govern the small-peak simplification rule.
type SmallPeakSettings struct {
	Simplify     bool    `yaml:"simplify"`
	MaxAmplitude float64 `yaml:"max_amplitude"`
}

// WidthSettings govern width sharing between a region's peaks.
type WidthSettings struct {
	Common         bool         `yaml:"common"`
	CommonBounds   BoundedValue `yaml:"common_bounds"`
	At511Variable  bool         `yaml:"at_511_variable"`
	At511Tolerance float64      `yaml:"at_511_tolerance"`
}

// PeakDefaults describe the default peak template: which tail/step
// sub-components new peaks start with, and their parameter bounds.
type PeakDefaults struct {
	LateralSlack   float64      `yaml:"lateral_slack"`
	GaussianOnly   bool         `yaml:"gaussian_only"`
	StepAmplitude  BoundedValue `yaml:"step_amplitude"`
	TailAmplitude  BoundedValue `yaml:"tail_amplitude"`
	TailSlope      BoundedValue `yaml:"tail_slope"`
	LSkewAmplitude BoundedValue `yaml:"lskew_amplitude"`
	LSkewSlope     BoundedValue `yaml:"lskew_slope"`
	RSkewAmplitude BoundedValue `yaml:"rskew_amplitude"`
	RSkewSlope     BoundedValue `yaml:"rskew_slope"`
}

// FitSettings is the complete tunables record handed to every pipeline
// operation. The zero value is not useful; start from Default().
type FitSettings struct {
	KON    KONSettings       `yaml:"kon"`
	ROI    ROISettings       `yaml:"roi"`
	Resid  ResidSettings     `yaml:"residuals"`
	Small  SmallPeakSettings `yaml:"small_peaks"`
	Width  WidthSettings     `yaml:"width"`
	Peak   PeakDefaults      `yaml:"peak"`
	Weight string            `yaml:"weight_strategy"`

	FitterMaxIter int `yaml:"fitter_max_iterations"`

	EnergyCalibration []float64 `yaml:"energy_calibration"`
	FWHMCalibration   []float64 `yaml:"fwhm_calibration"`

	RealTime time.Duration `yaml:"real_time"`
	LiveTime time.Duration `yaml:"live_time"`
}

// Default returns the settings the reference pipeline ships with.
func Default() FitSettings {
	return FitSettings{
		KON: KONSettings{
			Width:           4,
			SigmaSpectrum:   3.0,
			SigmaResid:      3.0,
			EdgeWidthFactor: 3.5,
		},
		ROI: ROISettings{
			MaxPeaks:              10,
			ExtendBackground:      0.6,
			BackgroundEdgeSamples: 7,
		},
		Resid: ResidSettings{
			Auto:          true,
			MaxIterations: 5,
			MinAmplitude:  5.0,
			TooClose:      0.2,
		},
		Small: SmallPeakSettings{
			Simplify:     true,
			MaxAmplitude: 500,
		},
		Width: WidthSettings{
			Common:         false,
			CommonBounds:   BoundedValue{Min: 0.7, Init: 1.0, Max: 1.3},
			At511Variable:  true,
			At511Tolerance: 5.0,
		},
		Peak: PeakDefaults{
			LateralSlack:   0.5,
			GaussianOnly:   false,
			StepAmplitude:  BoundedValue{Min: 1e-6, Init: 0.05, Max: 0.75, Enabled: true},
			TailAmplitude:  BoundedValue{Min: 1e-6, Init: 0.05, Max: 1.5, Enabled: true},
			TailSlope:      BoundedValue{Min: 0.2, Init: 1.0, Max: 50, Enabled: true},
			LSkewAmplitude: BoundedValue{Min: 1e-6, Init: 0.005, Max: 0.75, Enabled: false},
			LSkewSlope:     BoundedValue{Min: 2, Init: 10, Max: 50, Enabled: false},
			RSkewAmplitude: BoundedValue{Min: 1e-6, Init: 0.005, Max: 0.75, Enabled: false},
			RSkewSlope:     BoundedValue{Min: 0.2, Init: 1.0, Max: 2, Enabled: false},
		},
		Weight:        "phillips_marlow",
		FitterMaxIter: 3000,
	}
}

// Load reads settings from a YAML file, starting from Default() so a
// partial file only overrides the keys it names.
func Load(path string) (FitSettings, error) {
	s := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return s, nil
}

// Save writes settings to a YAML file.
func (s FitSettings) Save(path string) error {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("config: encoding settings: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// Calibration assembles the opaque calibration bundle from the configured
// polynomial coefficients.
func (s FitSettings) Calibration() calib.FCalibration {
	return calib.FCalibration{
		Energy: calib.NewPolynomial(s.EnergyCalibration...),
		FWHM:   calib.NewPolynomial(s.FWHMCalibration...),
	}
}
