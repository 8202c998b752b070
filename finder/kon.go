// Package finder implements the KON convolution-based peak detector in its
// two variants: naive (fixed kernel width) and calibrated (kernel width
// from the theoretical FWHM at each bin). Both propose peak centers and
// edges from raw counts or from fit residuals.
package finder

import (
	"math"

	"gammafit/calib"
)

// DetectedPeak is one detection: the proposed center, the extended left and
// right edges, and the highest y value observed over the detection span.
type DetectedPeak struct {
	Center   float64
	Left     float64
	Right    float64
	HighestY float64
}

// Settings are the detection tunables a finder needs.
type Settings struct {
	// Width is the convolution kernel half-width in bins (minimum 2).
	Width int
	// SigmaSpectrum is the detection threshold against raw counts.
	SigmaSpectrum float64
	// SigmaResid is the detection threshold against fit residuals.
	SigmaResid float64
	// EdgeWidthFactor scales edge placement in the calibrated variant.
	EdgeWidthFactor float64
}

func (s Settings) sigma(residuals bool) float64 {
	if residuals {
		return s.SigmaResid
	}
	return s.SigmaSpectrum
}

// KON is a finished detection pass: the convolution vector and the filtered
// detections over one x/y pair.
type KON struct {
	settings  Settings
	residuals bool

	x, y []float64

	// fwTheoretical is per-bin theoretical FWHM; empty for the naive variant.
	fwTheoretical []float64

	// Convolution is the normalized finite-difference convolution of y.
	Convolution []float64
	// Detected holds the filtered detections, in channel order.
	Detected []DetectedPeak
}

// NewNaiveKON runs the naive finder over parallel x/y sequences. residuals
// selects the residual sigma threshold instead of the spectrum one.
func NewNaiveKON(x, y []float64, residuals bool, settings Settings) *KON {
	k := &KON{settings: settings, residuals: residuals, x: x, y: y}
	k.convolve()
	k.findPeaks()
	return k
}

// NewCalibratedKON runs the calibrated finder: the kernel width at each bin
// is the theoretical FWHM from the energy and FWHM calibrations, and edges
// are placed a half-FWHM-times-edge-width-factor away from the detection.
func NewCalibratedKON(x, y []float64, residuals bool, settings Settings, cal calib.FCalibration) *KON {
	k := &KON{settings: settings, residuals: residuals, x: x, y: y}
	if cal.Valid() {
		k.fwTheoretical = make([]float64, len(x))
		for i, c := range x {
			k.fwTheoretical[i] = cal.BinToWidth(c)
		}
	}
	k.convolve()
	k.findPeaks()
	return k
}

// convolve computes the normalized finite-difference convolution:
//
//	kon_j  = sum_{i=j..j+m+1} (2*y_i - y_{i-m} - y_{i+m})
//	conv_{j+m/2} = kon_j / sqrt(6*m*avg(y over the window))
func (k *KON) convolve() {
	width := k.settings.Width
	if width < 2 {
		width = 2
	}

	start := width
	end := len(k.x) - 1 - 2*width
	shift := width / 2

	if len(k.fwTheoretical) > 0 {
		for i := range k.fwTheoretical {
			if int(math.Ceil(k.fwTheoretical[i])) < i {
				start = i
				break
			}
		}
		for i := len(k.fwTheoretical) - 1; i >= 0; i-- {
			if 2*int(math.Ceil(k.fwTheoretical[i]))+i+1 < len(k.fwTheoretical) {
				end = i
				break
			}
		}
	}

	k.Convolution = make([]float64, len(k.y))
	for j := start; j < end; j++ {
		if len(k.fwTheoretical) > 0 {
			width = int(math.Floor(k.fwTheoretical[j]))
			if width < 2 {
				width = 2
			}
			shift = width / 2
			if j < width || j+2*width+1 >= len(k.y) {
				continue
			}
		}

		var kon, avg float64
		for i := j; i <= j+width+1; i++ {
			kon += 2*k.y[i] - k.y[i-width] - k.y[i+width]
			avg += k.y[i]
		}
		avg /= float64(width + 2)
		if avg <= 0 {
			continue
		}
		k.Convolution[j+shift] = kon / math.Sqrt(6.0*float64(width)*avg)
	}
}

// findPeaks filters contiguous runs of convolution samples above sigma into
// detections, extending each run's edges outward.
func (k *KON) findPeaks() {
	k.Detected = nil
	sigma := k.settings.sigma(k.residuals)

	var prelim []int
	for j, c := range k.Convolution {
		if c > sigma {
			prelim = append(prelim, j)
		}
	}
	if len(prelim) == 0 {
		return
	}

	var lefts, rights []int
	lefts = append(lefts, prelim[0])
	prev := prelim[0]
	for _, current := range prelim {
		if current-prev > 1 {
			rights = append(rights, prev)
			lefts = append(lefts, current)
		}
		prev = current
	}
	rights = append(rights, prev)

	for i := range lefts {
		l := k.leftEdge(lefts[i])
		r := k.rightEdge(rights[i])
		p := DetectedPeak{Left: k.x[l], Right: k.x[r]}
		for j := l; j <= r; j++ {
			p.HighestY = math.Max(p.HighestY, k.y[j])
		}
		p.Center = 0.5 * (p.Left + p.Right)
		k.Detected = append(k.Detected, p)
	}
}

// leftEdge walks outward from a detection: past the first non-negative
// convolution sample, skip one, then out further while the convolution
// stays below -sigma/2, clamped to the data bounds.
func (k *KON) leftEdge(idx int) int {
	if len(k.Convolution) == 0 || idx >= len(k.Convolution) {
		return 0
	}

	if len(k.fwTheoretical) > 0 {
		width := math.Floor(k.fwTheoretical[idx])
		goal := k.x[idx] - 0.5*width*k.settings.EdgeWidthFactor
		for idx > 0 && k.x[idx] > goal {
			idx--
		}
		return idx
	}

	threshold := -0.5 * k.settings.sigma(k.residuals)
	for idx > 0 && k.Convolution[idx] >= 0 {
		idx--
	}
	if idx > 0 {
		idx--
	}
	for idx > 0 && k.Convolution[idx] < threshold {
		idx--
	}
	return idx
}

// rightEdge is the mirror of leftEdge.
func (k *KON) rightEdge(idx int) int {
	if len(k.Convolution) == 0 || idx >= len(k.Convolution) {
		return 0
	}

	if len(k.fwTheoretical) > 0 {
		width := math.Floor(k.fwTheoretical[idx])
		goal := k.x[idx] + 0.5*width*k.settings.EdgeWidthFactor
		for idx < len(k.x)-1 && k.x[idx] < goal {
			idx++
		}
		return idx
	}

	threshold := -0.5 * k.settings.sigma(k.residuals)
	for idx < len(k.Convolution)-1 && k.Convolution[idx] >= 0 {
		idx++
	}
	if idx < len(k.Convolution)-1 {
		idx++
	}
	for idx < len(k.Convolution)-1 && k.Convolution[idx] < threshold {
		idx++
	}
	return idx
}

// TallestDetected returns the detection with the highest observed y, or a
// zero DetectedPeak when nothing was detected.
func (k *KON) TallestDetected() DetectedPeak {
	var p DetectedPeak
	for _, pp := range k.Detected {
		if pp.HighestY > p.HighestY {
			p = pp
		}
	}
	return p
}

// FindLeft returns the extended left edge channel for an arbitrary channel
// inside the data span; the first channel when out of range.
func (k *KON) FindLeft(chan_ float64) float64 {
	if len(k.x) == 0 {
		return 0
	}
	if chan_ < k.x[0] || chan_ >= k.x[len(k.x)-1] {
		return k.x[0]
	}
	i := len(k.x) - 1
	for i > 0 && k.x[i] > chan_ {
		i--
	}
	return k.x[k.leftEdge(i)]
}

// FindRight returns the extended right edge channel for an arbitrary
// channel inside the data span; the last channel when out of range.
func (k *KON) FindRight(chan_ float64) float64 {
	if len(k.x) == 0 {
		return 0
	}
	if chan_ < k.x[0] || chan_ >= k.x[len(k.x)-1] {
		return k.x[len(k.x)-1]
	}
	i := 0
	for i < len(k.x)-1 && k.x[i] < chan_ {
		i++
	}
	return k.x[k.rightEdge(i)]
}
