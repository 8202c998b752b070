package sum4

import (
	"errors"
	"math"

	"gammafit/specdata"
)

// ErrEmptyArea is returned when an Area is constructed from empty data.
var ErrEmptyArea = errors.New("sum4: cannot build area from empty data")

// Area is the per-peak SUM4 result: gross/background/net areas, a
// background-subtracted centroid and FWHM, each as a value+sigma pair, plus
// the channel span they were computed over.
type Area struct {
	left, right float64

	GrossArea      Uncertain
	BackgroundArea Uncertain
	PeakArea       Uncertain
	Centroid       Uncertain
	FWHM           Uncertain
}

// NewArea computes the SUM4 area of a peak sample given its flanking
// background edges. gross - background == peak identically by construction.
func NewArea(data specdata.WeightedData, lb, rb Edge) (Area, error) {
	if data.Empty() {
		return Area{}, ErrEmptyArea
	}
	bg, err := BackgroundFrom(lb, rb)
	if err != nil {
		return Area{}, err
	}

	a := Area{
		left:  data.Channel[0],
		right: data.Channel[len(data.Channel)-1],
	}

	var sumVar float64
	for i, c := range data.Count {
		a.GrossArea.Value += c
		w := data.Weight[i]
		sumVar += w * w
	}
	a.GrossArea.Sigma = math.Sqrt(sumVar)

	width := a.PeakWidth()
	backgroundVariance := (0.5 * width) * (0.5 * width) * (lb.Variance() + rb.Variance())
	a.BackgroundArea = Uncertain{
		Value: 0.5 * width * (bg.Eval(a.right) + bg.Eval(a.left)),
		Sigma: math.Sqrt(backgroundVariance),
	}
	a.PeakArea = a.GrossArea.Sub(a.BackgroundArea)

	var sumYNet, cSumYNet, c2SumYNet float64
	for i, x := range data.Channel {
		yn := data.Count[i] - bg.Eval(x)
		sumYNet += yn
		cSumYNet += x * yn
		c2SumYNet += x * x * yn
	}
	centroid := cSumYNet / sumYNet
	centroidVariance := (c2SumYNet / sumYNet) - centroid*centroid
	a.Centroid = Uncertain{Value: centroid, Sigma: math.Sqrt(math.Abs(centroidVariance))}

	fwhmVal := 2.0 * math.Sqrt(math.Abs(centroidVariance)*math.Log(4.0))
	a.FWHM = Uncertain{Value: fwhmVal, Sigma: math.NaN()}

	return a, nil
}

// Left returns the peak sample's left channel.
func (a Area) Left() float64 { return a.left }

// Right returns the peak sample's right channel.
func (a Area) Right() float64 { return a.right }

// PeakWidth returns the channel width of the peak sample, inclusive of both ends.
func (a Area) PeakWidth() float64 {
	if math.IsNaN(a.left) || math.IsInf(a.left, 0) || math.IsNaN(a.right) || math.IsInf(a.right, 0) || a.right < a.left {
		return 0
	}
	return a.right - a.left + 1.0
}

// CurrieQuality returns the 1 (best) .. 5 (worst) Currie detection-quality
// indicator for the given net peak area and background variance.
func CurrieQuality(netArea, backgroundVariance float64) int {
	lq := 50 * (1 + math.Sqrt(1+backgroundVariance/12.5))
	ld := 2.71 + 4.65*math.Sqrt(backgroundVariance)
	lc := 2.33 * math.Sqrt(backgroundVariance)

	switch {
	case netArea > lq:
		return 1
	case netArea > ld:
		return 2
	case netArea > lc:
		return 3
	case netArea > 0:
		return 4
	default:
		return 5
	}
}

// Quality reports this area's Currie detection-quality indicator.
func (a Area) Quality() int {
	return CurrieQuality(a.PeakArea.Value, a.BackgroundArea.Sigma*a.BackgroundArea.Sigma)
}
