// Package specdata holds the weighted spectrum slice that a region fits:
// parallel channel/count/weight sequences plus the three weighting
// strategies the surrounding application may ask the core to apply.
package specdata

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when channel and count sequences disagree in
// length.
var ErrShapeMismatch = errors.New("specdata: channel and count length mismatch")

// ErrEmpty is returned by operations that require at least one data point.
var ErrEmpty = errors.New("specdata: data is empty")

// WeightedData is a contiguous slice of a spectrum: channel abscissa,
// counts, and a per-channel statistical weight used by the least-squares
// objective. Channel values need only be monotonically increasing.
type WeightedData struct {
	Channel []float64
	Count   []float64
	Weight  []float64
}

// New builds a WeightedData from channels and counts, computing weights
// with the given Strategy. It returns ErrShapeMismatch or ErrEmpty at the
// boundary, leaving no partially-built value behind.
func New(channel, count []float64, strategy Strategy) (WeightedData, error) {
	if len(channel) != len(count) {
		return WeightedData{}, fmt.Errorf("%w: %d channels, %d counts", ErrShapeMismatch, len(channel), len(count))
	}
	if len(channel) == 0 {
		return WeightedData{}, ErrEmpty
	}
	weight := make([]float64, len(count))
	for i := range count {
		weight[i] = strategy.Weight(count, i)
	}
	return WeightedData{
		Channel: append([]float64(nil), channel...),
		Count:   append([]float64(nil), count...),
		Weight:  weight,
	}, nil
}

// Valid reports whether the three sequences are non-empty and of equal length.
func (d WeightedData) Valid() bool {
	n := len(d.Channel)
	return n > 0 && n == len(d.Count) && n == len(d.Weight)
}

// Len returns the number of points.
func (d WeightedData) Len() int { return len(d.Channel) }

// Empty reports whether the slice holds no points.
func (d WeightedData) Empty() bool { return len(d.Channel) == 0 }

// CountMin returns the minimum count value, NaN if empty.
func (d WeightedData) CountMin() float64 {
	if len(d.Count) == 0 {
		return math.NaN()
	}
	min := d.Count[0]
	for _, c := range d.Count[1:] {
		if c < min {
			min = c
		}
	}
	return min
}

// CountMax returns the maximum count value, NaN if empty.
func (d WeightedData) CountMax() float64 {
	if len(d.Count) == 0 {
		return math.NaN()
	}
	max := d.Count[0]
	for _, c := range d.Count[1:] {
		if c > max {
			max = c
		}
	}
	return max
}

// Subset returns the points whose channel lies within [min(b1,b2), max(b1,b2)].
func (d WeightedData) Subset(b1, b2 float64) WeightedData {
	from, to := b1, b2
	if from > to {
		from, to = to, from
	}
	var ret WeightedData
	for i, c := range d.Channel {
		if c >= from && c <= to {
			ret.Channel = append(ret.Channel, c)
			ret.Count = append(ret.Count, d.Count[i])
			ret.Weight = append(ret.Weight, d.Weight[i])
		}
	}
	return ret
}

// Left returns the first size points (a left prefix); size is clamped to Len().
func (d WeightedData) Left(size int) WeightedData {
	if size > len(d.Channel) {
		size = len(d.Channel)
	}
	return WeightedData{
		Channel: append([]float64(nil), d.Channel[:size]...),
		Count:   append([]float64(nil), d.Count[:size]...),
		Weight:  append([]float64(nil), d.Weight[:size]...),
	}
}

// Right returns the last size points (a right suffix); size is clamped to Len().
func (d WeightedData) Right(size int) WeightedData {
	n := len(d.Channel)
	if size > n {
		size = n
	}
	return WeightedData{
		Channel: append([]float64(nil), d.Channel[n-size:]...),
		Count:   append([]float64(nil), d.Count[n-size:]...),
		Weight:  append([]float64(nil), d.Weight[n-size:]...),
	}
}

// Clear empties the slice in place.
func (d *WeightedData) Clear() {
	d.Channel = nil
	d.Count = nil
	d.Weight = nil
}
