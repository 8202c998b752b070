// Package region implements the region of interest: a weighted-data slice,
// a polynomial background, a set of hypermet peaks keyed by position, and
// two SUM4 background edges, organized so that the region itself is the
// objective function handed to the optimizer.
package region

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gammafit/config"
	"gammafit/hypermet"
	"gammafit/optimize"
	"gammafit/specdata"
	"gammafit/sum4"
)

// Post-fit sanity epsilons: a bounded parameter closer than this to an
// extremum marks the result as not sane.
const (
	boundEpsilon = 1e-4
	slopeEpsilon = 1e-3
)

var (
	// ErrEmptyData is returned when a region is built from no points.
	ErrEmptyData = errors.New("region: cannot build region from empty data")
	// ErrTooManyPeaks is returned when AddPeak would exceed roi.max_peaks.
	ErrTooManyPeaks = errors.New("region: maximum peak count reached")
	// ErrPeakOutOfRange is returned when a peak's span leaves the data span.
	ErrPeakOutOfRange = errors.New("region: peak range outside region data")
	// ErrPeakTooClose is returned when a new peak lands within the
	// too-close fraction of an existing peak's FWHM.
	ErrPeakTooClose = errors.New("region: peak too close to an existing peak")
	// ErrNoSuchPeak is returned when a peak id is not present.
	ErrNoSuchPeak = errors.New("region: no such peak")
)

// Peak pairs a hypermet peak with its SUM4 area bookkeeping.
type Peak struct {
	Hypermet *hypermet.Peak
	Sum4     sum4.Area
}

// Clone returns a deep copy.
func (p *Peak) Clone() *Peak {
	return &Peak{Hypermet: p.Hypermet.Clone(), Sum4: p.Sum4}
}

// Region owns one fit unit of the spectrum. It implements the
// optimize.Fittable contract.
type Region struct {
	Data specdata.WeightedData

	Background  *hypermet.Background
	DefaultPeak *hypermet.Peak
	Peaks       map[int64]*Peak
	LB, RB      sum4.Edge

	settings      config.FitSettings
	variableCount int
	dirty         bool
}

// New constructs a region over data, seeding the left and right SUM4 edges
// from the outermost background_edge_samples bins and initializing the
// polynomial background from the line between them. No peaks.
func New(data specdata.WeightedData, settings config.FitSettings) (*Region, error) {
	if data.Empty() || !data.Valid() {
		return nil, ErrEmptyData
	}
	samples := settings.ROI.BackgroundEdgeSamples
	if samples < 1 {
		samples = 1
	}
	if samples > data.Len()/2 {
		samples = data.Len() / 2
	}
	lb, err := sum4.NewEdge(data.Left(samples))
	if err != nil {
		return nil, err
	}
	rb, err := sum4.NewEdge(data.Right(samples))
	if err != nil {
		return nil, err
	}

	r := &Region{
		Data:     data,
		Peaks:    make(map[int64]*Peak),
		LB:       lb,
		RB:       rb,
		settings: settings,
	}
	r.initBackground()
	r.DefaultPeak = r.newTemplatePeak()
	return r, nil
}

// Settings returns the region's settings record.
func (r *Region) Settings() config.FitSettings { return r.settings }

// initBackground seeds the quadratic background from the edge averages.
func (r *Region) initBackground() {
	span := r.Data.CountMax() - r.Data.CountMin()
	x0 := r.Data.Channel[0]
	r.Background = hypermet.NewBackground(x0, r.LB.Average().Value, math.Max(span, r.Data.CountMax()))
	run := r.RB.Left() - r.LB.Right()
	if run > 0 {
		r.Background.Slope.Set((r.RB.Average().Value - r.LB.Average().Value) / run)
	}
}

// newTemplatePeak builds the default peak template: position and amplitude
// are fixed (never enrolled), width and the tail/step sub-components carry
// the bounds and enable flags the settings prescribe.
func (r *Region) newTemplatePeak() *hypermet.Peak {
	widthGuess := r.widthGuess(0.5 * (r.Left() + r.Right()))
	wb := r.settings.Width.CommonBounds
	pd := r.settings.Peak

	tpl := hypermet.NewPeak(0.5*(r.Left()+r.Right()), 1, widthGuess, pd.LateralSlack)
	tpl.Position.SetToFit(false)
	tpl.Amplitude.SetToFit(false)
	tpl.Width.SetBounds(wb.Min*widthGuess, wb.Max*widthGuess)
	tpl.Width.Set(wb.Init * widthGuess)

	tpl.ShortTail = hypermet.NewTail(hypermet.SideLeft,
		pd.TailAmplitude.Min, pd.TailAmplitude.Init, pd.TailAmplitude.Max,
		pd.TailSlope.Min, pd.TailSlope.Init, pd.TailSlope.Max,
		pd.TailAmplitude.Enabled && !pd.GaussianOnly)
	tpl.RightTail = hypermet.NewTail(hypermet.SideRight,
		pd.RSkewAmplitude.Min, pd.RSkewAmplitude.Init, pd.RSkewAmplitude.Max,
		pd.RSkewSlope.Min, pd.RSkewSlope.Init, pd.RSkewSlope.Max,
		pd.RSkewAmplitude.Enabled && !pd.GaussianOnly)
	tpl.LongTail = hypermet.NewTail(hypermet.SideLeft,
		pd.LSkewAmplitude.Min, pd.LSkewAmplitude.Init, pd.LSkewAmplitude.Max,
		pd.LSkewSlope.Min, pd.LSkewSlope.Init, pd.LSkewSlope.Max,
		pd.LSkewAmplitude.Enabled && !pd.GaussianOnly)
	tpl.Step = hypermet.NewStep(hypermet.SideLeft,
		pd.StepAmplitude.Min, pd.StepAmplitude.Init, pd.StepAmplitude.Max,
		pd.StepAmplitude.Enabled && !pd.GaussianOnly)
	return tpl
}

// widthGuess estimates a Gaussian width (in channels) at the given channel
// from the FWHM calibration, falling back to 3 bins when uncalibrated.
func (r *Region) widthGuess(center float64) float64 {
	cal := r.settings.Calibration()
	if cal.Valid() {
		fwhm := cal.BinToWidth(center)
		if fwhm > 0 && !math.IsNaN(fwhm) && !math.IsInf(fwhm, 0) {
			return fwhm / (2.0 * math.Sqrt(math.Ln2))
		}
	}
	return 3.0
}

// Left returns the region's first channel.
func (r *Region) Left() float64 { return r.Data.Channel[0] }

// Right returns the region's last channel.
func (r *Region) Right() float64 { return r.Data.Channel[len(r.Data.Channel)-1] }

// Empty reports whether the region holds no peaks.
func (r *Region) Empty() bool { return len(r.Peaks) == 0 }

// Dirty reports whether parameters or structure changed since the last fit.
func (r *Region) Dirty() bool { return r.dirty }

// MarkDirty flags that indices are stale and a refit is needed.
func (r *Region) MarkDirty() { r.dirty = true }

// PeakIDs returns the peak ids in ascending channel order.
func (r *Region) PeakIDs() []int64 {
	ids := make([]int64, 0, len(r.Peaks))
	for id := range r.Peaks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AddPeak inserts a peak whose position is bounded to [left, right], with
// amplitude initialized to ampHint (estimated from the data when zero).
// This is the only way a peak enters a region, so every bounded parameter's
// interval is guaranteed to stay inside the data span.
func (r *Region) AddPeak(left, right, ampHint float64) (int64, error) {
	if left < r.Left() || right > r.Right() || left >= right {
		return 0, fmt.Errorf("%w: [%v, %v] not in [%v, %v]", ErrPeakOutOfRange, left, right, r.Left(), r.Right())
	}
	if len(r.Peaks) >= r.settings.ROI.MaxPeaks {
		return 0, ErrTooManyPeaks
	}

	center := 0.5 * (left + right)
	width := r.widthGuess(center)

	for _, p := range r.Peaks {
		if math.Abs(p.Hypermet.Position.Value()-center) < r.settings.Resid.TooClose*p.Hypermet.FWHM() {
			return 0, ErrPeakTooClose
		}
	}

	if ampHint <= 0 {
		sub := r.Data.Subset(left, right)
		if !sub.Empty() {
			ampHint = math.Max(sub.CountMax()-r.Background.Eval(center), 1)
		} else {
			ampHint = 1
		}
	}

	hp := hypermet.NewPeak(center, ampHint, width, r.settings.Peak.LateralSlack)
	hp.Position.SetBounds(left, right)
	hp.ApplyDefaults(r.DefaultPeak)
	if !r.settings.Width.Common {
		hp.WidthOverride = true
	}
	if r.settings.Width.At511Variable {
		cal := r.settings.Calibration()
		if cal.Valid() && math.Abs(cal.BinToEnergy(center)-511.0) < r.settings.Width.At511Tolerance {
			hp.WidthOverride = true
		}
	}

	id := hp.ID()
	peak := &Peak{Hypermet: hp}
	if area, err := sum4.NewArea(r.Data.Subset(left, right), r.LB, r.RB); err == nil {
		peak.Sum4 = area
	}
	r.Peaks[id] = peak
	r.dirty = true
	return id, nil
}

// RemovePeaks removes the given peaks and reindexes the rest.
func (r *Region) RemovePeaks(ids []int64) int {
	removed := 0
	for _, id := range ids {
		if _, ok := r.Peaks[id]; ok {
			delete(r.Peaks, id)
			removed++
		}
	}
	if removed > 0 {
		r.dirty = true
	}
	return removed
}

// ReplacePeak swaps in a user-edited peak for the given id. The new peak is
// re-keyed by its own position.
func (r *Region) ReplacePeak(id int64, p *Peak) error {
	if _, ok := r.Peaks[id]; !ok {
		return ErrNoSuchPeak
	}
	delete(r.Peaks, id)
	r.Peaks[p.Hypermet.ID()] = p
	r.dirty = true
	return nil
}

// AdjustSum4 recomputes one peak's SUM4 area over a new channel range.
// It does not refit.
func (r *Region) AdjustSum4(id int64, left, right float64) error {
	p, ok := r.Peaks[id]
	if !ok {
		return ErrNoSuchPeak
	}
	area, err := sum4.NewArea(r.Data.Subset(left, right), r.LB, r.RB)
	if err != nil {
		return err
	}
	p.Sum4 = area
	return nil
}

// AutoSum4 recomputes every peak's SUM4 area: over the peak's existing
// sample range where one was set, else over position +/- 2 FWHM.
func (r *Region) AutoSum4() {
	for _, p := range r.Peaks {
		left, right := p.Sum4.Left(), p.Sum4.Right()
		if right <= left {
			pos := p.Hypermet.Position.Value()
			halfSpan := 2.0 * p.Hypermet.FWHM()
			left, right = pos-halfSpan, pos+halfSpan
		}
		if area, err := sum4.NewArea(r.Data.Subset(left, right), r.LB, r.RB); err == nil {
			p.Sum4 = area
		}
	}
}

// AdjustLB replaces the left background edge with a sample over the given
// channel range, then recomputes SUM4 areas. LB must stay left of RB.
func (r *Region) AdjustLB(left, right float64) error {
	if right >= r.RB.Left() {
		return fmt.Errorf("region: left edge [%v, %v] overlaps right edge", left, right)
	}
	edge, err := sum4.NewEdge(r.Data.Subset(left, right))
	if err != nil {
		return err
	}
	r.LB = edge
	r.AutoSum4()
	return nil
}

// AdjustRB is the right-edge analogue of AdjustLB.
func (r *Region) AdjustRB(left, right float64) error {
	if left <= r.LB.Right() {
		return fmt.Errorf("region: right edge [%v, %v] overlaps left edge", left, right)
	}
	edge, err := sum4.NewEdge(r.Data.Subset(left, right))
	if err != nil {
		return err
	}
	r.RB = edge
	r.AutoSum4()
	return nil
}

// Simplify applies the small-peak simplification rule to every peak, then
// marks the region dirty if anything changed.
func (r *Region) Simplify() {
	if !r.settings.Small.Simplify {
		return
	}
	for _, p := range r.Peaks {
		before := p.Hypermet.ShortTail.Enabled || p.Hypermet.RightTail.Enabled ||
			p.Hypermet.LongTail.Enabled || p.Hypermet.Step.Enabled
		p.Hypermet.Simplify(r.settings.Small.MaxAmplitude)
		after := p.Hypermet.ShortTail.Enabled || p.Hypermet.RightTail.Enabled ||
			p.Hypermet.LongTail.Enabled || p.Hypermet.Step.Enabled
		if before != after {
			r.dirty = true
		}
	}
}

// UpdateIndices runs the deterministic index-assignment pass: background
// coefficients first, then (when widths are common) the default peak
// template, then every peak in channel order. Must be re-run whenever any
// parameter's to-fit status, enable flag or override flag changes.
func (r *Region) UpdateIndices() {
	next := 0
	r.Background.UpdateIndices(&next)

	shared := r.settings.Width.Common && len(r.Peaks) > 0
	if shared {
		r.DefaultPeak.UpdateIndices(&next, nil)
	}
	for _, id := range r.PeakIDs() {
		p := r.Peaks[id].Hypermet
		if shared {
			p.SyncShared(r.DefaultPeak)
			p.UpdateIndices(&next, r.DefaultPeak)
		} else {
			p.UpdateIndices(&next, nil)
		}
	}
	r.variableCount = next
}

// VariableCount returns the number of enrolled fit-vector slots.
func (r *Region) VariableCount() int { return r.variableCount }

// Variables packs every enrolled proxy into a dense vector.
func (r *Region) Variables() []float64 {
	fit := make([]float64, r.variableCount)
	r.Background.Put(fit)
	if r.settings.Width.Common && len(r.Peaks) > 0 {
		r.DefaultPeak.Put(fit)
	}
	for _, id := range r.PeakIDs() {
		r.Peaks[id].Hypermet.Put(fit)
	}
	return fit
}

// Eval evaluates background plus all peaks at channel x using cached
// parameter values. Peaks are summed in ascending id order so repeated
// evaluations are bit-for-bit reproducible.
func (r *Region) Eval(x float64) float64 {
	ret := r.Background.Eval(x)
	for _, id := range r.PeakIDs() {
		ret += r.Peaks[id].Hypermet.Eval(x)
	}
	return ret
}

// EvalAt is Eval reading parameters from an external fit vector.
func (r *Region) EvalAt(x float64, fit []float64) float64 {
	ret := r.Background.EvalAt(x, fit)
	for _, id := range r.PeakIDs() {
		ret += r.Peaks[id].Hypermet.EvalAt(x, fit)
	}
	return ret
}

// EvalGradAt is EvalAt, also accumulating the model's partial derivatives
// at x w.r.t. every enrolled proxy into grads.
func (r *Region) EvalGradAt(x float64, fit, grads []float64) float64 {
	ret := r.Background.EvalGradAt(x, fit, grads)
	for _, id := range r.PeakIDs() {
		ret += r.Peaks[id].Hypermet.EvalGradAt(x, fit, grads)
	}
	return ret
}

// DegreesOfFreedom is max(0, N-P).
func (r *Region) DegreesOfFreedom() float64 {
	dof := float64(r.Data.Len()) - float64(r.variableCount)
	if dof < 0 {
		return 0
	}
	return dof
}

// ChiSq evaluates the objective at the cached parameter values.
func (r *Region) ChiSq() float64 {
	var chiSq float64
	for i, x := range r.Data.Channel {
		d := (r.Data.Count[i] - r.Eval(x)) / r.Data.Weight[i]
		chiSq += d * d
	}
	return chiSq
}

// ChiSqNorm is ChiSq normalized by the degrees of freedom.
func (r *Region) ChiSqNorm() float64 {
	dof := r.DegreesOfFreedom()
	if dof == 0 {
		return math.NaN()
	}
	return r.ChiSq() / dof
}

// ChiSqAt evaluates the objective at an external fit vector.
func (r *Region) ChiSqAt(fit []float64) float64 {
	var chiSq float64
	for i, x := range r.Data.Channel {
		d := (r.Data.Count[i] - r.EvalAt(x, fit)) / r.Data.Weight[i]
		chiSq += d * d
	}
	return chiSq
}

// ChiSqGradient evaluates the objective at fit and writes its analytic
// gradient into grad, returning the objective value. One loop over the
// data points accumulates both.
func (r *Region) ChiSqGradient(fit, grad []float64) float64 {
	for i := range grad {
		grad[i] = 0
	}
	channelGrads := make([]float64, len(fit))
	var chiSq float64
	for i, x := range r.Data.Channel {
		for j := range channelGrads {
			channelGrads[j] = 0
		}
		val := r.EvalGradAt(x, fit, channelGrads)
		sigma := r.Data.Weight[i]
		d := (r.Data.Count[i] - val) / sigma
		chiSq += d * d

		gradNorm := -2.0 * (r.Data.Count[i] - val) / (sigma * sigma)
		for j := range grad {
			grad[j] += channelGrads[j] * gradNorm
		}
	}
	return chiSq
}

// SaveFit writes an optimizer result back into the region: proxies from the
// final vector, uncertainties from the inverse-Hessian diagonal, peak map
// re-keyed by migrated positions, and SUM4 areas recomputed.
func (r *Region) SaveFit(result optimize.FitResult) {
	if len(result.Variables) != r.variableCount {
		return
	}
	fit := result.Variables
	r.Background.Get(fit)
	if r.settings.Width.Common && len(r.Peaks) > 0 {
		r.DefaultPeak.Get(fit)
	}
	for _, p := range r.Peaks {
		p.Hypermet.Get(fit)
	}

	if result.InvHessian != nil {
		diag := make([]float64, r.variableCount)
		for i := range diag {
			diag[i] = result.InvDiag(i)
		}
		chiSqNorm := r.ChiSqNorm()
		r.Background.GetUncerts(diag, chiSqNorm)
		if r.settings.Width.Common && len(r.Peaks) > 0 {
			r.DefaultPeak.GetUncerts(diag, chiSqNorm)
		}
		for _, p := range r.Peaks {
			p.Hypermet.GetUncerts(diag, chiSqNorm)
		}
	}

	r.ReindexPeaks()
	r.AutoSum4()
	r.dirty = false
}

// ReindexPeaks re-keys the peak map after positions migrated during a fit.
func (r *Region) ReindexPeaks() {
	rekeyed := make(map[int64]*Peak, len(r.Peaks))
	for _, p := range r.Peaks {
		rekeyed[p.Hypermet.ID()] = p
	}
	r.Peaks = rekeyed
}

// Perturb resets every enrolled parameter's proxy to a uniformly random
// value in [-pi/2, pi/2], the natural domain of the sine-bounded form.
// Reports whether anything was perturbed.
func (r *Region) Perturb(rng *rand.Rand) bool {
	perturbed := false
	r.forEachParam(func(p paramLike) {
		if p.ValidIndex() {
			p.SetX(rng.Float64()*math.Pi - math.Pi/2)
			perturbed = true
		}
	})
	return perturbed
}

type paramLike interface {
	ValidIndex() bool
	SetX(float64)
}

func (r *Region) forEachParam(f func(paramLike)) {
	f(r.Background.Base)
	f(r.Background.Slope)
	f(r.Background.Curve)
	peaks := []*hypermet.Peak{r.DefaultPeak}
	for _, id := range r.PeakIDs() {
		peaks = append(peaks, r.Peaks[id].Hypermet)
	}
	for _, hp := range peaks {
		f(hp.Position)
		f(hp.Amplitude)
		f(hp.Width)
		for _, t := range []*hypermet.Tail{hp.ShortTail, hp.RightTail, hp.LongTail} {
			f(t.Amplitude)
			f(t.Slope)
		}
		f(hp.Step.Amplitude)
	}
}

// Sane reports whether the latest result passes the post-fit sanity check:
// no enrolled bounded parameter at its bounds, no tail slope at its slope
// epsilon, all Gaussian widths and amplitudes finite and positive.
func (r *Region) Sane() bool {
	if !r.Background.Sane(boundEpsilon, boundEpsilon) {
		return false
	}
	for _, p := range r.Peaks {
		if !p.Hypermet.Sane(boundEpsilon, boundEpsilon, slopeEpsilon) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the region, safe to hand across goroutines.
func (r *Region) Clone() *Region {
	peaks := make(map[int64]*Peak, len(r.Peaks))
	for id, p := range r.Peaks {
		peaks[id] = p.Clone()
	}
	return &Region{
		Data:          r.Data,
		Background:    r.Background.Clone(),
		DefaultPeak:   r.DefaultPeak.Clone(),
		Peaks:         peaks,
		LB:            r.LB,
		RB:            r.RB,
		settings:      r.settings,
		variableCount: r.variableCount,
		dirty:         r.dirty,
	}
}
