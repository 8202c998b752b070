// Package manager wraps a region in a versioned state machine: it seeds
// peaks through the finder, drives fit / residual-search / refit
// iterations through an optimizer, applies post-fit sanity policy, and
// records an append-only history of region snapshots.
package manager

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"gammafit/config"
	"gammafit/finder"
	"gammafit/optimize"
	"gammafit/region"
	"gammafit/specdata"
)

var (
	// ErrNoPeaks is returned by refit on a region without peaks.
	ErrNoPeaks = errors.New("manager: region has no peaks to fit")
	// ErrBreakerOpen is returned instead of invoking the optimizer while
	// the manager's circuit breaker is open after a run of failed fits.
	ErrBreakerOpen = errors.New("manager: optimizer circuit breaker open")
	// ErrBadSnapshot is returned by rollback to a nonexistent snapshot.
	ErrBadSnapshot = errors.New("manager: no such snapshot")
)

// errNotConverged feeds the circuit breaker; it never escapes to callers.
var errNotConverged = errors.New("manager: fit did not converge")

// FitDescription summarizes one history snapshot.
type FitDescription struct {
	Description   string
	PeakCount     int
	ChiSqNorm     float64
	Sum4Aggregate float64
}

// Fit is one history snapshot: a full region copy, its description, and a
// stable identifier external callers can hold across rollbacks.
type Fit struct {
	ID          uuid.UUID
	Region      *region.Region
	Description FitDescription
	Sane        bool
}

// canceller is implemented by optimizer backends whose cancel flag the
// iterative loop polls between iterations.
type canceller interface {
	Cancelled() bool
}

// Option configures a RegionManager.
type Option func(*RegionManager)

// WithLogger sets the structured history logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *RegionManager) { m.log = l }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(metrics *Metrics) Option {
	return func(m *RegionManager) { m.metrics = metrics }
}

// WithRand sets the random source used for perturbation; fits are
// reproducible when a fixed-seed source is supplied.
func WithRand(rng *rand.Rand) Option {
	return func(m *RegionManager) { m.rng = rng }
}

// RegionManager owns exactly one region and its fit history. Its
// operations are not reentrant.
type RegionManager struct {
	region   *region.Region
	settings config.FitSettings

	fits       []Fit
	currentFit int

	log     zerolog.Logger
	metrics *Metrics
	breaker *gobreaker.CircuitBreaker
	rng     *rand.Rand
}

// New constructs a manager over a fresh region built from data: SUM4 edges
// from the outermost background_edge_samples bins, no peaks.
func New(data specdata.WeightedData, settings config.FitSettings, opts ...Option) (*RegionManager, error) {
	r, err := region.New(data, settings)
	if err != nil {
		return nil, err
	}
	m := &RegionManager{
		region:   r,
		settings: settings,
		log:      zerolog.Nop(),
		rng:      rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(m)
	}
	st := gobreaker.Settings{Name: fmt.Sprintf("fit-%v", r.Left())}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	m.breaker = gobreaker.NewCircuitBreaker(st)

	m.saveCurrentFit("Region created", true)
	return m, nil
}

// Region returns the live region. Callers must treat it as read-only;
// mutations go through the manager's operations.
func (m *RegionManager) Region() *region.Region { return m.region }

// Snapshot returns a full copy of the current region, safe to hand to
// another goroutine while a fit worker is active.
func (m *RegionManager) Snapshot() *region.Region { return m.region.Clone() }

// History returns the descriptions of every snapshot, oldest first.
func (m *RegionManager) History() []FitDescription {
	out := make([]FitDescription, len(m.fits))
	for i, f := range m.fits {
		out[i] = f.Description
	}
	return out
}

// Fits returns the snapshots themselves.
func (m *RegionManager) Fits() []Fit { return m.fits }

// CurrentFit returns the index of the active snapshot.
func (m *RegionManager) CurrentFit() int { return m.currentFit }

func (m *RegionManager) saveCurrentFit(description string, sane bool) {
	desc := FitDescription{
		Description: description,
		PeakCount:   len(m.region.Peaks),
	}
	if !m.region.Empty() && m.region.VariableCount() > 0 {
		desc.ChiSqNorm = m.region.ChiSqNorm()
	}
	var grossTot, backTot float64
	var grossVar, backVar float64
	for _, p := range m.region.Peaks {
		grossTot += p.Sum4.GrossArea.Value
		backTot += p.Sum4.BackgroundArea.Value
		grossVar += p.Sum4.GrossArea.Sigma * p.Sum4.GrossArea.Sigma
		backVar += p.Sum4.BackgroundArea.Sigma * p.Sum4.BackgroundArea.Sigma
	}
	desc.Sum4Aggregate = sqrtSum(grossVar, backVar)

	m.fits = append(m.fits, Fit{
		ID:          uuid.New(),
		Region:      m.region.Clone(),
		Description: desc,
		Sane:        sane,
	})
	m.currentFit = len(m.fits) - 1

	if m.metrics != nil {
		m.metrics.PeakCount.Set(float64(desc.PeakCount))
		m.metrics.ChiSqNorm.Set(desc.ChiSqNorm)
	}
	m.log.Info().
		Str("fit_id", m.fits[m.currentFit].ID.String()).
		Str("description", description).
		Int("peaks", desc.PeakCount).
		Float64("chi_sq_norm", desc.ChiSqNorm).
		Bool("sane", sane).
		Msg("snapshot saved")
}

func sqrtSum(a, b float64) float64 {
	s := a + b
	if s <= 0 {
		return 0
	}
	return math.Sqrt(s)
}

// Refit re-indexes the region's parameters, minimizes, writes the result
// back, recomputes SUM4 areas, applies small-peak simplification, and
// saves a "Refit" snapshot. Non-convergence is not an error; a run of
// non-converged or failed fits eventually opens the circuit breaker.
func (m *RegionManager) Refit(opt optimize.Minimizer) error {
	if m.region.Empty() {
		return ErrNoPeaks
	}

	m.region.UpdateIndices()

	res, err := m.breaker.Execute(func() (interface{}, error) {
		result, merr := opt.Minimize(m.region)
		if merr != nil {
			return nil, merr
		}
		if !result.Converged {
			return result, errNotConverged
		}
		return result, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if m.metrics != nil {
			m.metrics.BreakerTrips.Inc()
		}
		return ErrBreakerOpen
	}
	if err != nil && !errors.Is(err, errNotConverged) {
		return err
	}
	result := res.(optimize.FitResult)

	if m.metrics != nil {
		m.metrics.Fits.Inc()
		m.metrics.FitIterations.Observe(float64(result.Iterations))
		if result.Converged {
			m.metrics.Converged.Inc()
		} else {
			m.metrics.NotConverged.Inc()
		}
	}

	m.region.SaveFit(result)
	m.region.Simplify()

	sane := m.region.Sane()
	if !sane {
		if m.metrics != nil {
			m.metrics.NotSane.Inc()
		}
		m.log.Warn().Msg("fit result not sane")
	}

	m.saveCurrentFit("Refit", sane)
	return nil
}

// Sane reports whether the active snapshot passed the sanity check.
func (m *RegionManager) Sane() bool {
	if len(m.fits) == 0 {
		return true
	}
	return m.fits[m.currentFit].Sane
}

// PerturbAndRefit randomizes every enrolled proxy and refits, the recovery
// policy for a fit the sanity check rejected.
func (m *RegionManager) PerturbAndRefit(opt optimize.Minimizer) error {
	m.region.UpdateIndices()
	m.region.Perturb(m.rng)
	return m.Refit(opt)
}

// AddPeak inserts a peak bounded to [left, right] with the given amplitude
// hint, then refits.
func (m *RegionManager) AddPeak(opt optimize.Minimizer, left, right, ampHint float64) error {
	id, err := m.region.AddPeak(left, right, ampHint)
	if err != nil {
		return err
	}
	m.log.Info().Int64("peak", id).Float64("left", left).Float64("right", right).Msg("peak added")
	m.saveCurrentFit("Added peak", m.Sane())
	return m.Refit(opt)
}

// AddFromResidual runs the finder on the current fit residual, adds the
// tallest detection as a new peak, and refits. Reports whether a peak was
// added; no detection is a clean no-op.
func (m *RegionManager) AddFromResidual(opt optimize.Minimizer) (bool, error) {
	eval := m.region.Evaluate()
	if eval.Empty() {
		return false, nil
	}

	kon := finder.NewNaiveKON(eval.X, eval.YResid, true, m.finderSettings())
	target := kon.TallestDetected()
	if target.HighestY == 0 {
		return false, nil
	}
	if target.HighestY < m.settings.Resid.MinAmplitude {
		return false, nil
	}

	if _, err := m.region.AddPeak(target.Left, target.Right, target.HighestY); err != nil {
		// Detection landing on an existing peak or out of range ends the
		// residual search rather than failing it.
		m.log.Debug().Err(err).Msg("residual detection rejected")
		return false, nil
	}
	if m.metrics != nil {
		m.metrics.ResidAdditions.Inc()
	}
	m.saveCurrentFit("Added peak from residuals", m.Sane())
	return true, m.Refit(opt)
}

// FindAndFit seeds the region from the finder over the raw counts (the
// calibrated finder when calibrations are valid), fits, and, when
// resid_auto is set, continues with the iterative residual loop.
func (m *RegionManager) FindAndFit(opt optimize.Minimizer) error {
	cal := m.settings.Calibration()
	var kon *finder.KON
	if cal.Valid() {
		kon = finder.NewCalibratedKON(m.region.Data.Channel, m.region.Data.Count, false, m.finderSettings(), cal)
	} else {
		kon = finder.NewNaiveKON(m.region.Data.Channel, m.region.Data.Count, false, m.finderSettings())
	}

	for _, det := range kon.Detected {
		if _, err := m.region.AddPeak(det.Left, det.Right, det.HighestY); err != nil {
			if errors.Is(err, region.ErrTooManyPeaks) {
				break
			}
			m.log.Debug().Err(err).Float64("center", det.Center).Msg("detection rejected")
		}
	}
	if m.region.Empty() {
		return ErrNoPeaks
	}
	m.saveCurrentFit("Seeded from finder", m.Sane())

	if err := m.Refit(opt); err != nil {
		return err
	}
	if m.settings.Resid.Auto {
		return m.IterativeFit(opt)
	}
	return nil
}

// IterativeFit alternates residual-driven peak addition and refitting, up
// to resid_max_iterations times. It stops early on no detection, on a
// detection below resid_min_amplitude, or on optimizer cancellation.
func (m *RegionManager) IterativeFit(opt optimize.Minimizer) error {
	if m.region.Empty() {
		return ErrNoPeaks
	}
	for i := 0; i < m.settings.Resid.MaxIterations; i++ {
		if c, ok := opt.(canceller); ok && c.Cancelled() {
			break
		}
		added, err := m.AddFromResidual(opt)
		if err != nil {
			return err
		}
		if !added {
			break
		}
	}
	return nil
}

// AdjustSum4 recomputes one peak's SUM4 area over a new range; no refit.
func (m *RegionManager) AdjustSum4(id int64, left, right float64) error {
	if err := m.region.AdjustSum4(id, left, right); err != nil {
		return err
	}
	m.saveCurrentFit("Adjusted SUM4", m.Sane())
	return nil
}

// AdjustLB resamples the left background edge; no refit.
func (m *RegionManager) AdjustLB(left, right float64) error {
	if err := m.region.AdjustLB(left, right); err != nil {
		return err
	}
	m.saveCurrentFit("Adjusted left background edge", m.Sane())
	return nil
}

// AdjustRB resamples the right background edge; no refit.
func (m *RegionManager) AdjustRB(left, right float64) error {
	if err := m.region.AdjustRB(left, right); err != nil {
		return err
	}
	m.saveCurrentFit("Adjusted right background edge", m.Sane())
	return nil
}

// Replace swaps in a user-edited peak and marks the region dirty.
func (m *RegionManager) Replace(id int64, p *region.Peak) error {
	if err := m.region.ReplacePeak(id, p); err != nil {
		return err
	}
	m.saveCurrentFit("Replaced peak", m.Sane())
	return nil
}

// Remove deletes peaks and reindexes the remainder.
func (m *RegionManager) Remove(ids []int64) int {
	removed := m.region.RemovePeaks(ids)
	if removed > 0 {
		m.region.UpdateIndices()
		m.log.Info().Ints64("peaks", ids).Msg("peaks removed")
		m.saveCurrentFit("Removed peaks", m.Sane())
	}
	return removed
}

// Rollback restores the region from snapshot i and repoints the current
// fit there. History is never truncated; a later refit appends.
func (m *RegionManager) Rollback(i int) error {
	if i < 0 || i >= len(m.fits) {
		return ErrBadSnapshot
	}
	m.currentFit = i
	m.region = m.fits[i].Region.Clone()
	m.log.Info().Int("snapshot", i).Str("fit_id", m.fits[i].ID.String()).Msg("rolled back")
	return nil
}

func (m *RegionManager) finderSettings() finder.Settings {
	return finder.Settings{
		Width:           m.settings.KON.Width,
		SigmaSpectrum:   m.settings.KON.SigmaSpectrum,
		SigmaResid:      m.settings.KON.SigmaResid,
		EdgeWidthFactor: m.settings.KON.EdgeWidthFactor,
	}
}
