package manager

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the region manager exports so an
// embedding application can scrape the health of the fitting subsystem.
type Metrics struct {
	Fits           prometheus.Counter
	Converged      prometheus.Counter
	NotConverged   prometheus.Counter
	NotSane        prometheus.Counter
	BreakerTrips   prometheus.Counter
	PeakCount      prometheus.Gauge
	ChiSqNorm      prometheus.Gauge
	FitIterations  prometheus.Histogram
	ResidAdditions prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg (skipped
// when reg is nil, for managers that run without scraping).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Fits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gammafit_fits_total",
			Help: "Total optimizer invocations",
		}),
		Converged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gammafit_fits_converged_total",
			Help: "Fits that met a convergence criterion",
		}),
		NotConverged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gammafit_fits_not_converged_total",
			Help: "Fits that hit the iteration cap or were cancelled",
		}),
		NotSane: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gammafit_fits_not_sane_total",
			Help: "Fits rejected by the post-fit sanity check",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gammafit_breaker_open_total",
			Help: "Optimizer calls refused by an open circuit breaker",
		}),
		PeakCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gammafit_region_peaks",
			Help: "Peaks in the current region",
		}),
		ChiSqNorm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gammafit_region_chi_sq_norm",
			Help: "Normalized chi-square of the current fit",
		}),
		FitIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gammafit_fit_iterations",
			Help:    "Optimizer iterations per fit",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 3000},
		}),
		ResidAdditions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gammafit_resid_peaks_added_total",
			Help: "Peaks added from fit residuals",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Fits, m.Converged, m.NotConverged, m.NotSane,
			m.BreakerTrips, m.PeakCount, m.ChiSqNorm, m.FitIterations, m.ResidAdditions)
	}
	return m
}
