package manager

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gammafit/config"
	"gammafit/optimize"
	"gammafit/specdata"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// poisson draws a Poisson sample; normal approximation above lambda 30.
func poisson(rng *rand.Rand, lambda float64) float64 {
	if lambda > 30 {
		return math.Max(0, math.Round(lambda+math.Sqrt(lambda)*rng.NormFloat64()))
	}
	l := math.Exp(-lambda)
	k := 0.0
	p := 1.0
	for {
		p *= rng.Float64()
		if p <= l {
			return k
		}
		k++
	}
}

func spectrum(n int, background float64, noise bool, seed int64, peaks ...[3]float64) ([]float64, []float64) {
	rng := rand.New(rand.NewSource(seed))
	channels := make([]float64, n)
	counts := make([]float64, n)
	for i := range channels {
		channels[i] = float64(i)
		mu := background
		for _, p := range peaks {
			center, width, amplitude := p[0], p[1], p[2]
			spread := (float64(i) - center) / width
			mu += amplitude * math.Exp(-spread*spread)
		}
		if noise {
			counts[i] = poisson(rng, mu)
		} else {
			counts[i] = mu
		}
	}
	return channels, counts
}

func newManager(t *testing.T, s config.FitSettings, channels, counts []float64) *RegionManager {
	t.Helper()
	data, err := specdata.New(channels, counts, specdata.PhillipsMarlowWeight{})
	if err != nil {
		t.Fatalf("specdata.New: %v", err)
	}
	mgr, err := New(data, s)
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	return mgr
}

func TestFindAndFit_SingleCleanPeak(t *testing.T) {
	channels, counts := spectrum(200, 10, true, 7, [3]float64{100, 5, 1000})
	s := config.Default()
	s.Peak.GaussianOnly = true
	s.Resid.Auto = false
	s.KON.SigmaSpectrum = 4.0

	mgr := newManager(t, s, channels, counts)
	opt := optimize.NewBFGS(s.FitterMaxIter)
	if err := mgr.FindAndFit(opt); err != nil {
		t.Fatalf("FindAndFit: %v", err)
	}

	r := mgr.Region()
	if len(r.Peaks) != 1 {
		t.Fatalf("got %d peaks, want 1", len(r.Peaks))
	}
	for _, p := range r.Peaks {
		pos := p.Hypermet.Position.Value()
		if !almostEqual(pos, 100, 0.5) {
			t.Errorf("position = %v, want 100 +/- 0.5", pos)
		}
		fwhm := p.Hypermet.FWHM()
		wantFWHM := 2 * 5 * math.Sqrt(math.Ln2)
		if !almostEqual(fwhm, wantFWHM, 1.0) {
			t.Errorf("FWHM = %v, want %v +/- 1", fwhm, wantFWHM)
		}
		area := p.Hypermet.AreaValue()
		want := 1000 * 5 * math.Sqrt(math.Pi)
		if math.Abs(area-want)/want > 0.05 {
			t.Errorf("area = %v, want within 5%% of %v", area, want)
		}
	}
}

func TestIterativeFit_Doublet(t *testing.T) {
	channels, counts := spectrum(200, 10, false, 0,
		[3]float64{100, 5, 500}, [3]float64{108, 5, 500})
	s := config.Default()
	s.Peak.GaussianOnly = true
	s.Resid.Auto = true
	s.Resid.MinAmplitude = 5

	mgr := newManager(t, s, channels, counts)
	opt := optimize.NewBFGS(s.FitterMaxIter)
	if err := mgr.FindAndFit(opt); err != nil {
		t.Fatalf("FindAndFit: %v", err)
	}

	r := mgr.Region()
	if len(r.Peaks) != 2 {
		t.Fatalf("got %d peaks, want 2 (one from residual search)", len(r.Peaks))
	}
	var positions []float64
	for _, p := range r.Peaks {
		positions = append(positions, p.Hypermet.Position.Value())
	}
	if positions[0] > positions[1] {
		positions[0], positions[1] = positions[1], positions[0]
	}
	if !almostEqual(positions[0], 100, 1.0) || !almostEqual(positions[1], 108, 1.0) {
		t.Errorf("positions = %v, want near [100, 108]", positions)
	}
	if chiSq := r.ChiSqNorm(); chiSq > 1.5 {
		t.Errorf("chi-sq norm = %v, want <= 1.5", chiSq)
	}
}

func TestRefit_SmallPeakSimplified(t *testing.T) {
	channels, counts := spectrum(300, 10, false, 0,
		[3]float64{80, 5, 5000}, [3]float64{200, 5, 200})
	s := config.Default()
	s.Small.Simplify = true
	s.Small.MaxAmplitude = 500
	s.Resid.Auto = false

	mgr := newManager(t, s, channels, counts)
	opt := optimize.NewBFGS(s.FitterMaxIter)
	if err := mgr.FindAndFit(opt); err != nil {
		t.Fatalf("FindAndFit: %v", err)
	}

	r := mgr.Region()
	found := false
	for _, p := range r.Peaks {
		if p.Hypermet.Amplitude.Value() > 500 {
			continue
		}
		found = true
		hp := p.Hypermet
		if hp.ShortTail.Enabled || hp.RightTail.Enabled || hp.LongTail.Enabled || hp.Step.Enabled {
			t.Error("small peak should have all tails and step disabled")
		}
	}
	if !found {
		t.Fatal("no small peak in final region")
	}
}

func TestWidthCommon_SingleWidthSlot(t *testing.T) {
	channels, counts := spectrum(300, 10, false, 0,
		[3]float64{60, 5, 2000}, [3]float64{150, 5, 2000}, [3]float64{240, 5, 2000})
	s := config.Default()
	s.Peak.GaussianOnly = true
	s.Width.Common = true
	s.Width.At511Variable = false
	s.Resid.Auto = false

	mgr := newManager(t, s, channels, counts)
	opt := optimize.NewBFGS(s.FitterMaxIter)
	if err := mgr.FindAndFit(opt); err != nil {
		t.Fatalf("FindAndFit: %v", err)
	}

	r := mgr.Region()
	if len(r.Peaks) != 3 {
		t.Fatalf("got %d peaks, want 3", len(r.Peaks))
	}
	// background(3) + common width(1) + 3x position/amplitude(2)
	if got := r.VariableCount(); got != 10 {
		t.Errorf("variable count = %d, want 10", got)
	}
	var fwhms []float64
	for _, p := range r.Peaks {
		fwhms = append(fwhms, p.Hypermet.FWHM())
	}
	if fwhms[0] != fwhms[1] || fwhms[1] != fwhms[2] {
		t.Errorf("FWHMs differ with common width: %v", fwhms)
	}
}

func TestRollback_RestoresSnapshot(t *testing.T) {
	channels, counts := spectrum(200, 10, false, 0, [3]float64{100, 5, 1000})
	s := config.Default()
	s.Peak.GaussianOnly = true
	s.Resid.Auto = false

	mgr := newManager(t, s, channels, counts)
	opt := optimize.NewBFGS(s.FitterMaxIter)
	if err := mgr.FindAndFit(opt); err != nil {
		t.Fatalf("FindAndFit: %v", err)
	}

	firstFit := mgr.CurrentFit()
	firstDesc := mgr.History()[firstFit]
	if firstDesc.PeakCount != 1 {
		t.Fatalf("first fit has %d peaks", firstDesc.PeakCount)
	}

	if err := mgr.AddPeak(opt, 140, 180, 50); err != nil {
		t.Fatalf("AddPeak: %v", err)
	}
	if got := len(mgr.Region().Peaks); got != 2 {
		t.Fatalf("after AddPeak: %d peaks, want 2", got)
	}

	if err := mgr.Rollback(firstFit); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got := len(mgr.Region().Peaks); got != 1 {
		t.Errorf("after rollback: %d peaks, want 1", got)
	}
	if got := mgr.CurrentFit(); got != firstFit {
		t.Errorf("current fit = %d, want %d", got, firstFit)
	}
	if got := mgr.Region().ChiSqNorm(); !almostEqual(got, firstDesc.ChiSqNorm, 1e-9) {
		t.Errorf("restored chi-sq norm = %v, recorded %v", got, firstDesc.ChiSqNorm)
	}

	if err := mgr.Rollback(99); !errors.Is(err, ErrBadSnapshot) {
		t.Errorf("Rollback(99) = %v, want ErrBadSnapshot", err)
	}
}

// stubOptimizer always fails to converge, to exercise the breaker.
type stubOptimizer struct{ calls int }

func (s *stubOptimizer) Minimize(f optimize.Fittable) (optimize.FitResult, error) {
	s.calls++
	return optimize.FitResult{Variables: f.Variables()}, nil
}

func TestRefit_BreakerOpensAfterFailures(t *testing.T) {
	channels, counts := spectrum(200, 10, false, 0, [3]float64{100, 5, 1000})
	s := config.Default()
	s.Resid.Auto = false

	mgr := newManager(t, s, channels, counts)
	if _, err := mgr.Region().AddPeak(80, 120, 1000); err != nil {
		t.Fatal(err)
	}

	stub := &stubOptimizer{}
	var sawOpen bool
	for i := 0; i < 10; i++ {
		err := mgr.Refit(stub)
		if errors.Is(err, ErrBreakerOpen) {
			sawOpen = true
			break
		}
		if err != nil {
			t.Fatalf("Refit: %v", err)
		}
	}
	if !sawOpen {
		t.Fatal("breaker never opened after repeated non-convergence")
	}
	if stub.calls > 6 {
		t.Errorf("optimizer called %d times after breaker should have opened", stub.calls)
	}
}

func TestRefit_NoPeaks(t *testing.T) {
	channels, counts := spectrum(100, 10, false, 0)
	mgr := newManager(t, config.Default(), channels, counts)
	if err := mgr.Refit(optimize.NewBFGS(100)); !errors.Is(err, ErrNoPeaks) {
		t.Fatalf("Refit on empty region = %v, want ErrNoPeaks", err)
	}
}

func TestAddFromResidual_NoDetectionIsNoOp(t *testing.T) {
	channels, counts := spectrum(200, 10, false, 0, [3]float64{100, 5, 1000})
	s := config.Default()
	s.Peak.GaussianOnly = true
	s.Resid.Auto = false

	mgr := newManager(t, s, channels, counts)
	opt := optimize.NewBFGS(s.FitterMaxIter)
	if err := mgr.FindAndFit(opt); err != nil {
		t.Fatalf("FindAndFit: %v", err)
	}

	added, err := mgr.AddFromResidual(opt)
	if err != nil {
		t.Fatalf("AddFromResidual: %v", err)
	}
	if added {
		t.Error("clean residual should not produce a new peak")
	}
	if got := len(mgr.Region().Peaks); got != 1 {
		t.Errorf("peak count changed to %d", got)
	}
}

// cancelledOptimizer reports cancellation immediately.
type cancelledOptimizer struct{ stubOptimizer }

func (c *cancelledOptimizer) Cancelled() bool { return true }

func TestIterativeFit_StopsOnCancel(t *testing.T) {
	channels, counts := spectrum(200, 10, false, 0, [3]float64{100, 5, 1000})
	s := config.Default()
	s.Resid.Auto = false

	mgr := newManager(t, s, channels, counts)
	if _, err := mgr.Region().AddPeak(80, 120, 1000); err != nil {
		t.Fatal(err)
	}
	opt := &cancelledOptimizer{}
	if err := mgr.IterativeFit(opt); err != nil {
		t.Fatalf("IterativeFit: %v", err)
	}
	if opt.calls != 0 {
		t.Errorf("cancelled loop still invoked the optimizer %d times", opt.calls)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	channels, counts := spectrum(200, 10, false, 0, [3]float64{100, 5, 1000})
	mgr := newManager(t, config.Default(), channels, counts)
	id, err := mgr.Region().AddPeak(80, 120, 1000)
	if err != nil {
		t.Fatal(err)
	}

	snap := mgr.Snapshot()
	mgr.Region().Peaks[id].Hypermet.Amplitude.Set(1)
	if snap.Peaks[id].Hypermet.Amplitude.Value() < 100 {
		t.Error("snapshot shares state with the live region")
	}
}

func TestHistory_UniqueIDs(t *testing.T) {
	channels, counts := spectrum(200, 10, false, 0, [3]float64{100, 5, 1000})
	s := config.Default()
	s.Peak.GaussianOnly = true
	s.Resid.Auto = false
	mgr := newManager(t, s, channels, counts)
	opt := optimize.NewBFGS(s.FitterMaxIter)
	if err := mgr.FindAndFit(opt); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for _, f := range mgr.Fits() {
		if seen[f.ID.String()] {
			t.Fatalf("duplicate snapshot id %s", f.ID)
		}
		seen[f.ID.String()] = true
	}
	if len(seen) < 3 {
		t.Errorf("expected at least 3 snapshots, got %d", len(seen))
	}
}

func TestPerturbAndRefit(t *testing.T) {
	channels, counts := spectrum(200, 10, false, 0, [3]float64{100, 5, 1000})
	s := config.Default()
	s.Peak.GaussianOnly = true
	s.Resid.Auto = false
	mgr := newManager(t, s, channels, counts)
	opt := optimize.NewBFGS(s.FitterMaxIter)
	if err := mgr.FindAndFit(opt); err != nil {
		t.Fatal(err)
	}
	if err := mgr.PerturbAndRefit(opt); err != nil {
		t.Fatalf("PerturbAndRefit: %v", err)
	}
	after := mgr.Region().ChiSqNorm()
	if math.IsNaN(after) || math.IsInf(after, 0) {
		t.Errorf("chi-sq norm after perturb-and-refit not finite: %v", after)
	}
}
