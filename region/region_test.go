package region

import (
	"bytes"
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/diff/fd"

	"gammafit/config"
	"gammafit/specdata"
)

func newTestRand() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func syntheticData(t *testing.T, n int, background float64, peaks ...[3]float64) specdata.WeightedData {
	t.Helper()
	channels := make([]float64, n)
	counts := make([]float64, n)
	for i := range channels {
		channels[i] = float64(i)
		counts[i] = background
		for _, p := range peaks {
			center, width, amplitude := p[0], p[1], p[2]
			spread := (float64(i) - center) / width
			counts[i] += amplitude * math.Exp(-spread*spread)
		}
	}
	data, err := specdata.New(channels, counts, specdata.TrueWeight{})
	if err != nil {
		t.Fatalf("specdata.New: %v", err)
	}
	return data
}

func TestNew_EdgesFromOutermostSamples(t *testing.T) {
	data := syntheticData(t, 100, 10, [3]float64{50, 5, 1000})
	s := config.Default()
	s.ROI.BackgroundEdgeSamples = 7
	r, err := New(data, s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.LB.Left() != 0 || r.LB.Right() != 6 {
		t.Errorf("LB = [%v, %v], want [0, 6]", r.LB.Left(), r.LB.Right())
	}
	if r.RB.Left() != 93 || r.RB.Right() != 99 {
		t.Errorf("RB = [%v, %v], want [93, 99]", r.RB.Left(), r.RB.Right())
	}
	if r.LB.Right() >= r.RB.Left() {
		t.Errorf("edges overlap: LB right %v, RB left %v", r.LB.Right(), r.RB.Left())
	}
	if !r.Empty() {
		t.Error("fresh region should have no peaks")
	}
}

func TestNew_EmptyData(t *testing.T) {
	if _, err := New(specdata.WeightedData{}, config.Default()); err == nil {
		t.Fatal("expected error for empty data")
	}
}

func TestAddPeak_BoundsAndErrors(t *testing.T) {
	data := syntheticData(t, 200, 10, [3]float64{100, 5, 1000})
	s := config.Default()
	s.ROI.MaxPeaks = 2
	r, err := New(data, s)
	if err != nil {
		t.Fatal(err)
	}

	id, err := r.AddPeak(80, 120, 1000)
	if err != nil {
		t.Fatalf("AddPeak: %v", err)
	}
	if id != 100 {
		t.Errorf("peak id = %d, want 100", id)
	}
	min, max, ok := r.Peaks[id].Hypermet.Position.Bounds()
	if !ok || min != 80 || max != 120 {
		t.Errorf("position bounds = [%v, %v], want [80, 120]", min, max)
	}
	if !r.Dirty() {
		t.Error("AddPeak should mark the region dirty")
	}

	if _, err := r.AddPeak(-10, 50, 10); err == nil {
		t.Error("expected out-of-range error")
	}
	if _, err := r.AddPeak(98, 102, 10); err == nil {
		t.Error("expected too-close error")
	}
	if _, err := r.AddPeak(20, 60, 10); err != nil {
		t.Fatalf("second AddPeak: %v", err)
	}
	if _, err := r.AddPeak(140, 180, 10); err == nil {
		t.Error("expected max-peaks error")
	}
}

func TestUpdateIndices_WidthCommon(t *testing.T) {
	data := syntheticData(t, 300, 10,
		[3]float64{60, 5, 1000}, [3]float64{150, 5, 1000}, [3]float64{240, 5, 1000})
	s := config.Default()
	s.Width.Common = true
	s.Width.At511Variable = false
	r, err := New(data, s)
	if err != nil {
		t.Fatal(err)
	}
	for _, span := range [][2]float64{{45, 75}, {135, 165}, {225, 255}} {
		if _, err := r.AddPeak(span[0], span[1], 1000); err != nil {
			t.Fatalf("AddPeak: %v", err)
		}
	}
	r.UpdateIndices()

	widthIdx := r.DefaultPeak.Width.Index()
	if widthIdx < 0 {
		t.Fatal("common width not enrolled")
	}
	for id, p := range r.Peaks {
		if p.Hypermet.Width.Index() != widthIdx {
			t.Errorf("peak %d width index = %d, want shared %d", id, p.Hypermet.Width.Index(), widthIdx)
		}
		if p.Hypermet.Width.Value() != r.DefaultPeak.Width.Value() {
			t.Errorf("peak %d width %v out of sync with template %v",
				id, p.Hypermet.Width.Value(), r.DefaultPeak.Width.Value())
		}
	}

	// background(3) + template width/short-tail/step(4) + 3x position/amplitude(2)
	if got := r.VariableCount(); got != 13 {
		t.Errorf("variable count = %d, want 13", got)
	}
}

func TestUpdateIndices_IndependentWidths(t *testing.T) {
	data := syntheticData(t, 300, 10,
		[3]float64{60, 5, 1000}, [3]float64{150, 5, 1000}, [3]float64{240, 5, 1000})
	s := config.Default()
	s.Width.Common = false
	r, err := New(data, s)
	if err != nil {
		t.Fatal(err)
	}
	for _, span := range [][2]float64{{45, 75}, {135, 165}, {225, 255}} {
		if _, err := r.AddPeak(span[0], span[1], 1000); err != nil {
			t.Fatalf("AddPeak: %v", err)
		}
	}
	r.UpdateIndices()

	// background(3) + 3x (position+amplitude+width+short-tail(2)+step(1))
	if got := r.VariableCount(); got != 21 {
		t.Errorf("variable count = %d, want 21", got)
	}
	seen := map[int]bool{}
	for _, p := range r.Peaks {
		idx := p.Hypermet.Width.Index()
		if idx < 0 {
			t.Fatal("width not enrolled")
		}
		if seen[idx] {
			t.Errorf("width index %d reused", idx)
		}
		seen[idx] = true
	}
}

func TestChiSqGradient_MatchesFiniteDifference(t *testing.T) {
	data := syntheticData(t, 120, 10, [3]float64{60, 5, 1000})
	s := config.Default()
	r, err := New(data, s)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddPeak(45, 75, 1000); err != nil {
		t.Fatal(err)
	}
	r.UpdateIndices()

	vars := r.Variables()
	analytic := make([]float64, len(vars))
	r.ChiSqGradient(vars, analytic)

	numeric := fd.Gradient(nil, r.ChiSqAt, vars, &fd.Settings{Formula: fd.Central})

	for i := range vars {
		scale := math.Max(1, math.Max(math.Abs(analytic[i]), math.Abs(numeric[i])))
		if math.Abs(analytic[i]-numeric[i])/scale > 1e-3 {
			t.Errorf("grad[%d]: analytic %v vs numeric %v", i, analytic[i], numeric[i])
		}
	}
}

func TestChiSq_ConsistentForms(t *testing.T) {
	data := syntheticData(t, 120, 10, [3]float64{60, 5, 1000})
	r, err := New(data, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddPeak(45, 75, 1000); err != nil {
		t.Fatal(err)
	}
	r.UpdateIndices()

	vars := r.Variables()
	grad := make([]float64, len(vars))
	a := r.ChiSq()
	b := r.ChiSqAt(vars)
	c := r.ChiSqGradient(vars, grad)
	if !almostEqual(a, b, 1e-9*math.Max(1, a)) || !almostEqual(b, c, 1e-9*math.Max(1, b)) {
		t.Errorf("chi-sq forms disagree: %v, %v, %v", a, b, c)
	}

	dof := r.DegreesOfFreedom()
	if dof != float64(120-r.VariableCount()) {
		t.Errorf("dof = %v, want %v", dof, 120-r.VariableCount())
	}
}

func TestSimplify_SmallPeak(t *testing.T) {
	data := syntheticData(t, 200, 10, [3]float64{60, 5, 5000}, [3]float64{140, 5, 200})
	s := config.Default()
	s.Small.Simplify = true
	s.Small.MaxAmplitude = 500
	r, err := New(data, s)
	if err != nil {
		t.Fatal(err)
	}
	bigID, err := r.AddPeak(45, 75, 5000)
	if err != nil {
		t.Fatal(err)
	}
	smallID, err := r.AddPeak(125, 155, 200)
	if err != nil {
		t.Fatal(err)
	}

	r.Simplify()

	small := r.Peaks[smallID].Hypermet
	if small.ShortTail.Enabled || small.RightTail.Enabled || small.LongTail.Enabled || small.Step.Enabled {
		t.Error("small peak's tails and step should all be disabled")
	}
	big := r.Peaks[bigID].Hypermet
	if !big.ShortTail.Enabled || !big.Step.Enabled {
		t.Error("large peak's defaults should be untouched")
	}
}

func TestPerturb_ResetsEnrolledProxies(t *testing.T) {
	data := syntheticData(t, 120, 10, [3]float64{60, 5, 1000})
	r, err := New(data, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddPeak(45, 75, 1000); err != nil {
		t.Fatal(err)
	}
	r.UpdateIndices()

	rng := newTestRand()
	if !r.Perturb(rng) {
		t.Fatal("Perturb reported nothing perturbed")
	}
	for _, v := range r.Variables() {
		if v < -math.Pi/2 || v > math.Pi/2 {
			t.Errorf("perturbed proxy %v outside [-pi/2, pi/2]", v)
		}
	}
}

func TestSane_TailSlopeAtBound(t *testing.T) {
	data := syntheticData(t, 120, 10, [3]float64{60, 5, 1000})
	r, err := New(data, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	id, err := r.AddPeak(45, 75, 1000)
	if err != nil {
		t.Fatal(err)
	}
	r.UpdateIndices()
	if !r.Sane() {
		t.Fatal("fresh region should be sane")
	}

	slope := r.Peaks[id].Hypermet.ShortTail.Slope
	min, _, _ := slope.Bounds()
	slope.Set(min)
	if r.Sane() {
		t.Error("tail slope at its bound should fail the sanity check")
	}
}

func TestSerialization_RoundTripExact(t *testing.T) {
	data := syntheticData(t, 200, 10, [3]float64{100, 5, 1000})
	r, err := New(data, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddPeak(80, 120, 1000); err != nil {
		t.Fatal(err)
	}
	r.UpdateIndices()

	first, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var restored Region
	if err := json.Unmarshal(first, &restored); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	second, err := json.Marshal(&restored)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("serialization does not round-trip exactly")
	}
}

func TestSerialization_WrongType(t *testing.T) {
	data := syntheticData(t, 200, 10, [3]float64{100, 5, 1000})
	r, err := New(data, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	before, _ := json.Marshal(r)
	if err := json.Unmarshal([]byte(`{"type":"not_a_region"}`), r); err == nil {
		t.Fatal("expected type mismatch error")
	}
	after, _ := json.Marshal(r)
	if !bytes.Equal(before, after) {
		t.Error("failed deserialization mutated the target")
	}
}

func TestClone_Independent(t *testing.T) {
	data := syntheticData(t, 200, 10, [3]float64{100, 5, 1000})
	r, err := New(data, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	id, err := r.AddPeak(80, 120, 1000)
	if err != nil {
		t.Fatal(err)
	}

	clone := r.Clone()
	r.Peaks[id].Hypermet.Amplitude.Set(1)
	if clone.Peaks[id].Hypermet.Amplitude.Value() < 100 {
		t.Error("mutating the original leaked into the clone")
	}
}

func TestEvaluate_ResidualIsDataMinusFit(t *testing.T) {
	data := syntheticData(t, 200, 10, [3]float64{100, 5, 1000})
	r, err := New(data, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddPeak(80, 120, 1000); err != nil {
		t.Fatal(err)
	}

	eval := r.Evaluate()
	for i := range eval.X {
		want := eval.Y[i] - eval.YFit[i]
		if !almostEqual(eval.YResid[i], want, 1e-9) {
			t.Fatalf("resid[%d] = %v, want %v", i, eval.YResid[i], want)
		}
	}
}
