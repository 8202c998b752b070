package specdata

import (
	"math"
	"testing"
)

func TestNewShapeMismatch(t *testing.T) {
	_, err := New([]float64{1, 2}, []float64{1}, TrueWeight{})
	if err == nil {
		t.Fatalf("expected shape mismatch error")
	}
}

func TestNewEmpty(t *testing.T) {
	_, err := New(nil, nil, TrueWeight{})
	if err == nil {
		t.Fatalf("expected empty error")
	}
}

func TestSubsetAndPrefixes(t *testing.T) {
	chan_ := []float64{0, 1, 2, 3, 4, 5}
	count := []float64{10, 20, 30, 40, 50, 60}
	d, err := New(chan_, count, TrueWeight{})
	if err != nil {
		t.Fatal(err)
	}
	sub := d.Subset(2, 4)
	if sub.Len() != 3 {
		t.Fatalf("subset len = %d, want 3", sub.Len())
	}
	if sub.Channel[0] != 2 || sub.Channel[len(sub.Channel)-1] != 4 {
		t.Fatalf("subset bounds wrong: %v", sub.Channel)
	}

	left := d.Left(2)
	if left.Len() != 2 || left.Channel[0] != 0 || left.Channel[1] != 1 {
		t.Fatalf("left prefix wrong: %v", left.Channel)
	}

	right := d.Right(2)
	if right.Len() != 2 || right.Channel[0] != 4 || right.Channel[1] != 5 {
		t.Fatalf("right suffix wrong: %v", right.Channel)
	}

	if d.Left(1000).Len() != d.Len() {
		t.Fatalf("oversized left prefix not clamped")
	}
}

func TestWeightStrategies(t *testing.T) {
	counts := []float64{0, 5, 30, 5, 0}
	tw := TrueWeight{}
	if w := tw.Weight(counts, 2); !almostEqual(w, math.Sqrt(30), 1e-9) {
		t.Errorf("true weight: got %v", w)
	}

	pm := PhillipsMarlowWeight{}
	if w := pm.Weight(counts, 2); !almostEqual(w, math.Sqrt(30), 1e-9) {
		t.Errorf("phillips-marlow at high count: got %v", w)
	}
	if w := pm.Weight(counts, 1); w < 1 {
		t.Errorf("phillips-marlow floor violated: got %v", w)
	}

	rs := RevayStudentWeight{}
	if w := rs.Weight(counts, 0); !almostEqual(w, 1.0, 1e-9) {
		t.Errorf("revay-student at zero count: got %v, want 1", w)
	}
}

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestCountMinMax(t *testing.T) {
	d, err := New([]float64{0, 1, 2}, []float64{5, 1, 9}, TrueWeight{})
	if err != nil {
		t.Fatal(err)
	}
	if d.CountMin() != 1 || d.CountMax() != 9 {
		t.Fatalf("min=%v max=%v", d.CountMin(), d.CountMax())
	}
}
