package derived

import (
	"math"
	"testing"
)

// Lock-in buffer rate 5e6/512/8*8 Hz with a 30 ms time constant.
var lockInFilter = FilterConfig{Order: 4, SampleRate: 1220.680518480077 * 8, Tau: 30e-3}

func TestButterworthCoefficients(t *testing.T) {
	b, a, err := Butterworth(4, 0.2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantB := []float64{0.004824343357716228, 0.019297373430864913, 0.02894606014629737, 0.019297373430864913, 0.004824343357716228}
	wantA := []float64{1, -2.3695130071820376, 2.31398841441588, -1.0546654058785676, 0.1873794923681849}

	for i := range wantB {
		if math.Abs(b[i]-wantB[i]) > 1e-12 {
			t.Errorf("b[%d]: expected %v, got %v", i, wantB[i], b[i])
		}
	}
	for i := range wantA {
		if math.Abs(a[i]-wantA[i]) > 1e-12 {
			t.Errorf("a[%d]: expected %v, got %v", i, wantA[i], a[i])
		}
	}

	b, a, _ = Butterworth(1, 0.5)
	if math.Abs(b[0]-0.5) > 1e-12 || math.Abs(b[1]-0.5) > 1e-12 || math.Abs(a[1]) > 1e-12 {
		t.Errorf("unexpected first order half-band filter: b=%v a=%v", b, a)
	}

	if _, _, err := Butterworth(2, 1.5); err == nil {
		t.Error("expected error for cutoff above Nyquist")
	}
}

func TestFilterWindows(t *testing.T) {
	f, err := NewFilter(lockInFilter)
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	if f.SettleIndex() != 1464 {
		t.Errorf("expected settle index 1464, got %d", f.SettleIndex())
	}
	if f.DecimateLength() != 292 {
		t.Errorf("expected decimate length 292, got %d", f.DecimateLength())
	}
}

func TestFilterConstantInput(t *testing.T) {
	f, _ := NewFilter(lockInFilter)

	x := make([]float64, 2000)
	for i := range x {
		x[i] = 3
	}

	y, err := f.ZeroPhase(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(y) != len(x) {
		t.Fatalf("expected %d samples, got %d", len(x), len(y))
	}
	for i, v := range y {
		if math.Abs(v-3) > 1e-3 {
			t.Fatalf("sample %d: expected 3, got %v", i, v)
		}
	}
}

func TestFilterStepSteadyState(t *testing.T) {
	f, _ := NewFilter(lockInFilter)

	x := make([]float64, 4000)
	for i := 100; i < len(x); i++ {
		x[i] = 1
	}

	got, err := f.SteadyState(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got-1) > 0.05 {
		t.Errorf("expected steady state near 1, got %v", got)
	}

	// The estimate is the filtered sample right after the settle window.
	y, _ := f.ZeroPhase(x)
	if got != y[f.SettleIndex()] {
		t.Errorf("expected sample %d (%v), got %v", f.SettleIndex(), y[f.SettleIndex()], got)
	}

	again, _ := f.SteadyState(x)
	if again != got {
		t.Errorf("expected reproducible result, got %v then %v", got, again)
	}

	for i := 0; i < 100; i++ {
		if x[i] != 0 {
			t.Fatalf("filter modified its input at %d", i)
		}
	}
}

func TestFilterShortInput(t *testing.T) {
	f, _ := NewFilter(lockInFilter)

	if _, err := f.SteadyState(make([]float64, 10)); err == nil {
		t.Error("expected error for input shorter than the padding")
	}
	if _, err := f.SteadyState(make([]float64, 1000)); err == nil {
		t.Error("expected error for input ending inside the settle window")
	}
}

func TestNewFilterValidation(t *testing.T) {
	bad := []FilterConfig{
		{Order: 0, SampleRate: 1000, Tau: 0.1},
		{Order: 2, SampleRate: 0, Tau: 0.1},
		{Order: 2, SampleRate: 1000, Tau: 0},
		{Order: 2, SampleRate: 1000, Tau: 1e-5},
	}
	for _, cfg := range bad {
		if _, err := NewFilter(cfg); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}
