package derived

import (
	"errors"
	"testing"
)

type fakeSource struct {
	values []float64
	ok     bool
}

func (s *fakeSource) LatestArray() ([]float64, bool) {
	return s.values, s.ok
}

func TestSignalPullContract(t *testing.T) {
	mean, _ := LookupStatistic("mean")
	src := &fakeSource{}
	sig := Spec{
		Name:     Name("read_buffer", "mean"),
		Source:   "read_buffer",
		Function: "mean",
		Compute:  mean,
	}.Bind(src)

	if sig.Name() != "read_buffer_mean" {
		t.Errorf("expected read_buffer_mean, got %s", sig.Name())
	}

	if _, err := sig.Get(); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData before any acquisition, got %v", err)
	}

	src.values, src.ok = []float64{1, 2, 3, 4, 5}, true
	first, err := sig.Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := sig.Get()
	if first != 3 || second != 3 {
		t.Errorf("expected 3 on repeated reads, got %v and %v", first, second)
	}

	// Each read sees the newest array.
	src.values = []float64{10, 20}
	if v, _ := sig.Get(); v != 15 {
		t.Errorf("expected 15 after new acquisition, got %v", v)
	}
}

func TestSignalComputeError(t *testing.T) {
	minFn, _ := LookupStatistic("min")
	sig := Spec{Name: "buf_min", Source: "buf", Function: "min", Compute: minFn}.
		Bind(&fakeSource{values: []float64{}, ok: true})

	if _, err := sig.Get(); !errors.Is(err, ErrEmptyArray) {
		t.Errorf("expected ErrEmptyArray, got %v", err)
	}
}

func TestFilterName(t *testing.T) {
	if got := FilterName(4); got != "filter_24dB" {
		t.Errorf("expected filter_24dB, got %s", got)
	}
	if got := FilterName(1); got != "filter_6dB" {
		t.Errorf("expected filter_6dB, got %s", got)
	}
}
