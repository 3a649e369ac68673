package derived

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// settleTaus is the number of time constants discarded before the
// steady-state sample is taken.
const settleTaus = 5

type FilterConfig struct {
	Order      int     `json:"order"`
	SampleRate float64 `json:"sample_rate"` // Hz
	Tau        float64 `json:"tau"`         // seconds
}

// Filter is a digital Butterworth low-pass with cutoff 1/(2*pi*tau),
// applied forward and backward.
type Filter struct {
	cfg      FilterConfig
	b, a     []float64
	zi       []float64
	settle   int
	decimate int
}

// NewFilter designs the filter once for cfg.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	if cfg.Order < 1 {
		return nil, fmt.Errorf("filter order must be >= 1 (got %d)", cfg.Order)
	}
	if cfg.SampleRate <= 0 || cfg.Tau <= 0 {
		return nil, fmt.Errorf("filter sample rate and tau must be > 0 (got %g Hz, %g s)", cfg.SampleRate, cfg.Tau)
	}

	cutoff := 1 / (2 * math.Pi * cfg.Tau)
	wn := cutoff / (cfg.SampleRate / 2)
	b, a, err := Butterworth(cfg.Order, wn)
	if err != nil {
		return nil, err
	}
	zi, err := steadyStateInit(b, a)
	if err != nil {
		return nil, err
	}

	period := 1 / cfg.SampleRate
	f := &Filter{
		cfg:      cfg,
		b:        b,
		a:        a,
		zi:       zi,
		settle:   int(settleTaus * cfg.Tau / period),
		decimate: int(cfg.Tau / period),
	}
	if f.decimate < 1 {
		return nil, fmt.Errorf("tau %g s is shorter than one sample at %g Hz", cfg.Tau, cfg.SampleRate)
	}
	return f, nil
}

func (f *Filter) Config() FilterConfig { return f.cfg }

// Coefficients returns copies of the numerator and denominator.
func (f *Filter) Coefficients() (b, a []float64) {
	return append([]float64(nil), f.b...), append([]float64(nil), f.a...)
}

// SettleIndex is the first sample index past the settle window.
func (f *Filter) SettleIndex() int { return f.settle }

// DecimateLength is the number of samples per tau.
func (f *Filter) DecimateLength() int { return f.decimate }

// SteadyState filters x with zero phase, drops the settle window, decimates
// by tau and returns the first remaining sample.
func (f *Filter) SteadyState(x []float64) (float64, error) {
	y, err := f.ZeroPhase(x)
	if err != nil {
		return 0, err
	}
	if f.settle >= len(y) {
		return 0, fmt.Errorf("array of %d samples ends inside the %d sample settle window", len(y), f.settle)
	}
	// y[settle::decimate][0]
	return y[f.settle], nil
}

// ZeroPhase runs the filter forward and backward over an odd extension of
// x. x is not modified.
func (f *Filter) ZeroPhase(x []float64) ([]float64, error) {
	pad := 3 * max(len(f.a), len(f.b))
	if len(x) <= pad {
		return nil, fmt.Errorf("array of %d samples is too short for zero-phase filtering (need > %d)", len(x), pad)
	}

	n := len(x)
	ext := make([]float64, 0, n+2*pad)
	for i := pad; i > 0; i-- {
		ext = append(ext, 2*x[0]-x[i])
	}
	ext = append(ext, x...)
	for i := 0; i < pad; i++ {
		ext = append(ext, 2*x[n-1]-x[n-2-i])
	}

	y := lfilter(f.b, f.a, ext, scaled(f.zi, ext[0]))
	reverse(y)
	y = lfilter(f.b, f.a, y, scaled(f.zi, y[0]))
	reverse(y)

	return y[pad : len(y)-pad], nil
}

// Butterworth designs a digital low-pass of the given order with normalised
// cutoff wn (1 is Nyquist) via the bilinear transform, in transfer function
// form with a[0] == 1.
func Butterworth(order int, wn float64) (b, a []float64, err error) {
	if order < 1 {
		return nil, nil, fmt.Errorf("filter order must be >= 1 (got %d)", order)
	}
	if wn <= 0 || wn >= 1 {
		return nil, nil, fmt.Errorf("normalised cutoff must be in (0, 1) (got %g)", wn)
	}

	// Analog prototype poles, pre-warped and scaled to the cutoff.
	const fs2 = 4.0
	warped := fs2 * math.Tan(math.Pi*wn/2)
	poles := make([]complex128, 0, order)
	for m := -order + 1; m < order; m += 2 {
		p := -cmplx.Exp(complex(0, math.Pi*float64(m)/float64(2*order)))
		poles = append(poles, p*complex(warped, 0))
	}
	gain := math.Pow(warped, float64(order))

	// Bilinear transform; all zeros land on z = -1.
	zPoles := make([]complex128, order)
	zZeros := make([]complex128, order)
	denom := complex(1, 0)
	for i, p := range poles {
		zPoles[i] = (fs2 + p) / (fs2 - p)
		zZeros[i] = -1
		denom *= fs2 - p
	}
	gain *= real(1 / denom)

	num := expand(zZeros)
	den := expand(zPoles)
	b = make([]float64, len(num))
	a = make([]float64, len(den))
	for i := range num {
		b[i] = gain * real(num[i])
	}
	for i := range den {
		a[i] = real(den[i])
	}
	return b, a, nil
}

// expand returns the coefficients of prod(x - r) for roots r, highest power
// first.
func expand(roots []complex128) []complex128 {
	c := []complex128{1}
	for _, r := range roots {
		next := append(append([]complex128(nil), c...), 0)
		for i := 1; i < len(next); i++ {
			next[i] -= r * c[i-1]
		}
		c = next
	}
	return c
}

// lfilter is a direct form II transposed IIR filter with initial state zi.
// a[0] must be 1 and len(a) == len(b).
func lfilter(b, a, x, zi []float64) []float64 {
	n := len(a)
	z := append([]float64(nil), zi...)
	y := make([]float64, len(x))
	for i, xi := range x {
		yi := b[0]*xi + z[0]
		for j := 0; j < n-2; j++ {
			z[j] = b[j+1]*xi + z[j+1] - a[j+1]*yi
		}
		z[n-2] = b[n-1]*xi - a[n-1]*yi
		y[i] = yi
	}
	return y
}

// steadyStateInit solves (I - C^T) zi = b[1:] - a[1:]*b[0], where C is the
// companion matrix of a, giving the state of a filter that has seen a unit
// step forever.
func steadyStateInit(b, a []float64) ([]float64, error) {
	n := len(a) - 1
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
		m.Set(i, 0, m.At(i, 0)+a[i+1])
		if i > 0 {
			m.Set(i-1, i, m.At(i-1, i)-1)
		}
	}

	rhs := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		rhs.SetVec(i, b[i+1]-a[i+1]*b[0])
	}

	var zi mat.VecDense
	if err := zi.SolveVec(m, rhs); err != nil {
		return nil, fmt.Errorf("filter initial state: %w", err)
	}
	return zi.RawVector().Data, nil
}

func scaled(v []float64, k float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		out[i] = v[i] * k
	}
	return out
}

func reverse(v []float64) {
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}
