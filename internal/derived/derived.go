// Package derived computes scalar signals from acquired arrays.
package derived

import (
	"errors"
	"fmt"
)

var ErrNoData = errors.New("no data available")

// ArraySource supplies the most recent completed array of a buffered
// signal.
type ArraySource interface {
	LatestArray() ([]float64, bool)
}

// Spec describes one derived signal as compiled from a catalog.
type Spec struct {
	Name     string `json:"name"`
	Source   string `json:"source"`
	Function string `json:"function"`
	Compute  Func   `json:"-"`
}

// Bind attaches spec to the source that feeds it.
func (s Spec) Bind(src ArraySource) *Signal {
	return &Signal{spec: s, src: src}
}

// Signal is a bound derived signal. Every Get pulls the latest array.
type Signal struct {
	spec Spec
	src  ArraySource
}

func (s *Signal) Name() string { return s.spec.Name }

func (s *Signal) Spec() Spec { return s.spec }

func (s *Signal) Get() (float64, error) {
	values, ok := s.src.LatestArray()
	if !ok {
		return 0, fmt.Errorf("%s (source %s): %w", s.spec.Name, s.spec.Source, ErrNoData)
	}
	v, err := s.spec.Compute(values)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", s.spec.Name, err)
	}
	return v, nil
}

// Name is the signal name of function applied to source.
func Name(source, function string) string {
	return source + "_" + function
}

// FilterName is the default name of a filter of the given order, after its
// roll-off in dB per octave.
func FilterName(order int) string {
	return fmt.Sprintf("filter_%ddB", order*6)
}
