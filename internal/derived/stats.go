package derived

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var ErrEmptyArray = errors.New("empty array")

// Func reduces an acquired array to a scalar. Implementations must not
// modify their input.
type Func func(values []float64) (float64, error)

// statisticOrder is the order in which statistics are listed.
var statisticOrder = []string{"sum", "mean", "std", "min", "max", "len"}

var statistics = map[string]Func{
	"sum": func(x []float64) (float64, error) {
		return floats.Sum(x), nil
	},
	"mean": nonEmpty(func(x []float64) float64 {
		return stat.Mean(x, nil)
	}),
	// population standard deviation
	"std": nonEmpty(func(x []float64) float64 {
		_, std := stat.PopMeanStdDev(x, nil)
		return std
	}),
	"min": nonEmpty(floats.Min),
	"max": nonEmpty(floats.Max),
	"len": func(x []float64) (float64, error) {
		return float64(len(x)), nil
	},
}

func nonEmpty(f func([]float64) float64) Func {
	return func(x []float64) (float64, error) {
		if len(x) == 0 {
			return 0, ErrEmptyArray
		}
		return f(x), nil
	}
}

// LookupStatistic returns the statistic registered under name.
func LookupStatistic(name string) (Func, error) {
	if name == "count" {
		name = "len"
	}
	f, ok := statistics[name]
	if !ok {
		return nil, fmt.Errorf("unknown statistic %q (valid: %v)", name, statisticOrder)
	}
	return f, nil
}

// StatisticNames lists all statistics in their canonical order.
func StatisticNames() []string {
	return append([]string(nil), statisticOrder...)
}
