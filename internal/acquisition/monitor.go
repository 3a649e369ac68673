package acquisition

import (
	"fmt"
	"sort"
	"time"
)

// Comparator decides whether an observed value satisfies the threshold.
type Comparator func(observed, level float64) bool

var comparators = map[string]Comparator{
	"gt": func(v, l float64) bool { return v > l },
	"ge": func(v, l float64) bool { return v >= l },
	"lt": func(v, l float64) bool { return v < l },
	"le": func(v, l float64) bool { return v <= l },
	"eq": func(v, l float64) bool { return v == l },
	"ne": func(v, l float64) bool { return v != l },
}

// LookupComparator returns the comparator registered under name.
func LookupComparator(name string) (Comparator, error) {
	c, ok := comparators[name]
	if !ok {
		return nil, fmt.Errorf("unknown threshold function %q (valid: %v)", name, ComparatorNames())
	}
	return c, nil
}

func ComparatorNames() []string {
	names := make([]string, 0, len(comparators))
	for n := range comparators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Step is one resolved instrument command: the catalog name it came from
// and the exact text sent on the wire.
type Step struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type SaveSpec struct {
	Format string `json:"format"` // csv, binary
	Ext    string `json:"ext"`
}

// Spec is the status monitor of one buffered signal. It is built once when
// the catalog is compiled and never modified afterwards.
type Spec struct {
	Observe       *Step         `json:"observe,omitempty"` // nil: direct capture
	Threshold     Comparator    `json:"-"`
	ThresholdName string        `json:"threshold"`
	Level         float64       `json:"threshold_level"`
	PollInterval  time.Duration `json:"poll_interval"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	Trigger       []Step        `json:"trigger"`
	Post          []Step        `json:"post"`
	Drain         Step          `json:"drain"`
	ArrayFormat   string        `json:"array_format"`
	Save          *SaveSpec     `json:"save,omitempty"`
}

// DirectCapture reports whether the array can be drained without polling.
func (s *Spec) DirectCapture() bool {
	return s.Observe == nil
}

func (s *Spec) Validate() error {
	if s.Drain.Text == "" {
		return fmt.Errorf("monitor has no drain command")
	}
	if s.DirectCapture() {
		return nil
	}
	if s.Threshold == nil {
		return fmt.Errorf("monitor %s: missing threshold function", s.Drain.Name)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("monitor %s: poll interval must be > 0 (got %s)", s.Drain.Name, s.PollInterval)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("monitor %s: negative timeout", s.Drain.Name)
	}
	return nil
}
