package catalog

import (
	"fmt"
	"maps"

	"github.com/KevinKickass/OpenInstrumentCore/internal/acquisition"
	"github.com/KevinKickass/OpenInstrumentCore/internal/derived"
	"github.com/KevinKickass/OpenInstrumentCore/internal/types"
)

type Category string

const (
	Writable      Category = "writable"
	ReadOnly      Category = "read_only"
	BufferedArray Category = "buffered_array"
	Skipped       Category = "skipped"
)

// Origin records which part of the catalog produced a signal.
type Origin struct {
	Source  string `json:"source"` // rule, expansion, composite, manual, derived
	Command string `json:"command"`
	Index   int    `json:"index"` // position within its section
	Detail  string `json:"detail,omitempty"`
}

func (o Origin) String() string {
	s := fmt.Sprintf("%s %q (#%d)", o.Source, o.Command, o.Index)
	if o.Detail != "" {
		s += " " + o.Detail
	}
	return s
}

// Binding is the compiled specification of one signal.
type Binding struct {
	Name         string            `json:"name"`
	Category     Category          `json:"category"`
	Kind         types.Kind        `json:"kind"`
	Command      string            `json:"command"`
	FixedConfigs map[string]any    `json:"fixed_configs,omitempty"`
	Monitor      *acquisition.Spec `json:"monitor,omitempty"`
	Getter       string            `json:"getter,omitempty"`
	Setter       string            `json:"setter,omitempty"`
	ValueType    string            `json:"value_type,omitempty"`
	Origin       Origin            `json:"origin"`
}

// Readable reports whether the signal can be read with a single query.
func (b *Binding) Readable() bool {
	return b.Category == Writable || b.Category == ReadOnly
}

// Args returns the fixed configs merged with extra arguments, for
// formatting the getter or setter template.
func (b *Binding) Args(extra map[string]any) map[string]any {
	args := make(map[string]any, len(b.FixedConfigs)+len(extra))
	maps.Copy(args, b.FixedConfigs)
	maps.Copy(args, extra)
	return args
}

// Catalog is the immutable result of compiling a catalog definition.
type Catalog struct {
	Instrument  types.InstrumentInfo
	Stage       []types.StageSetting
	Diagnostics []Diagnostic

	bindings map[string]*Binding
	order    []string
	derived  map[string]derived.Spec
	dorder   []string
}

// Lookup returns the binding of a signal. Derived signals are not bindings;
// see Derived.
func (c *Catalog) Lookup(name string) (*Binding, bool) {
	b, ok := c.bindings[name]
	return b, ok
}

// Bindings returns all bindings in compile order.
func (c *Catalog) Bindings() []*Binding {
	out := make([]*Binding, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.bindings[name])
	}
	return out
}

// Map returns the signal name to binding mapping.
func (c *Catalog) Map() map[string]Binding {
	out := make(map[string]Binding, len(c.bindings))
	for name, b := range c.bindings {
		out[name] = *b
	}
	return out
}

func (c *Catalog) Derived(name string) (derived.Spec, bool) {
	d, ok := c.derived[name]
	return d, ok
}

// DerivedSpecs returns the derived signals in compile order.
func (c *Catalog) DerivedSpecs() []derived.Spec {
	out := make([]derived.Spec, 0, len(c.dorder))
	for _, name := range c.dorder {
		out = append(out, c.derived[name])
	}
	return out
}

// Buffered returns the buffered array bindings in compile order.
func (c *Catalog) Buffered() []*Binding {
	var out []*Binding
	for _, b := range c.Bindings() {
		if b.Category == BufferedArray {
			out = append(out, b)
		}
	}
	return out
}

// Signals returns every signal name: bindings first, then derived signals.
func (c *Catalog) Signals() []string {
	out := make([]string, 0, len(c.order)+len(c.dorder))
	out = append(out, c.order...)
	return append(out, c.dorder...)
}
