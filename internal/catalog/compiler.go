package catalog

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/acquisition"
	"github.com/KevinKickass/OpenInstrumentCore/internal/derived"
	"github.com/KevinKickass/OpenInstrumentCore/internal/scpi"
	"github.com/KevinKickass/OpenInstrumentCore/internal/types"
	"go.uber.org/zap"
)

// Defaults fill in monitor settings a catalog leaves out.
type Defaults struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

var DefaultMonitorDefaults = Defaults{PollInterval: 50 * time.Millisecond}

// Compiler turns catalog definitions into binding maps.
type Compiler struct {
	defaults Defaults
	logger   *zap.Logger
}

func NewCompiler(defaults Defaults, logger *zap.Logger) *Compiler {
	if defaults.PollInterval <= 0 {
		defaults.PollInterval = DefaultMonitorDefaults.PollInterval
	}
	return &Compiler{defaults: defaults, logger: logger}
}

// compilation holds the state of one Compile call.
type compilation struct {
	c        *Compiler
	def      *types.CatalogDefinition
	commands map[string]*types.CommandDescriptor
	monitors map[string]*types.MonitorDefinition
	composed map[string]*types.CompositeDefinition
	manuals  map[string]bool
	origins  map[string]Origin
	out      *Catalog
}

// Compile classifies every descriptor, expands templates and resolves
// monitors, manual bindings, derived signals and the stage list. The result
// depends only on def.
func (c *Compiler) Compile(def *types.CatalogDefinition) (*Catalog, error) {
	cp := &compilation{
		c:        c,
		def:      def,
		commands: make(map[string]*types.CommandDescriptor, len(def.Commands)),
		monitors: make(map[string]*types.MonitorDefinition, len(def.Monitors)),
		composed: make(map[string]*types.CompositeDefinition, len(def.Composites)),
		manuals:  make(map[string]bool, len(def.Manual)),
		origins:  make(map[string]Origin),
		out: &Catalog{
			Instrument: def.Instrument,
			bindings:   make(map[string]*Binding),
			derived:    make(map[string]derived.Spec),
		},
	}

	if err := cp.index(); err != nil {
		return nil, err
	}

	for i := range def.Commands {
		if err := cp.classify(i, &def.Commands[i]); err != nil {
			return nil, err
		}
	}
	for i := range def.Manual {
		if err := cp.manual(i, &def.Manual[i]); err != nil {
			return nil, err
		}
	}
	for i := range def.Derived {
		if err := cp.derivedSignals(i, &def.Derived[i]); err != nil {
			return nil, err
		}
	}
	if err := cp.stage(); err != nil {
		return nil, err
	}

	for _, d := range cp.out.Diagnostics {
		c.logger.Warn("Command not bound",
			zap.String("instrument", def.Instrument.ID),
			zap.String("command", d.Command),
			zap.String("code", string(d.Code)),
			zap.String("reason", d.Message))
	}
	c.logger.Info("Catalog compiled",
		zap.String("instrument", def.Instrument.ID),
		zap.Int("bindings", len(cp.out.order)),
		zap.Int("derived", len(cp.out.dorder)),
		zap.Int("diagnostics", len(cp.out.Diagnostics)))

	return cp.out, nil
}

func (cp *compilation) index() error {
	for i := range cp.def.Commands {
		cmd := &cp.def.Commands[i]
		if err := validateDescriptor(cmd); err != nil {
			return malformed(err, "command #%d", i)
		}
		if _, dup := cp.commands[cmd.Name]; dup {
			return malformed(nil, "command %q declared twice", cmd.Name)
		}
		cp.commands[cmd.Name] = cmd
	}

	for i := range cp.def.Monitors {
		m := &cp.def.Monitors[i]
		cmd, ok := cp.commands[m.Command]
		if !ok {
			return malformed(nil, "monitor #%d references unknown command %q", i, m.Command)
		}
		if !cmd.ReturnsArray {
			return malformed(nil, "monitor for %q: command does not return an array", m.Command)
		}
		if _, dup := cp.monitors[m.Command]; dup {
			return malformed(nil, "command %q has two monitors", m.Command)
		}
		cp.monitors[m.Command] = m
	}

	for i := range cp.def.Composites {
		comp := &cp.def.Composites[i]
		if _, ok := cp.commands[comp.Command]; !ok {
			return malformed(nil, "composite #%d references unknown command %q", i, comp.Command)
		}
		if len(comp.Configs) == 0 {
			return malformed(nil, "composite %q pins no channels", comp.Command)
		}
		cp.composed[comp.Command] = comp
	}

	for _, m := range cp.def.Manual {
		cp.manuals[m.Command] = true
	}

	for i, exp := range cp.def.Expansions {
		if exp.Token == "" || exp.Token == types.ValueToken {
			return malformed(nil, "expansion #%d: invalid token %q", i, exp.Token)
		}
		if len(exp.Values) == 0 {
			return malformed(nil, "expansion %q has no values", exp.Token)
		}
	}
	return nil
}

func validateDescriptor(cmd *types.CommandDescriptor) error {
	if cmd.Name == "" {
		return fmt.Errorf("missing name")
	}
	if cmd.GetterInputs < 0 || cmd.SetterInputs < 0 {
		return fmt.Errorf("%s: negative input count", cmd.Name)
	}
	switch cmd.ValueType {
	case "", "auto", "float", "int", "string", "bool":
	default:
		return fmt.Errorf("%s: unknown value type %q", cmd.Name, cmd.ValueType)
	}
	switch cmd.ArrayFormat {
	case "", scpi.ArrayFormatASCII, scpi.ArrayFormatBinary:
	default:
		return fmt.Errorf("%s: unknown array format %q", cmd.Name, cmd.ArrayFormat)
	}
	if cmd.ASCII == "" && cmd.Getter == "" {
		return fmt.Errorf("%s: no wire format", cmd.Name)
	}
	return nil
}

// classify applies the binding rules to one descriptor.
func (cp *compilation) classify(i int, cmd *types.CommandDescriptor) error {
	origin := Origin{Source: "rule", Command: cmd.Name, Index: i}

	if comp, ok := cp.composed[cmd.Name]; ok {
		origin.Source = "composite"
		return cp.add(cp.binding(cmd, cmd.Name, ReadOnly, comp.Configs, origin))
	}

	if cmd.ReturnsArray {
		m, ok := cp.monitors[cmd.Name]
		if !ok {
			cp.skip(cmd, DiagArrayWithoutMonitor, "array-valued command without monitor, skipped")
			b := cp.binding(cmd, cmd.Name, Skipped, nil, origin)
			return cp.add(b)
		}
		spec, err := cp.monitorSpec(cmd, m)
		if err != nil {
			return err
		}
		b := cp.binding(cmd, cmd.Name, BufferedArray, m.Configs, origin)
		b.Monitor = spec
		return cp.add(b)
	}

	bound := false
	switch {
	case cmd.HasSetter && cmd.GetterInputs == 0 && cmd.SetterInputs < 2:
		if err := cp.add(cp.binding(cmd, cmd.Name, Writable, nil, origin)); err != nil {
			return err
		}
		bound = true
	case !cmd.HasSetter && cmd.GetterInputs == 0:
		if err := cp.add(cp.binding(cmd, cmd.Name, ReadOnly, nil, origin)); err != nil {
			return err
		}
		bound = true
	}

	expanded, err := cp.expand(i, cmd)
	if err != nil {
		return err
	}

	// Hand-authored bindings cover the command; nothing to report.
	if !bound && !expanded && !cp.manuals[cmd.Name] {
		cp.skip(cmd, DiagBindingUnsupported, fmt.Sprintf(
			"no binding rule for has_setter=%t getter_inputs=%d setter_inputs=%d",
			cmd.HasSetter, cmd.GetterInputs, cmd.SetterInputs))
	}
	return nil
}

// expand emits one binding per enumerated value of the first expansion token
// the command embeds, when that token accounts for its one extra input.
func (cp *compilation) expand(i int, cmd *types.CommandDescriptor) (bool, error) {
	var category Category
	switch {
	case cmd.HasSetter && cmd.GetterInputs == 1 && cmd.SetterInputs == 2:
		category = Writable
	case !cmd.HasSetter && cmd.GetterInputs == 1:
		category = ReadOnly
	default:
		return false, nil
	}

	for _, exp := range cp.def.Expansions {
		if !cmd.HasToken(exp.Token) {
			continue
		}
		for _, v := range exp.Values {
			suffix := expansionSuffix(exp.Token, v)
			origin := Origin{
				Source:  "expansion",
				Command: cmd.Name,
				Index:   i,
				Detail:  fmt.Sprintf("%s=%s", exp.Token, scpi.FormatValue(v.Value)),
			}
			configs := map[string]any{exp.Token: v.Value}
			if err := cp.add(cp.binding(cmd, cmd.Name+"_"+suffix, category, configs, origin)); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return false, nil
}

// expansionSuffix is the explicit suffix, the lower-cased value for string
// values (ac, dc) or token and value otherwise (chan1).
func expansionSuffix(token string, v types.ExpansionValue) string {
	if v.Suffix != "" {
		return v.Suffix
	}
	if s, ok := v.Value.(string); ok {
		return strings.ToLower(s)
	}
	return token + scpi.FormatValue(v.Value)
}

func (cp *compilation) manual(i int, m *types.ManualBinding) error {
	cmd, ok := cp.commands[m.Command]
	if !ok {
		return malformed(nil, "manual binding %q references unknown command %q", m.Name, m.Command)
	}
	if cmd.ReturnsArray {
		return malformed(nil, "manual binding %q: array-valued command %q needs a monitor", m.Name, m.Command)
	}
	name := m.Name
	if name == "" {
		name = m.Command
	}
	category := ReadOnly
	if cmd.HasSetter {
		category = Writable
	}
	origin := Origin{Source: "manual", Command: m.Command, Index: i}
	return cp.add(cp.binding(cmd, name, category, m.Configs, origin))
}

func (cp *compilation) derivedSignals(i int, d *types.DerivedDefinition) error {
	src, ok := cp.out.bindings[d.Source]
	if !ok || src.Category != BufferedArray {
		return malformed(nil, "derived #%d: source %q is not a buffered array signal", i, d.Source)
	}

	origin := Origin{Source: "derived", Command: src.Command, Index: i}
	for _, name := range d.Statistics {
		fn, err := derived.LookupStatistic(name)
		if err != nil {
			return malformed(err, "derived signals of %q", d.Source)
		}
		spec := derived.Spec{Name: derived.Name(d.Source, name), Source: d.Source, Function: name, Compute: fn}
		if err := cp.addDerived(spec, origin); err != nil {
			return err
		}
	}

	for _, fd := range d.Filters {
		f, err := derived.NewFilter(derived.FilterConfig{Order: fd.Order, SampleRate: fd.SampleRate, Tau: fd.Tau})
		if err != nil {
			return malformed(err, "filter of %q", d.Source)
		}
		name := fd.Name
		if name == "" {
			name = derived.FilterName(fd.Order)
		}
		spec := derived.Spec{Name: derived.Name(d.Source, name), Source: d.Source, Function: name, Compute: f.SteadyState}
		if err := cp.addDerived(spec, origin); err != nil {
			return err
		}
	}
	return nil
}

func (cp *compilation) stage() error {
	for i, s := range cp.def.Stage {
		b, ok := cp.out.bindings[s.Signal]
		if !ok || b.Category != Writable {
			return malformed(nil, "stage #%d: %q is not a writable signal", i, s.Signal)
		}
	}
	cp.out.Stage = append([]types.StageSetting(nil), cp.def.Stage...)
	return nil
}

func (cp *compilation) monitorSpec(cmd *types.CommandDescriptor, m *types.MonitorDefinition) (*acquisition.Spec, error) {
	spec := &acquisition.Spec{
		PollInterval: cp.c.defaults.PollInterval,
		Timeout:      cp.c.defaults.Timeout,
		ArrayFormat:  cmd.ArrayFormat,
	}

	drain, err := scpi.Format(cmd.GetterTemplate(), m.Configs)
	if err != nil {
		return nil, malformed(err, "monitor %q drain", cmd.Name)
	}
	spec.Drain = acquisition.Step{Name: cmd.Name, Text: drain}

	if m.Observe != "" {
		obs, ok := cp.commands[m.Observe]
		if !ok {
			return nil, malformed(nil, "monitor %q observes unknown command %q", cmd.Name, m.Observe)
		}
		text, err := scpi.Format(obs.GetterTemplate(), m.ObserveConfigs)
		if err != nil {
			return nil, malformed(err, "monitor %q observe", cmd.Name)
		}
		spec.Observe = &acquisition.Step{Name: obs.Name, Text: text}

		spec.ThresholdName = m.Threshold
		if spec.ThresholdName == "" {
			spec.ThresholdName = "gt"
		}
		spec.Threshold, err = acquisition.LookupComparator(spec.ThresholdName)
		if err != nil {
			return nil, malformed(err, "monitor %q", cmd.Name)
		}
		spec.Level = m.ThresholdLevel
	}

	if m.PollInterval != "" {
		if spec.PollInterval, err = time.ParseDuration(m.PollInterval); err != nil {
			return nil, malformed(err, "monitor %q poll_interval", cmd.Name)
		}
	}
	if m.Timeout != "" {
		if spec.Timeout, err = time.ParseDuration(m.Timeout); err != nil {
			return nil, malformed(err, "monitor %q timeout", cmd.Name)
		}
	}

	if spec.Trigger, err = cp.steps(cmd.Name, "trigger", m.Trigger); err != nil {
		return nil, err
	}
	if spec.Post, err = cp.steps(cmd.Name, "post", m.Post); err != nil {
		return nil, err
	}

	if m.Save != nil {
		save := acquisition.SaveSpec{Format: m.Save.Format, Ext: m.Save.Ext}
		switch save.Format {
		case "csv":
		case "binary":
			if cmd.ArrayFormat != scpi.ArrayFormatBinary {
				return nil, malformed(nil, "monitor %q: binary save needs a binary array format", cmd.Name)
			}
		default:
			return nil, malformed(nil, "monitor %q: unknown save format %q", cmd.Name, save.Format)
		}
		if save.Ext == "" {
			save.Ext = map[string]string{"csv": "csv", "binary": "bin"}[save.Format]
		}
		spec.Save = &save
	}

	if err := spec.Validate(); err != nil {
		return nil, malformed(err, "monitor %q", cmd.Name)
	}
	return spec, nil
}

// steps resolves step definitions to wire text. A step with a value uses the
// setter form of its command, otherwise the bare command.
func (cp *compilation) steps(monitor, section string, defs []types.StepDefinition) ([]acquisition.Step, error) {
	steps := make([]acquisition.Step, 0, len(defs))
	for i, sd := range defs {
		cmd, ok := cp.commands[sd.Command]
		if !ok {
			return nil, malformed(nil, "monitor %q %s step #%d: unknown command %q", monitor, section, i, sd.Command)
		}
		template := cmd.ASCII
		args := sd.Configs
		if sd.Value != nil {
			template = cmd.SetterTemplate()
			args = make(map[string]any, len(sd.Configs)+1)
			maps.Copy(args, sd.Configs)
			args[types.ValueToken] = sd.Value
		}
		text, err := scpi.Format(template, args)
		if err != nil {
			return nil, malformed(err, "monitor %q %s step %q", monitor, section, sd.Command)
		}
		steps = append(steps, acquisition.Step{Name: cmd.Name, Text: text})
	}
	return steps, nil
}

func (cp *compilation) binding(cmd *types.CommandDescriptor, name string, category Category, configs map[string]any, origin Origin) *Binding {
	b := &Binding{
		Name:      name,
		Category:  category,
		Kind:      types.KindOf(cmd),
		Command:   cmd.Name,
		ValueType: cmd.ValueType,
		Origin:    origin,
	}
	if len(configs) > 0 {
		b.FixedConfigs = maps.Clone(configs)
	}
	if category == Writable || category == ReadOnly {
		b.Getter = cmd.GetterTemplate()
	}
	if category == Writable {
		b.Setter = cmd.SetterTemplate()
	}
	return b
}

func (cp *compilation) add(b *Binding) error {
	if err := cp.claim(b.Name, b.Origin); err != nil {
		return err
	}
	cp.out.bindings[b.Name] = b
	cp.out.order = append(cp.out.order, b.Name)
	return nil
}

func (cp *compilation) addDerived(spec derived.Spec, origin Origin) error {
	origin.Detail = spec.Function
	if err := cp.claim(spec.Name, origin); err != nil {
		return err
	}
	cp.out.derived[spec.Name] = spec
	cp.out.dorder = append(cp.out.dorder, spec.Name)
	return nil
}

func (cp *compilation) claim(name string, origin Origin) error {
	if first, taken := cp.origins[name]; taken {
		return &CompileError{
			Kind:    ErrDuplicateSignal,
			Signal:  name,
			Origins: []Origin{first, origin},
		}
	}
	cp.origins[name] = origin
	return nil
}

func (cp *compilation) skip(cmd *types.CommandDescriptor, code DiagnosticCode, msg string) {
	cp.out.Diagnostics = append(cp.out.Diagnostics, Diagnostic{Command: cmd.Name, Code: code, Message: msg})
}
