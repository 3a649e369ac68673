package types

// CatalogDefinition is the on-disk form of an instrument command catalog.
type CatalogDefinition struct {
	Instrument InstrumentInfo        `json:"instrument"`
	Commands   []CommandDescriptor   `json:"commands"`
	Monitors   []MonitorDefinition   `json:"monitors,omitempty"`
	Expansions []ExpansionDefinition `json:"expansions,omitempty"`
	Composites []CompositeDefinition `json:"composites,omitempty"`
	Manual     []ManualBinding       `json:"manual,omitempty"`
	Derived    []DerivedDefinition   `json:"derived,omitempty"`
	Stage      []StageSetting        `json:"stage,omitempty"`
}

type InstrumentInfo struct {
	ID          string `json:"id"`
	Vendor      string `json:"vendor"`
	Model       string `json:"model"`
	Description string `json:"description,omitempty"`
}

// MonitorDefinition declares how a buffered array command is armed, polled,
// drained and wound down.
type MonitorDefinition struct {
	Command        string           `json:"command"`
	Observe        string           `json:"observe,omitempty"`
	ObserveConfigs map[string]any   `json:"observe_configs,omitempty"`
	Threshold      string           `json:"threshold,omitempty"` // gt, ge, lt, le, eq, ne
	ThresholdLevel float64          `json:"threshold_level"`
	PollInterval   string           `json:"poll_interval,omitempty"`
	Timeout        string           `json:"timeout,omitempty"`
	Trigger        []StepDefinition `json:"trigger,omitempty"`
	Post           []StepDefinition `json:"post,omitempty"`
	Configs        map[string]any   `json:"configs,omitempty"`
	Save           *SaveDefinition  `json:"save,omitempty"`
}

type StepDefinition struct {
	Command string         `json:"command"`
	Configs map[string]any `json:"configs,omitempty"`
	Value   any            `json:"value,omitempty"`
}

type SaveDefinition struct {
	Format string `json:"format"` // csv, binary
	Ext    string `json:"ext,omitempty"`
}

// ExpansionDefinition enumerates the values of one template token.
type ExpansionDefinition struct {
	Token  string           `json:"token"`
	Values []ExpansionValue `json:"values"`
}

type ExpansionValue struct {
	Value  any    `json:"value"`
	Suffix string `json:"suffix,omitempty"`
}

// CompositeDefinition binds a command that needs several channels at once.
type CompositeDefinition struct {
	Command string         `json:"command"`
	Configs map[string]any `json:"configs"`
}

// ManualBinding is a hand-authored signal for a command the rules cannot bind.
type ManualBinding struct {
	Name    string         `json:"name"`
	Command string         `json:"command"`
	Configs map[string]any `json:"configs,omitempty"`
}

type DerivedDefinition struct {
	Source     string             `json:"source"`
	Statistics []string           `json:"statistics,omitempty"`
	Filters    []FilterDefinition `json:"filters,omitempty"`
}

type FilterDefinition struct {
	Name       string  `json:"name"`
	Order      int     `json:"order"`
	SampleRate float64 `json:"sample_rate"`
	Tau        float64 `json:"tau"`
}

type StageSetting struct {
	Signal string `json:"signal"`
	Value  any    `json:"value"`
}
