package types

import "regexp"

// CommandDescriptor describes the shape of one instrument command.
type CommandDescriptor struct {
	Name           string   `json:"name"`
	ASCII          string   `json:"ascii"`
	Getter         string   `json:"getter,omitempty"`
	Setter         string   `json:"setter,omitempty"`
	HasSetter      bool     `json:"has_setter"`
	GetterInputs   int      `json:"getter_inputs"`
	SetterInputs   int      `json:"setter_inputs"`
	ReturnsArray   bool     `json:"returns_array"`
	ArrayFormat    string   `json:"array_format,omitempty"` // ascii, binary
	ValueType      string   `json:"value_type,omitempty"`   // auto, float, int, string, bool
	IsConfig       bool     `json:"is_config"`
	TemplateTokens []string `json:"template_tokens,omitempty"`
	Doc            string   `json:"doc,omitempty"`
}

// ValueToken is the placeholder a setter template uses for the written value.
const ValueToken = "value"

var tokenPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// PlaceholderTokens returns the distinct {token} names in s, in order of appearance.
func PlaceholderTokens(s string) []string {
	matches := tokenPattern.FindAllStringSubmatch(s, -1)
	seen := make(map[string]bool, len(matches))
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		tokens = append(tokens, m[1])
	}
	return tokens
}

// Tokens returns the declared template tokens, or the placeholders found in
// the ASCII string when none are declared. The value token is never included.
func (c *CommandDescriptor) Tokens() []string {
	src := c.TemplateTokens
	if len(src) == 0 {
		src = PlaceholderTokens(c.ASCII)
	}
	tokens := make([]string, 0, len(src))
	for _, t := range src {
		if t != ValueToken {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// HasToken reports whether the command's wire format embeds token.
func (c *CommandDescriptor) HasToken(token string) bool {
	for _, t := range c.Tokens() {
		if t == token {
			return true
		}
	}
	return false
}

// GetterTemplate returns the query form of the command.
func (c *CommandDescriptor) GetterTemplate() string {
	if c.Getter != "" {
		return c.Getter
	}
	return c.ASCII + "?"
}

// SetterTemplate returns the write form of the command.
func (c *CommandDescriptor) SetterTemplate() string {
	if c.Setter != "" {
		return c.Setter
	}
	return c.ASCII + " {" + ValueToken + "}"
}

// Kind is the reporting category of a signal. It never changes behaviour.
type Kind string

const (
	KindNormal Kind = "normal"
	KindConfig Kind = "config"
	KindHinted Kind = "hinted"
)

// KindOf maps a descriptor's is_config flag onto a reporting kind.
func KindOf(cmd *CommandDescriptor) Kind {
	if cmd.IsConfig {
		return KindConfig
	}
	return KindNormal
}
