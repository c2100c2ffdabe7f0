// Package profile holds the business skins the agent can run as.
package profile

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chadiek/turn-agent/internal/llm"
)

//go:embed profiles.yaml
var builtin []byte

// QuickAction is a canned user line a client can send without speaking.
type QuickAction struct {
	Label string `yaml:"label" json:"label"`
	Text  string `yaml:"text" json:"text"`
}

// Profile is one business: what the agent says first, how the model is
// primed, and the keyword replies used when the model is unavailable.
type Profile struct {
	Key          string        `yaml:"-" json:"key"`
	Name         string        `yaml:"name" json:"name"`
	Greeting     string        `yaml:"greeting" json:"greeting"`
	Persona      string        `yaml:"persona" json:"-"`
	Knowledge    string        `yaml:"knowledge" json:"-"`
	QuickActions []QuickAction `yaml:"quick_actions" json:"quick_actions"`
	Fallback     llm.RuleTable `yaml:"fallback" json:"-"`
}

// Catalog is a set of profiles by key.
type Catalog map[string]Profile

// Builtin parses the embedded profiles.
func Builtin() (Catalog, error) {
	return Parse(builtin)
}

// Parse decodes a YAML document of profiles keyed by name.
func Parse(data []byte) (Catalog, error) {
	raw := map[string]Profile{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("profile: parse: %w", err)
	}
	out := make(Catalog, len(raw))
	for k, p := range raw {
		p.Key = k
		if strings.TrimSpace(p.Fallback.Default) == "" {
			return nil, fmt.Errorf("profile %q: fallback default reply is required", k)
		}
		out[k] = p
	}
	return out, nil
}

// Get returns the profile for key.
func (c Catalog) Get(key string) (Profile, error) {
	p, ok := c[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Profile{}, fmt.Errorf("unknown business profile %q (have %s)", key, strings.Join(c.Keys(), ", "))
	}
	return p, nil
}

// Keys lists profile keys in sorted order.
func (c Catalog) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Preamble is the instruction block placed ahead of the conversation history.
func (p Profile) Preamble() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Persona))
	if k := strings.TrimSpace(p.Knowledge); k != "" {
		b.WriteString("\n\n")
		b.WriteString(k)
	}
	return b.String()
}
