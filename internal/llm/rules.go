package llm

import "strings"

// Rule maps any of its keywords to a canned reply.
type Rule struct {
	Keywords []string `yaml:"keywords"`
	Reply    string   `yaml:"reply"`
}

// RuleTable is the keyword fallback used when the model can't answer.
// Rules are tried in order; the first whose keyword appears in the
// lowercased input wins.
type RuleTable struct {
	Rules   []Rule `yaml:"rules"`
	Default string `yaml:"default"`
}

const genericFallback = "Sorry, I didn't get that. Could you say it another way?"

// Match returns a non-empty reply for input.
func (t RuleTable) Match(input string) string {
	in := strings.ToLower(input)
	for _, r := range t.Rules {
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(in, strings.ToLower(kw)) && r.Reply != "" {
				return r.Reply
			}
		}
	}
	if t.Default != "" {
		return t.Default
	}
	return genericFallback
}
