package resolver

import "strings"

// Mapping routes a payload property value to a table by prefix match.
type Mapping struct {
	Prefix string
	Table  string
}

// Rule matches a topic (exact, or prefix when the pattern ends in "/#") and
// selects a table from the value of Prop in the payload.
type Rule struct {
	Pattern  string
	Prop     string
	Mappings []Mapping
}

// Resolver is an ordered rule list. Rules are evaluated first to last; within
// a rule, mappings are evaluated first to last. The list is small (tens of
// entries), so a linear scan is fine.
type Resolver struct {
	rules []Rule
}

func New(rules []Rule) *Resolver {
	return &Resolver{rules: rules}
}

// Resolve returns the target table for a (topic, payload) pair, or "" when no
// rule matches. Callers drop the packet on "".
func (r *Resolver) Resolve(topic string, payload map[string]any) string {
	for _, rule := range r.rules {
		if !matchTopic(rule.Pattern, topic) {
			continue
		}
		val, ok := payload[rule.Prop].(string)
		if !ok {
			return ""
		}
		for _, m := range rule.Mappings {
			if strings.HasPrefix(val, m.Prefix) {
				return m.Table
			}
		}
		return ""
	}
	return ""
}

func matchTopic(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/#"); ok {
		return topic == prefix || strings.HasPrefix(topic, prefix+"/")
	}
	return topic == pattern
}
