package inference

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParsePlan decodes model output into a Plan. Every action must name a
// capability in allowed; actions without a channel are addressed to
// defaultChannel.
func ParsePlan(content string, allowed []string, defaultChannel string) (Plan, error) {
	var plan Plan
	if err := decodeObject(content, &plan); err != nil {
		return Plan{}, err
	}

	permitted := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		permitted[name] = true
	}
	for i := range plan.Actions {
		a := &plan.Actions[i]
		if a.Capability == "" {
			return Plan{}, &SchemaError{Reason: fmt.Sprintf("action %d has no capability", i)}
		}
		if !permitted[a.Capability] {
			return Plan{}, &SchemaError{Reason: fmt.Sprintf("capability %q is not allowed", a.Capability)}
		}
		if a.Channel == "" {
			a.Channel = defaultChannel
		}
		if a.Parameters == nil {
			a.Parameters = map[string]any{}
		}
	}
	return plan, nil
}

// ParseFeedback decodes the analysis output.
func ParseFeedback(content string) (Feedback, error) {
	var fb Feedback
	if err := decodeObject(content, &fb); err != nil {
		return Feedback{}, err
	}
	return fb, nil
}

func decodeObject(content string, v any) error {
	raw := stripFences(content)
	if raw == "" {
		return &SchemaError{Reason: "empty output"}
	}
	if !strings.HasPrefix(raw, "{") {
		return &SchemaError{Reason: "output is not a JSON object"}
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return &SchemaError{Reason: err.Error()}
	}
	return nil
}

// stripFences removes a surrounding ```json fence some models add even in
// JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// CapabilityNames extracts the names from registry definitions.
func CapabilityNames(defs []map[string]any) []string {
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		if fn, ok := d["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				names = append(names, name)
				continue
			}
		}
		if name, ok := d["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}
