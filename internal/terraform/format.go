package terraform

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// maskedValue replaces sensitive output values in display formatting.
const maskedValue = "••••••••"

// DisplayOutput is one terraform output prepared for human consumption.
type DisplayOutput struct {
	Label     string `json:"label"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive"`
}

// unwrapOutput pulls the value and sensitivity out of one stored output
// entry. Entries normally look like {"value": ..., "sensitive": bool} but
// older rows or hand-edited state may hold bare values.
func unwrapOutput(entry interface{}) (interface{}, bool) {
	if m, ok := entry.(map[string]interface{}); ok {
		if v, has := m["value"]; has {
			sensitive, _ := m["sensitive"].(bool)
			return v, sensitive
		}
	}
	return entry, false
}

// FlattenOutputs unwraps stored outputs into a flat name-to-value map.
// Sensitive values are included; callers that display must go through
// FormatOutputs instead.
func FlattenOutputs(raw map[string]interface{}) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	flat := make(map[string]interface{}, len(raw))
	for name, entry := range raw {
		value, _ := unwrapOutput(entry)
		flat[name] = value
	}
	return flat
}

// FormatOutputs converts stored outputs into sorted display rows. Sensitive
// values are masked unless reveal is set.
func FormatOutputs(raw map[string]interface{}, reveal bool) []DisplayOutput {
	if len(raw) == 0 {
		return []DisplayOutput{}
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	display := make([]DisplayOutput, 0, len(names))
	for _, name := range names {
		value, sensitive := unwrapOutput(raw[name])
		row := DisplayOutput{Label: humanizeLabel(name), Sensitive: sensitive}
		if sensitive && !reveal {
			row.Value = maskedValue
		} else {
			row.Value = renderValue(value)
		}
		display = append(display, row)
	}
	return display
}

// humanizeLabel turns snake_case output names into title-cased labels.
func humanizeLabel(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func renderValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case []interface{}:
		if allScalars(v) {
			parts := make([]string, len(v))
			for i, item := range v {
				parts[i] = renderValue(item)
			}
			return strings.Join(parts, ", ")
		}
		return renderJSON(v)
	case map[string]interface{}:
		return renderJSON(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func allScalars(items []interface{}) bool {
	for _, item := range items {
		switch item.(type) {
		case nil, string, bool, float64, json.Number:
		default:
			return false
		}
	}
	return true
}

func renderJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
