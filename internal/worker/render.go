package worker

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`{{\s*([\w.]+)\s*}}`)

// Render replaces every {{dotted.path}} in text with the value found under
// that path in vars. Unresolved paths render as an empty string.
func Render(text string, vars map[string]any) string {
	if text == "" {
		return ""
	}
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v, ok := lookup(vars, path)
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

func lookup(vars map[string]any, path string) (any, bool) {
	var cur any = vars
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// mergeVars layers message variables over template defaults.
func mergeVars(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
