package funnel

import "strings"

// RenderTemplate resolves {{placeholder}} substitutions in a node's outbound
// message. Unknown placeholders are left verbatim so a script typo is
// visible in the sent message instead of silently dropped.
func RenderTemplate(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
