// ABOUTME: Environment merging for agent engines.
// ABOUTME: Process variables always win; working-directory variables never cross over.

package agent

import (
	"sort"
	"strings"
)

// strippedVars are working-directory variables that must never leak from an
// artifact's environment into an agent's engine.
var strippedVars = map[string]bool{
	"PWD":    true,
	"OLDPWD": true,
}

// mergeEnvironment overlays artifact-provided variables onto the inherited
// process environment. A variable already set in the process environment is
// never overridden.
func mergeEnvironment(process []string, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(process)+len(overlay))
	for k, v := range overlay {
		if strippedVars[k] {
			continue
		}
		merged[k] = v
	}
	for _, kv := range process {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		merged[k] = v
	}
	return merged
}

// environList flattens a merged environment into KEY=VALUE form for a
// subprocess, sorted for stable ordering.
func environList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
