package procutil

import (
	"os"
	"strings"
)

// MergeEnv returns the current process environment with extra applied on
// top. Keys in extra replace inherited entries of the same name.
func MergeEnv(extra map[string]string) []string {
	base := os.Environ()
	if len(extra) == 0 {
		return base
	}

	env := make([]string, 0, len(base)+len(extra))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if _, ok := extra[key]; ok {
			continue
		}
		env = append(env, entry)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
