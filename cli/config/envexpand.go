package config

import (
	"os"
	"regexp"
	"strings"
)

// varPattern matches ${VAR} and ${VAR:-default} references. Bare $VAR
// is deliberately not matched: YAML values containing literal dollar
// signs (queue names, shell snippets) must survive loading unchanged.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// ExpandEnv substitutes environment variable references in a config
// document before it is parsed. Adapter URLs and header values carry
// credentials; referencing them as ${VAR} keeps secrets out of the
// file itself.
//
// A variable that is unset or empty falls back to its :-default, or to
// the empty string when no default is given. Missing required values
// are not an error here; they surface at the consumer (an adapter
// rejecting an empty URL).
func ExpandEnv(doc string) string {
	locs := varPattern.FindAllStringSubmatchIndex(doc, -1)
	if locs == nil {
		return doc
	}

	var out strings.Builder
	out.Grow(len(doc))
	last := 0
	for _, loc := range locs {
		out.WriteString(doc[last:loc[0]])
		name := doc[loc[2]:loc[3]]
		fallback := ""
		if loc[4] >= 0 {
			fallback = doc[loc[4]+len(":-") : loc[5]]
		}
		out.WriteString(resolveVar(name, fallback))
		last = loc[1]
	}
	out.WriteString(doc[last:])
	return out.String()
}

// resolveVar returns the variable's value, or the fallback when the
// variable is unset or empty.
func resolveVar(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
