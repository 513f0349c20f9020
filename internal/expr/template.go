package expr

import (
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Interpolate replaces every {{NAME}} occurrence in s with the string
// form of NAME resolved against vars. Replacement is non-recursive:
// the replaced text is never re-scanned for further placeholders.
//
// When strict is true, an unresolved NAME raises an
// UnresolvedVariableError. When strict is false (the URL pre-check
// path), a miss leaves the placeholder text intact so a later check
// can detect it.
func Interpolate(s string, vars Vars, strict bool) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := vars.Resolve(name)
		if !ok {
			if strict && firstErr == nil {
				firstErr = &UnresolvedVariableError{Name: name}
			}
			return match
		}
		return ToString(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// HasPlaceholder reports whether s still contains an unresolved
// {{…}} template marker.
func HasPlaceholder(s string) bool {
	return placeholderRe.MatchString(s)
}
