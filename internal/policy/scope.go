package policy

import (
	"fmt"
	"regexp"
)

// Scope holds the path patterns consulted when no rule matches.
type Scope struct {
	allowed []*regexp.Regexp
	blocked []*regexp.Regexp
}

// NewScope compiles allowed and blocked path patterns. Plain strings match as
// case-insensitive substrings; anything with regex metacharacters compiles as
// a regular expression.
func NewScope(allowed, blocked []string) (*Scope, error) {
	s := &Scope{}
	var err error
	s.allowed, err = compilePatterns(allowed)
	if err != nil {
		return nil, fmt.Errorf("invalid allowed path pattern: %w", err)
	}
	s.blocked, err = compilePatterns(blocked)
	if err != nil {
		return nil, fmt.Errorf("invalid blocked path pattern: %w", err)
	}
	return s, nil
}

// Blocked returns the first blocked pattern matching path.
func (s *Scope) Blocked(path string) (string, bool) {
	if s == nil {
		return "", false
	}
	return firstMatch(s.blocked, path)
}

// Allowed returns the first allowed pattern matching path.
func (s *Scope) Allowed(path string) (string, bool) {
	if s == nil {
		return "", false
	}
	return firstMatch(s.allowed, path)
}

func firstMatch(res []*regexp.Regexp, path string) (string, bool) {
	for _, re := range res {
		if re.MatchString(path) {
			return re.String(), true
		}
	}
	return "", false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}
