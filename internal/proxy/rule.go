package proxy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/lucasew/memstate"
)

// RuleResult tells how a matched URL is cached.
type RuleResult struct {
	// Key is the cache key, normally the full URL.
	Key      string
	Priority memstate.Priority
}

// Rule decides whether a URL is cacheable. It returns nil when it does not
// apply.
type Rule func(*url.URL) *RuleResult

// NewRegexRule creates a Rule that matches the full URL against regex. If the
// regex has a named group "key", the matched text becomes the cache key, which
// lets a rule ignore volatile parts such as query strings.
func NewRegexRule(regex *regexp.Regexp, priority memstate.Priority) Rule {
	keyGroup := regex.SubexpIndex("key")
	return func(u *url.URL) *RuleResult {
		urlString := u.String()
		matches := regex.FindStringSubmatch(urlString)
		if matches == nil {
			return nil
		}

		key := urlString
		if keyGroup > 0 && matches[keyGroup] != "" {
			key = matches[keyGroup]
		}
		return &RuleResult{Key: key, Priority: priority}
	}
}

// ParseRule parses a "priority=regex" rule such as
// `high=^https://cdn\.example\.com/`. A bare regex gets medium priority.
func ParseRule(spec string) (Rule, error) {
	priority := memstate.Medium
	expr := spec
	if name, rest, ok := strings.Cut(spec, "="); ok {
		if p, err := memstate.ParsePriority(name); err == nil {
			priority, expr = p, rest
		}
	}
	if expr == "" {
		return nil, fmt.Errorf("empty rule: %q", spec)
	}
	regex, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid rule %q: %w", spec, err)
	}
	return NewRegexRule(regex, priority), nil
}

// ParseRules parses every spec with ParseRule.
func ParseRules(specs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		rule, err := ParseRule(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
