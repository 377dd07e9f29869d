package leash

import (
	"fmt"
	"regexp"
)

// Policy is a named set of block patterns and resource limits applied to a
// session. A Policy is immutable after load; Run reloads the policy file
// fresh for every invocation.
type Policy struct {
	// Name identifies the policy.
	Name string

	// AllowNetwork permits network access from inside the sandbox.
	AllowNetwork bool

	// MaxFileWrites caps the number of distinct file writes observed in one
	// session. 0 means unlimited.
	MaxFileWrites int

	patterns []*regexp.Regexp
	sources  []string
}

// Evaluation holds the outcome of screening a text fragment against a policy.
type Evaluation struct {
	// Blocked is true iff at least one block pattern matched.
	Blocked bool

	// Matched lists every pattern that matched, in policy order.
	Matched []string
}

// NewPolicy compiles the given block patterns into a Policy. Patterns are
// matched case-insensitively. An invalid pattern is a configuration error
// surfaced here, at load time; Evaluate never fails.
func NewPolicy(name string, blockPatterns []string, allowNetwork bool, maxFileWrites int) (*Policy, error) {
	p := &Policy{
		Name:          name,
		AllowNetwork:  allowNetwork,
		MaxFileWrites: maxFileWrites,
		patterns:      make([]*regexp.Regexp, 0, len(blockPatterns)),
		sources:       make([]string, 0, len(blockPatterns)),
	}
	for _, pat := range blockPatterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, &ConfigError{Detail: fmt.Sprintf("policy %q: invalid block pattern %q: %v", name, pat, err)}
		}
		p.patterns = append(p.patterns, re)
		p.sources = append(p.sources, pat)
	}
	return p, nil
}

// Evaluate tests text (a command line, SQL fragment, or path) against every
// block pattern and collects all matches. It is a pure function over the
// policy and the text.
func (p *Policy) Evaluate(text string) Evaluation {
	var ev Evaluation
	for i, re := range p.patterns {
		if re.MatchString(text) {
			ev.Matched = append(ev.Matched, p.sources[i])
		}
	}
	ev.Blocked = len(ev.Matched) > 0
	return ev
}

// CheckNetwork reports whether a requested network mode violates the policy.
// It is independent of pattern matching: a policy with no matching patterns
// can still block a run that asks for network access.
func (p *Policy) CheckNetwork(networkRequested bool) bool {
	return networkRequested && !p.AllowNetwork
}

// CheckWriteBudget reports whether a session's running write counter has
// exceeded the policy's MaxFileWrites limit.
func (p *Policy) CheckWriteBudget(writes int) bool {
	return p.MaxFileWrites > 0 && writes > p.MaxFileWrites
}

// BlockPatterns returns the original pattern sources, in order.
func (p *Policy) BlockPatterns() []string {
	return append([]string(nil), p.sources...)
}
