package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Options captures the filtering configuration.
type Options struct {
	Include []string
	Exclude []string
}

// Filter holds compiled regex patterns. A text passes when it matches at
// least one include pattern (or none are set) and no exclude pattern.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp

	mu   sync.Mutex
	hits map[string]int
}

// Stats reports how often each pattern matched.
type Stats struct {
	IncludePatterns []string
	ExcludePatterns []string
	Hits            map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	include, err := compilePatterns(opts.Include)
	if err != nil {
		return nil, fmt.Errorf("compile include pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("compile exclude pattern: %w", err)
	}

	return &Filter{
		include: include,
		exclude: exclude,
		hits:    make(map[string]int),
	}, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return len(f.include) > 0 || len(f.exclude) > 0
}

// Allows returns true if text passes the filter criteria.
func (f *Filter) Allows(text string) bool {
	if len(f.include) > 0 && !f.matchAny(f.include, text) {
		return false
	}
	return !f.matchAny(f.exclude, text)
}

// Apply keeps the names that pass, preserving order.
func (f *Filter) Apply(names []string) []string {
	kept := make([]string, 0, len(names))
	for _, name := range names {
		if f.Allows(name) {
			kept = append(kept, name)
		}
	}
	return kept
}

func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	hits := make(map[string]int, len(f.hits))
	for k, v := range f.hits {
		hits[k] = v
	}
	return Stats{
		IncludePatterns: patternStrings(f.include),
		ExcludePatterns: patternStrings(f.exclude),
		Hits:            hits,
	}
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func (f *Filter) matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			f.mu.Lock()
			f.hits[re.String()]++
			f.mu.Unlock()
			return true
		}
	}
	return false
}

func patternStrings(patterns []*regexp.Regexp) []string {
	out := make([]string, len(patterns))
	for i, re := range patterns {
		out[i] = re.String()
	}
	return out
}
