package console

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter types accepted by NewOutputFilter
const (
	FilterNone   = "none"
	FilterErrors = "errors"
	FilterSearch = "search"
	FilterRegex  = "regex"
)

// checked in order, first hit wins the highlight
var errorKeywords = []string{
	"error", "exception", "fatal", "warning", "warn", "failed",
	"failure", "critical", "severe", "stack trace", "caused by",
}

// OutputFilter selects transcript lines for the output endpoint.
type OutputFilter struct {
	FilterType    string
	Pattern       string
	CaseSensitive bool

	// match returns the [start, end) of the first hit or nil
	match func(line string) []int
}

// FilterResult reports whether a line passed and where it matched.
type FilterResult struct {
	Include   bool
	Highlight []int
}

// NewOutputFilter builds a filter. An empty type means none; an empty
// pattern for search or regex lets every line through.
func NewOutputFilter(filterType, pattern string, caseSensitive bool) (*OutputFilter, error) {
	f := &OutputFilter{
		FilterType:    filterType,
		Pattern:       pattern,
		CaseSensitive: caseSensitive,
	}

	switch filterType {
	case "", FilterNone:
		f.FilterType = FilterNone
	case FilterErrors:
		f.match = matchErrorKeyword
	case FilterSearch:
		if pattern != "" {
			f.match = substringMatcher(pattern, caseSensitive)
		}
	case FilterRegex:
		if pattern == "" {
			break
		}
		if !caseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex: %w", err)
		}
		f.match = re.FindStringIndex
	default:
		return nil, fmt.Errorf("unknown filter type: %s", filterType)
	}
	return f, nil
}

func (f *OutputFilter) Filter(line string) FilterResult {
	if f == nil || f.match == nil {
		return FilterResult{Include: true, Highlight: []int{}}
	}
	span := f.match(line)
	if span == nil {
		return FilterResult{Highlight: []int{}}
	}
	return FilterResult{Include: true, Highlight: span}
}

// FilterLines keeps the lines the filter includes, in order.
func (f *OutputFilter) FilterLines(lines []string) []string {
	if f == nil || f.match == nil {
		return lines
	}
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if f.match(line) != nil {
			kept = append(kept, line)
		}
	}
	return kept
}

func substringMatcher(pattern string, caseSensitive bool) func(string) []int {
	if !caseSensitive {
		pattern = strings.ToLower(pattern)
	}
	return func(line string) []int {
		if !caseSensitive {
			line = strings.ToLower(line)
		}
		idx := strings.Index(line, pattern)
		if idx < 0 {
			return nil
		}
		return []int{idx, idx + len(pattern)}
	}
}

// Offsets refer to the sanitized line.
func matchErrorKeyword(line string) []int {
	lower := strings.ToLower(SanitizeLine(line))
	for _, kw := range errorKeywords {
		if idx := strings.Index(lower, kw); idx >= 0 {
			return []int{idx, idx + len(kw)}
		}
	}
	return nil
}
