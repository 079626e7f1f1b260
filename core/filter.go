package core

import "strings"

// SourceFilter selects source locations for execution progress asserts.
// A zero StartLine/EndLine matches the whole file, and File "*" matches
// every file.
type SourceFilter struct {
	File      string
	StartLine int
	EndLine   int
}

// Matches reports whether the given location falls inside the filter.
// File matching compares path suffixes so filters can name bare file names.
func (f SourceFilter) Matches(file string, line int) bool {
	if f.File != "*" {
		if !strings.HasSuffix(file, f.File) {
			return false
		}
	}
	if f.StartLine != 0 && line < f.StartLine {
		return false
	}
	if f.EndLine != 0 && line > f.EndLine {
		return false
	}
	return true
}

// MatchesAny reports whether any filter matches the location.
func MatchesAny(filters []SourceFilter, file string, line int) bool {
	for _, f := range filters {
		if f.Matches(file, line) {
			return true
		}
	}
	return false
}
