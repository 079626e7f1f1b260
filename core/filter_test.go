package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceFilterMatches(t *testing.T) {
	cases := []struct {
		name   string
		filter SourceFilter
		file   string
		line   int
		want   bool
	}{
		{"exact file whole range", SourceFilter{File: "worker.go"}, "worker.go", 10, true},
		{"suffix match", SourceFilter{File: "nsthreadmanager.cpp"}, "xpcom/threads/nsthreadmanager.cpp", 500, true},
		{"wrong file", SourceFilter{File: "worker.go"}, "manager.go", 10, false},
		{"wildcard", SourceFilter{File: "*"}, "anything.go", 1, true},
		{"inside range", SourceFilter{File: "a.go", StartLine: 10, EndLine: 20}, "a.go", 15, true},
		{"below range", SourceFilter{File: "a.go", StartLine: 10, EndLine: 20}, "a.go", 9, false},
		{"above range", SourceFilter{File: "a.go", StartLine: 10, EndLine: 20}, "a.go", 21, false},
		{"open-ended start", SourceFilter{File: "a.go", StartLine: 10}, "a.go", 5000, true},
		{"wildcard with range", SourceFilter{File: "*", StartLine: 100, EndLine: 100}, "b.go", 100, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(tc.file, tc.line))
		})
	}
}

func TestMatchesAny(t *testing.T) {
	filters := []SourceFilter{
		{File: "a.go", StartLine: 1, EndLine: 10},
		{File: "b.go"},
	}
	assert.True(t, MatchesAny(filters, "a.go", 5))
	assert.True(t, MatchesAny(filters, "b.go", 999))
	assert.False(t, MatchesAny(filters, "a.go", 11))
	assert.False(t, MatchesAny(filters, "c.go", 1))
	assert.False(t, MatchesAny(nil, "a.go", 1))
}
