package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/INLOpen/nexusreplay/core"
)

// Environment overrides. These knobs are read by processes that cannot be
// handed a config file, such as re-executed forks.
const (
	// EnvVerbose enables message spew on channels.
	EnvVerbose = "NEXUSREPLAY_VERBOSE"
	// EnvBusyWait parks a process at startup until a debugger releases it.
	EnvBusyWait = "NEXUSREPLAY_BUSY_WAIT"
	// EnvExecutionAsserts selects source locations whose execution progress
	// is recorded as asserts, in file@startline@endline groups.
	EnvExecutionAsserts = "NEXUSREPLAY_EXECUTION_ASSERTS"
)

// Verbose reports whether channel spew is enabled via the environment.
func Verbose() bool {
	return os.Getenv(EnvVerbose) != ""
}

// ExecutionAssertFilters parses EnvExecutionAsserts. The format is groups
// of file@startline@endline repeated, e.g.
//
//	main.go@10@200@worker.go@1@50
//
// A bare "*" enables asserts everywhere. Malformed line numbers are treated
// as zero, which matches the whole file.
func ExecutionAssertFilters() []core.SourceFilter {
	return ParseAssertFilters(os.Getenv(EnvExecutionAsserts))
}

// ParseAssertFilters parses the execution assert filter syntax.
func ParseAssertFilters(spec string) []core.SourceFilter {
	if spec == "" {
		return nil
	}
	if spec == "*" {
		return []core.SourceFilter{{File: "*"}}
	}
	parts := strings.Split(spec, "@")
	var out []core.SourceFilter
	for i := 0; i+2 < len(parts); i += 3 {
		start, _ := strconv.Atoi(parts[i+1])
		end, _ := strconv.Atoi(parts[i+2])
		out = append(out, core.SourceFilter{
			File:      parts[i],
			StartLine: start,
			EndLine:   end,
		})
	}
	return out
}
