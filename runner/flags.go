// Package runner implements the in-process coverage-collecting runtime
// that instruments the target binary (spec.md §4.9): feature aggregation
// (counters, dataflow/cmp/path/pc bitsets), the RSS/timeout watchdog, and
// the CENTIPEDE_RUNNER_FLAGS environment-variable protocol.
package runner

import (
	"strconv"
	"strings"
)

// Flags holds the subset of runtime configuration transported from the
// engine to the runner via the CENTIPEDE_RUNNER_FLAGS environment
// variable, a ":flag:" / ":flag=value:" delimited string (spec.md §6).
type Flags struct {
	Shmem                  string
	Arg1                   string
	Arg2                   string
	FailureDescriptionPath string
	DumpPCTable            bool
	UsePCFeatures          bool
	UseCounterFeatures     bool
	UseCMPFeatures         bool
	UseDataflowFeatures    bool
	UseAutoDictionary      bool
	UsePathFeatures        bool
	PathLevel              int
	CrossoverLevel         int
	TimeoutInSeconds       int
	AddressSpaceLimitMb    int
	RSSLimitMb             int
}

// ParseFlags parses raw (the value of CENTIPEDE_RUNNER_FLAGS) into Flags.
func ParseFlags(raw string) Flags {
	has := func(flag string) bool { return strings.Contains(raw, ":"+flag+":") }
	str := func(flag string) string {
		needle := ":" + flag + "="
		i := strings.Index(raw, needle)
		if i < 0 {
			return ""
		}
		rest := raw[i+len(needle):]
		j := strings.Index(rest, ":")
		if j < 0 {
			return rest
		}
		return rest[:j]
	}
	num := func(flag string, def int) int {
		s := str(flag)
		if s == "" {
			return def
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return def
		}
		return v
	}
	return Flags{
		Shmem:                  str("shmem"),
		Arg1:                   str("arg1"),
		Arg2:                   str("arg2"),
		FailureDescriptionPath: str("failure_description_path"),
		DumpPCTable:            has("dump_pc_table"),
		UsePCFeatures:          has("use_pc_features"),
		UseCounterFeatures:     has("use_counter_features"),
		UseCMPFeatures:         has("use_cmp_features"),
		UseDataflowFeatures:    has("use_dataflow_features"),
		UseAutoDictionary:      has("use_auto_dictionary"),
		UsePathFeatures:        has("use_path_features"),
		PathLevel:              num("path_level", 0),
		CrossoverLevel:         num("crossover_level", 0),
		TimeoutInSeconds:       num("timeout_in_seconds", 0),
		AddressSpaceLimitMb:    num("address_space_limit_mb", 0),
		RSSLimitMb:             num("rss_limit_mb", 0),
	}
}

// String renders flags back into the CENTIPEDE_RUNNER_FLAGS wire format,
// used by the engine side when launching a runner subprocess.
func (f Flags) String() string {
	var b strings.Builder
	b.WriteByte(':')
	writeFlag := func(name string, on bool) {
		if on {
			b.WriteString(name)
			b.WriteByte(':')
		}
	}
	writeKV := func(name, value string) {
		if value == "" {
			return
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(value)
		b.WriteByte(':')
	}
	writeKVInt := func(name string, value int) {
		if value == 0 {
			return
		}
		writeKV(name, strconv.Itoa(value))
	}
	writeKV("shmem", f.Shmem)
	writeKV("arg1", f.Arg1)
	writeKV("arg2", f.Arg2)
	writeKV("failure_description_path", f.FailureDescriptionPath)
	writeFlag("dump_pc_table", f.DumpPCTable)
	writeFlag("use_pc_features", f.UsePCFeatures)
	writeFlag("use_counter_features", f.UseCounterFeatures)
	writeFlag("use_cmp_features", f.UseCMPFeatures)
	writeFlag("use_dataflow_features", f.UseDataflowFeatures)
	writeFlag("use_auto_dictionary", f.UseAutoDictionary)
	writeFlag("use_path_features", f.UsePathFeatures)
	writeKVInt("path_level", f.PathLevel)
	writeKVInt("crossover_level", f.CrossoverLevel)
	writeKVInt("timeout_in_seconds", f.TimeoutInSeconds)
	writeKVInt("address_space_limit_mb", f.AddressSpaceLimitMb)
	writeKVInt("rss_limit_mb", f.RSSLimitMb)
	return b.String()
}
