package message

import (
	"maps"
	"slices"

	"github.com/shopspring/decimal"
)

// Summary counts what happened while a handler produced its result.
type Summary struct {
	NumRecords int
	Warnings   []string
	Errors     []string
	LogCounts  map[string]int
	// Extra holds handler specific counters.
	Extra map[string]any
}

// HasErrors reports whether the summary records at least one error.
func (s *Summary) HasErrors() bool {
	if s == nil {
		return false
	}
	return len(s.Errors) > 0 || s.LogCounts["error"] > 0 || s.LogCounts["data_error"] > 0
}

func (s Summary) Clone() Summary {
	return Summary{
		NumRecords: s.NumRecords,
		Warnings:   slices.Clone(s.Warnings),
		Errors:     slices.Clone(s.Errors),
		LogCounts:  maps.Clone(s.LogCounts),
		Extra:      maps.Clone(s.Extra),
	}
}

func (s Summary) ToMap() map[string]any {
	out := make(map[string]any, len(s.Extra)+4)
	maps.Copy(out, s.Extra)
	out["num_records"] = int64(s.NumRecords)
	out["warnings"] = stringsToAny(s.Warnings)
	out["errors"] = stringsToAny(s.Errors)
	counts := make(map[string]any, len(s.LogCounts))
	for k, v := range s.LogCounts {
		counts[k] = int64(v)
	}
	out["log_counts"] = counts
	return out
}

// SummaryFromMap reads the wire form of a summary.
func SummaryFromMap(in map[string]any) Summary {
	s := Summary{LogCounts: map[string]int{}}
	for k, v := range in {
		switch k {
		case "num_records":
			s.NumRecords = toInt(v)
		case "warnings":
			s.Warnings = anyToStrings(v)
		case "errors":
			s.Errors = anyToStrings(v)
		case "log_counts":
			if counts, ok := v.(map[string]any); ok {
				for level, n := range counts {
					s.LogCounts[level] = toInt(n)
				}
			}
		default:
			if s.Extra == nil {
				s.Extra = map[string]any{}
			}
			s.Extra[k] = v
		}
	}
	return s
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func anyToStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case decimal.Decimal:
		return int(n.IntPart())
	default:
		return 0
	}
}
