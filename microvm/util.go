package microvm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aledbf/firebox/errdefs"
)

// minMemoryMib is the floor applied to every parsed memory size.
const minMemoryMib = 128

// ParsePorts normalizes the many shapes callers hand us for guest ports:
// a single int, a numeric string, a comma-separated string, or a list
// mixing all of those. Entries that do not parse are dropped. A nil value
// falls back to the defaults.
func ParsePorts(value any, defaults ...int) []int {
	if value == nil {
		return append([]int{}, defaults...)
	}

	switch v := value.(type) {
	case int:
		return []int{v}
	case int64:
		return []int{int(v)}
	case float64:
		return []int{int(v)}
	case string:
		return parsePortString(v)
	case []int:
		return append([]int{}, v...)
	case []any:
		out := []int{}
		for _, item := range v {
			out = append(out, ParsePorts(item)...)
		}
		return out
	case []string:
		out := []int{}
		for _, item := range v {
			out = append(out, parsePortString(item)...)
		}
		return out
	default:
		return []int{}
	}
}

func parsePortString(s string) []int {
	out := []int{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		port, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, port)
	}
	return out
}

// ParseMemorySize converts a memory amount into MiB. Plain numbers are
// already MiB; strings accept an M/MB or G/GB suffix, case-insensitive,
// with fractional values allowed ("1.5G"). Results below the floor are
// raised to it.
func ParseMemorySize(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return clampMemory(int64(v)), nil
	case int64:
		return clampMemory(v), nil
	case float64:
		return clampMemory(int64(v)), nil
	case string:
		return parseMemoryString(v)
	default:
		return 0, fmt.Errorf("invalid memory size type %T: %w", value, errdefs.ErrConfiguration)
	}
}

func parseMemoryString(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("invalid memory size format %q: %w", s, errdefs.ErrConfiguration)
	}

	multiplier := float64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "MB"):
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "M"):
		s = strings.TrimSuffix(s, "M")
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size format %q: %w", s, errdefs.ErrConfiguration)
	}
	return clampMemory(int64(n * multiplier)), nil
}

func clampMemory(mib int64) int64 {
	if mib < minMemoryMib {
		return minMemoryMib
	}
	return mib
}
