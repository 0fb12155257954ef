package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMaxMemory resolves the maxmemory config string into a byte count.
// It accepts a bare integer (bytes), a percentage ("50%", resolved against
// availableMemory), or a unit-suffixed value ("512mb", "2gb", "100kb"),
// mirroring resolve_maxmemory in the original's config.rs. A value of ""
// or "0" means unbounded (no eviction ceiling).
func ParseMaxMemory(raw string, availableMemory uint64) (uint64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" || s == "0" {
		return 0, nil
	}

	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid maxmemory percentage %q: %w", raw, err)
		}
		if v < 0 || v > 100 {
			return 0, fmt.Errorf("invalid maxmemory percentage %q: must be between 0 and 100", raw)
		}
		return uint64(float64(availableMemory) * (v / 100.0)), nil
	}

	type suffixMultiplier struct {
		suffix string
		mult   uint64
	}
	suffixes := []suffixMultiplier{
		{"gb", 1024 * 1024 * 1024},
		{"g", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"m", 1024 * 1024},
		{"kb", 1024},
		{"k", 1024},
	}
	for _, sm := range suffixes {
		if val, ok := strings.CutSuffix(s, sm.suffix); ok {
			n, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid maxmemory value %q: %w", raw, err)
			}
			return saturatingMul(n, sm.mult), nil
		}
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid maxmemory value %q: must be bytes, a percentage, or a unit suffix like 512mb: %w", raw, err)
	}
	return n, nil
}

func saturatingMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	result := a * b
	if result/b != a {
		return ^uint64(0)
	}
	return result
}
