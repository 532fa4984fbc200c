package domain

import (
	"fmt"
	"strings"
)

// LatencyProfile is a named encoder tuning point. Profiles are ordered by
// aggressiveness: Normal < Low < Ultra.
type LatencyProfile int

const (
	LatencyNormal LatencyProfile = iota
	LatencyLow
	LatencyUltra
)

var latencyNames = map[LatencyProfile]string{
	LatencyNormal: "normal",
	LatencyLow:    "low",
	LatencyUltra:  "ultra",
}

// ParseLatency accepts "normal", "low" or "ultra". Empty means normal.
func ParseLatency(s string) (LatencyProfile, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return LatencyNormal, nil
	}
	for p, n := range latencyNames {
		if n == name {
			return p, nil
		}
	}
	return LatencyNormal, fmt.Errorf("%w: unknown latency %q (normal, low, ultra)", ErrInvalidConfig, s)
}

func (p LatencyProfile) String() string {
	if s, ok := latencyNames[p]; ok {
		return s
	}
	return "unknown"
}

// GOPDivisor is applied to the configured keyframe interval.
func (p LatencyProfile) GOPDivisor() int {
	switch p {
	case LatencyLow:
		return 2
	case LatencyUltra:
		return 3
	default:
		return 1
	}
}

// Aggressive reports whether the profile trades robustness for delay
// (minimal buffering, zero-latency tunes).
func (p LatencyProfile) Aggressive() bool {
	return p >= LatencyLow
}

func (p LatencyProfile) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *LatencyProfile) UnmarshalText(data []byte) error {
	v, err := ParseLatency(string(data))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
