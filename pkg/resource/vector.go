// Package resource implements the scheduler's resource vector: a
// typed tuple of named scalar capacities plus a per-medium disk
// quota map, and the arithmetic the fair-share tree runs on every
// scheduling decision.
package resource

import "math"

// Vector is a resource tuple. Disk is a mapping from medium name
// (e.g. "ssd", "hdd") to quota in bytes, since a node may expose
// several disk media with independent limits.
type Vector struct {
	CPU       float64
	Memory    int64
	UserSlots int64
	Network   int64
	GPU       int64
	Disk      map[string]int64
}

// Zero returns the zero resource vector.
func Zero() Vector {
	return Vector{}
}

// Clone returns a deep copy, so callers can mutate the result without
// aliasing the Disk map.
func (v Vector) Clone() Vector {
	out := v
	if v.Disk != nil {
		out.Disk = make(map[string]int64, len(v.Disk))
		for medium, quota := range v.Disk {
			out.Disk[medium] = quota
		}
	}
	return out
}

// Add returns v + other, componentwise.
func (v Vector) Add(other Vector) Vector {
	out := Vector{
		CPU:       v.CPU + other.CPU,
		Memory:    v.Memory + other.Memory,
		UserSlots: v.UserSlots + other.UserSlots,
		Network:   v.Network + other.Network,
		GPU:       v.GPU + other.GPU,
	}
	out.Disk = mergeDisk(v.Disk, other.Disk, func(a, b int64) int64 { return a + b })
	return out
}

// Sub returns v - other, componentwise. Negative results are allowed;
// callers that need a floor at zero should call Max(result, Zero()).
func (v Vector) Sub(other Vector) Vector {
	out := Vector{
		CPU:       v.CPU - other.CPU,
		Memory:    v.Memory - other.Memory,
		UserSlots: v.UserSlots - other.UserSlots,
		Network:   v.Network - other.Network,
		GPU:       v.GPU - other.GPU,
	}
	out.Disk = mergeDisk(v.Disk, other.Disk, func(a, b int64) int64 { return a - b })
	return out
}

// Scale returns v multiplied by a scalar factor.
func (v Vector) Scale(factor float64) Vector {
	out := Vector{
		CPU:       v.CPU * factor,
		Memory:    int64(float64(v.Memory) * factor),
		UserSlots: int64(float64(v.UserSlots) * factor),
		Network:   int64(float64(v.Network) * factor),
		GPU:       int64(float64(v.GPU) * factor),
	}
	if v.Disk != nil {
		out.Disk = make(map[string]int64, len(v.Disk))
		for medium, quota := range v.Disk {
			out.Disk[medium] = int64(float64(quota) * factor)
		}
	}
	return out
}

// Min returns the componentwise minimum of a and b.
func Min(a, b Vector) Vector {
	out := Vector{
		CPU:       math.Min(a.CPU, b.CPU),
		Memory:    minInt64(a.Memory, b.Memory),
		UserSlots: minInt64(a.UserSlots, b.UserSlots),
		Network:   minInt64(a.Network, b.Network),
		GPU:       minInt64(a.GPU, b.GPU),
	}
	out.Disk = mergeDisk(a.Disk, b.Disk, minInt64)
	return out
}

// Max returns the componentwise maximum of a and b.
func Max(a, b Vector) Vector {
	out := Vector{
		CPU:       math.Max(a.CPU, b.CPU),
		Memory:    maxInt64(a.Memory, b.Memory),
		UserSlots: maxInt64(a.UserSlots, b.UserSlots),
		Network:   maxInt64(a.Network, b.Network),
		GPU:       maxInt64(a.GPU, b.GPU),
	}
	out.Disk = mergeDisk(a.Disk, b.Disk, maxInt64)
	return out
}

// Dominates reports whether a is componentwise greater than or equal
// to b on every dimension, including every disk medium present in
// either vector (a missing medium is treated as zero quota).
func Dominates(a, b Vector) bool {
	if a.CPU < b.CPU || a.Memory < b.Memory || a.UserSlots < b.UserSlots ||
		a.Network < b.Network || a.GPU < b.GPU {
		return false
	}
	for medium := range unionMedia(a.Disk, b.Disk) {
		if a.Disk[medium] < b.Disk[medium] {
			return false
		}
	}
	return true
}

// DominantRatio returns the maximum componentwise ratio of usage to
// limits, treating a zero-over-zero dimension as zero rather than
// NaN. This is the "dominant resource" signal fair-share scheduling
// ranks operations and pools by.
func DominantRatio(usage, limits Vector) float64 {
	ratio := 0.0
	ratio = math.Max(ratio, safeRatio(usage.CPU, limits.CPU))
	ratio = math.Max(ratio, safeRatio(float64(usage.Memory), float64(limits.Memory)))
	ratio = math.Max(ratio, safeRatio(float64(usage.UserSlots), float64(limits.UserSlots)))
	ratio = math.Max(ratio, safeRatio(float64(usage.Network), float64(limits.Network)))
	ratio = math.Max(ratio, safeRatio(float64(usage.GPU), float64(limits.GPU)))
	for medium := range unionMedia(usage.Disk, limits.Disk) {
		ratio = math.Max(ratio, safeRatio(float64(usage.Disk[medium]), float64(limits.Disk[medium])))
	}
	return ratio
}

// IsZero reports whether every dimension of v is zero.
func (v Vector) IsZero() bool {
	if v.CPU != 0 || v.Memory != 0 || v.UserSlots != 0 || v.Network != 0 || v.GPU != 0 {
		return false
	}
	for _, quota := range v.Disk {
		if quota != 0 {
			return false
		}
	}
	return true
}

func safeRatio(usage, limit float64) float64 {
	if limit == 0 {
		return 0
	}
	return usage / limit
}

func mergeDisk(a, b map[string]int64, combine func(a, b int64) int64) map[string]int64 {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]int64, len(unionMedia(a, b)))
	for medium := range unionMedia(a, b) {
		out[medium] = combine(a[medium], b[medium])
	}
	return out
}

func unionMedia(a, b map[string]int64) map[string]struct{} {
	media := make(map[string]struct{}, len(a)+len(b))
	for medium := range a {
		media[medium] = struct{}{}
	}
	for medium := range b {
		media[medium] = struct{}{}
	}
	return media
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
