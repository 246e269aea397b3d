// Package level defines the playback gain value stored per identity and the
// policy map that holds them.
package level

import (
	"encoding/json"
	"math"
	"sort"
)

// Level is a playback gain in [Min, Max]. 0 is silent, 1 is unity gain and
// values above 1 are amplified.
type Level float64

const (
	Min   Level = 0.0
	Max   Level = 2.0
	Unity Level = 1.0
)

// Clamp returns v limited to [Min, Max]. NaN clamps to Unity.
func Clamp(v float64) Level {
	switch {
	case math.IsNaN(v):
		return Unity
	case v < float64(Min):
		return Min
	case v > float64(Max):
		return Max
	}
	return Level(v)
}

// Clamped returns l limited to [Min, Max].
func (l Level) Clamped() Level { return Clamp(float64(l)) }

// Float returns l as a float64.
func (l Level) Float() float64 { return float64(l) }

// Differs reports whether l and other are further apart than tolerance.
func (l Level) Differs(other Level, tolerance float64) bool {
	return math.Abs(float64(l)-float64(other)) > tolerance
}

// Policy maps an identity token to its stored level. Keys are unique and
// carry no ordering.
type Policy map[string]Level

// Clone returns an independent copy of p. A nil policy clones to an empty one.
func (p Policy) Clone() Policy {
	out := make(Policy, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the identities in p, sorted.
func (p Policy) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalPolicy serialises p as a flat JSON object.
func MarshalPolicy(p Policy) ([]byte, error) {
	if p == nil {
		p = Policy{}
	}
	return json.Marshal(p)
}

// UnmarshalPolicy parses a flat JSON object of identity → number. Every value
// is clamped. Empty identities and entries whose value is not a number are
// dropped one by one; only a record that is not an object is an error.
func UnmarshalPolicy(data []byte) (Policy, error) {
	raw := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	p := make(Policy, len(raw))
	for k, msg := range raw {
		if k == "" || string(msg) == "null" {
			continue
		}
		var v float64
		if err := json.Unmarshal(msg, &v); err != nil {
			continue
		}
		p[k] = Clamp(v)
	}
	return p, nil
}
