package component

import (
	"encoding/json"
	"fmt"
)

// Tier is a static risk classification. Higher tier = more restricted.
type Tier int

const (
	TierLow      Tier = iota // patch updates may auto-execute
	TierMedium               // approval required
	TierHigh                 // approval required, maintenance window advised
	TierCritical             // approval required, maintenance window required
)

// String returns the label used on the wire and in chat messages.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseTier is the inverse of Tier.String.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "low":
		return TierLow, nil
	case "medium":
		return TierMedium, nil
	case "high":
		return TierHigh, nil
	case "critical":
		return TierCritical, nil
	default:
		return 0, fmt.Errorf("unknown risk tier %q", s)
	}
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Highest returns the most restrictive tier among the given components.
func Highest(names []Name) Tier {
	top := TierLow
	for _, n := range names {
		if t := n.Policy().Tier; t.Rank() > top.Rank() {
			top = t
		}
	}
	return top
}

// Rank orders tiers from least to most restrictive.
func (t Tier) Rank() int { return int(t) }

// AutoUpdateEligible reports whether an update of the given diff class may
// run without a human decision. Only low-tier patch updates qualify.
func (p Policy) AutoUpdateEligible(diff string) bool {
	return p.AutoUpdatePatch && p.Tier == TierLow && diff == "patch"
}
