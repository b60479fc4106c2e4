package pool

import (
	"fmt"
	"strings"
)

// Phase is the lifecycle state of the pool. Values are bit flags so that
// guards can accept several phases at once.
type Phase uint8

const (
	PhaseDefault           Phase = 0x00
	PhaseRaising           Phase = 0x01
	PhaseWaitForICO        Phase = 0x02
	PhaseMoneyBack         Phase = 0x04
	PhaseTokenDistribution Phase = 0x08
	PhaseFundDeprecated    Phase = 0x10
)

// AllPhases enumerates every lifecycle phase in declaration order.
var AllPhases = []Phase{
	PhaseDefault,
	PhaseRaising,
	PhaseWaitForICO,
	PhaseMoneyBack,
	PhaseTokenDistribution,
	PhaseFundDeprecated,
}

func (p Phase) String() string {
	switch p {
	case PhaseDefault:
		return "default"
	case PhaseRaising:
		return "raising"
	case PhaseWaitForICO:
		return "wait_for_ico"
	case PhaseMoneyBack:
		return "money_back"
	case PhaseTokenDistribution:
		return "token_distribution"
	case PhaseFundDeprecated:
		return "fund_deprecated"
	default:
		return fmt.Sprintf("phase(0x%02x)", uint8(p))
	}
}

// In reports whether p is one of the phases in mask.
func (p Phase) In(mask Phase) bool {
	if p == PhaseDefault {
		return mask == PhaseDefault
	}
	return p&mask != 0
}

// ParsePhase resolves a textual phase name.
func ParsePhase(raw string) (Phase, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for _, p := range AllPhases {
		if p.String() == normalized {
			return p, nil
		}
	}
	return PhaseDefault, fmt.Errorf("unknown phase %q", raw)
}
