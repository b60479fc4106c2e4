package pool

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"icopool/core/types"
)

const (
	EventTypePhaseChanged        = "pool.phase.changed"
	EventTypeContributed         = "pool.contributed"
	EventTypeTokensAccepted      = "pool.tokens.accepted"
	EventTypeStakeholderReleased = "pool.stakeholder.released"
	EventTypeTokenReleased       = "pool.token.released"
	EventTypeEtherReleased       = "pool.ether.released"
	EventTypeRefunded            = "pool.refunded"
	EventTypeExecuted            = "pool.executed"
)

type poolEvent struct {
	evt *types.Event
}

func (e poolEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event exposes the underlying payload to subscribers.
func (e poolEvent) Event() *types.Event { return e.evt }

// NewPhaseChangedEvent describes a transition between lifecycle phases.
func NewPhaseChangedEvent(t Transition) *types.Event {
	mode := "manual"
	if t.Automatic {
		mode = "automatic"
	}
	return &types.Event{
		Type: EventTypePhaseChanged,
		Attributes: map[string]string{
			"from": t.From.String(),
			"to":   t.To.String(),
			"at":   strconv.FormatInt(t.At, 10),
			"mode": mode,
		},
	}
}

// NewContributedEvent is emitted when an investor deposits ether.
func NewContributedEvent(investor common.Address, amount, totalRaised *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeContributed,
		Attributes: map[string]string{
			"investor":    investor.Hex(),
			"amount":      amount.Dec(),
			"totalRaised": totalRaised.Dec(),
		},
	}
}

// NewTokensAcceptedEvent is emitted when the ICO manager delivers tokens.
func NewTokensAcceptedEvent(from common.Address, amount, totalToken *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeTokensAccepted,
		Attributes: map[string]string{
			"from":       from.Hex(),
			"amount":     amount.Dec(),
			"totalToken": totalToken.Dec(),
		},
	}
}

// NewStakeholderReleasedEvent is emitted on a stakeholder ether payout.
func NewStakeholderReleasedEvent(role Role, to, caller common.Address, amount *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeStakeholderReleased,
		Attributes: map[string]string{
			"role":   role.String(),
			"to":     to.Hex(),
			"caller": caller.Hex(),
			"amount": amount.Dec(),
		},
	}
}

func newInvestorEvent(eventType string, investor, caller common.Address, amount *uint256.Int) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"investor": investor.Hex(),
			"caller":   caller.Hex(),
			"amount":   amount.Dec(),
		},
	}
}

// NewTokenReleasedEvent is emitted when tokens are paid to an investor.
func NewTokenReleasedEvent(investor, caller common.Address, amount *uint256.Int) *types.Event {
	return newInvestorEvent(EventTypeTokenReleased, investor, caller, amount)
}

// NewEtherReleasedEvent is emitted when unused stakeholder ether is paid to an investor.
func NewEtherReleasedEvent(investor, caller common.Address, amount *uint256.Int) *types.Event {
	return newInvestorEvent(EventTypeEtherReleased, investor, caller, amount)
}

// NewRefundedEvent is emitted when a contribution is returned in money back.
func NewRefundedEvent(investor, caller common.Address, amount *uint256.Int) *types.Event {
	return newInvestorEvent(EventTypeRefunded, investor, caller, amount)
}

// NewExecutedEvent is emitted for every admin sweep call.
func NewExecutedEvent(caller, target common.Address, value *uint256.Int, method string) *types.Event {
	if method == "" {
		method = "ether"
	}
	return &types.Event{
		Type: EventTypeExecuted,
		Attributes: map[string]string{
			"caller": caller.Hex(),
			"target": target.Hex(),
			"value":  value.Dec(),
			"method": method,
		},
	}
}
