package domain

import "fmt"

type OrderEvent string

const (
	OrderEventMatch    OrderEvent = "match"
	OrderEventRequeue  OrderEvent = "requeue"
	OrderEventStart    OrderEvent = "start"
	OrderEventComplete OrderEvent = "complete"
	OrderEventCancel   OrderEvent = "cancel"
)

var orderTransitions = map[OrderState]map[OrderEvent]OrderState{
	OrderCreated: {
		OrderEventMatch:  OrderMatched,
		OrderEventCancel: OrderCancelled,
	},
	OrderMatched: {
		OrderEventRequeue: OrderCreated,
		OrderEventStart:   OrderInProgress,
		OrderEventCancel:  OrderCancelled,
	},
	OrderInProgress: {
		OrderEventComplete: OrderCompleted,
		OrderEventCancel:   OrderCancelled,
	},
}

// NextOrderState resolves the state reached by applying event to current.
// Terminal states accept no event.
func NextOrderState(current OrderState, event OrderEvent) (OrderState, error) {
	next, ok := orderTransitions[current][event]
	if !ok {
		return current, fmt.Errorf("%w: order %s on %s", ErrInvalidTransition, event, current)
	}
	return next, nil
}

// CanApply reports whether event is legal from current.
func (s OrderState) CanApply(event OrderEvent) bool {
	_, ok := orderTransitions[s][event]
	return ok
}

var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentAvailable: {AgentReserved, AgentOffline},
	AgentReserved:  {AgentBusy, AgentAvailable, AgentOffline},
	AgentBusy:      {AgentAvailable, AgentOffline},
	AgentOffline:   {AgentAvailable},
}

// CanTransitionTo reports whether the agent status may move to next.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	for _, candidate := range agentTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// CheckAgentTransition returns ErrInvalidTransition when the move is illegal.
func CheckAgentTransition(current, next AgentStatus) error {
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("%w: agent %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}
