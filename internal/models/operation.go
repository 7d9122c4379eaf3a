package models

import (
	"time"
)

// OperationType identifies an interactive automation task submitted by an agent.
type OperationType string

const (
	OperationPlaceOrder        OperationType = "place-order"
	OperationEditOrder         OperationType = "edit-order"
	OperationSendToFulfillment OperationType = "send-to-fulfillment"
	OperationDeleteOrder       OperationType = "delete-order"
	OperationCreateCustomer    OperationType = "create-customer"
)

// ValidOperationType reports whether t is a known operation type.
func ValidOperationType(t OperationType) bool {
	switch t {
	case OperationPlaceOrder, OperationEditOrder, OperationSendToFulfillment,
		OperationDeleteOrder, OperationCreateCustomer:
		return true
	}
	return false
}

// OperationState is the lifecycle state of an operation.
type OperationState string

const (
	OperationQueued    OperationState = "queued"
	OperationRunning   OperationState = "running"
	OperationCompleted OperationState = "completed"
	OperationFailed    OperationState = "failed"
	OperationTimedOut  OperationState = "timed-out"
	OperationCancelled OperationState = "cancelled"
)

// Terminal reports whether the state is final. Terminal operations are never
// re-executed; resubmission requires a new idempotency key once the dedup
// window has passed.
func (s OperationState) Terminal() bool {
	switch s {
	case OperationCompleted, OperationFailed, OperationTimedOut, OperationCancelled:
		return true
	}
	return false
}

// ValidOperationTransition validates a state change against the operation
// state machine: queued -> running -> {completed|failed|timed-out|cancelled},
// plus queued -> cancelled for operations withdrawn before dispatch.
func ValidOperationTransition(from, to OperationState) bool {
	validTransitions := map[OperationState][]OperationState{
		OperationQueued:    {OperationRunning, OperationCancelled},
		OperationRunning:   {OperationCompleted, OperationFailed, OperationTimedOut, OperationCancelled},
		OperationCompleted: {},
		OperationFailed:    {},
		OperationTimedOut:  {},
		OperationCancelled: {},
	}

	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Operation is a unit of work submitted to the operation queue. ID doubles as
// the idempotency key: two submissions with the same ID never execute twice.
type Operation struct {
	ID        string                 `json:"id"`
	AgentID   string                 `json:"agent_id"`
	Type      OperationType          `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Priority  int                    `json:"priority"`
	CreatedAt time.Time              `json:"created_at"`
	Timeout   time.Duration          `json:"-"`
}
