// Package trigger implements the dispatch engine: a registry of prioritized,
// condition-gated handlers keyed by (model, event), a recursion guard carried
// through the context, and the lifecycle runner that surrounds a bulk write
// with validate/before/after events.
package trigger

import (
	"fmt"
	"strings"
)

// Op is the kind of bulk write an operation performs.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Phase is the position of an event within an operation's lifecycle.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseBefore   Phase = "before"
	PhaseAfter    Phase = "after"
)

// Event identifies one lifecycle moment of one operation kind, e.g.
// "before_update".
type Event string

const (
	ValidateCreate Event = "validate_create"
	BeforeCreate   Event = "before_create"
	AfterCreate    Event = "after_create"
	ValidateUpdate Event = "validate_update"
	BeforeUpdate   Event = "before_update"
	AfterUpdate    Event = "after_update"
	ValidateDelete Event = "validate_delete"
	BeforeDelete   Event = "before_delete"
	AfterDelete    Event = "after_delete"
)

// EventFor composes the event for a phase of an operation.
func EventFor(phase Phase, op Op) Event {
	return Event(string(phase) + "_" + string(op))
}

// Phase returns the lifecycle phase encoded in the event.
func (e Event) Phase() Phase {
	name, _, _ := strings.Cut(string(e), "_")
	return Phase(name)
}

// Op returns the operation kind encoded in the event.
func (e Event) Op() Op {
	_, op, _ := strings.Cut(string(e), "_")
	return Op(op)
}

// Valid reports whether e is one of the nine lifecycle events.
func (e Event) Valid() bool {
	switch e.Phase() {
	case PhaseValidate, PhaseBefore, PhaseAfter:
	default:
		return false
	}
	switch e.Op() {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return false
	}
	return true
}

func (e Event) String() string { return string(e) }

// Priority orders handler execution within one (model, event): lower values
// run earlier, ties keep registration order.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

func (p Priority) String() string {
	switch p {
	case PriorityHighest:
		return "highest"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityLowest:
		return "lowest"
	}
	return fmt.Sprintf("%d", int(p))
}
