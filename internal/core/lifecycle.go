package core

// Status is the lifecycle state shared by nodes and client devices.
// Nodes walk pending → active → suspended → revoked; devices are created
// active and can only be revoked.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// validTransitions encodes the node lifecycle. Revoked is terminal.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusRevoked},
	StatusActive:    {StatusSuspended, StatusRevoked},
	StatusSuspended: {StatusActive, StatusRevoked},
	StatusRevoked:   {},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new status, or a Conflict error
// naming both states when the move is illegal.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, Errorf(KindConflict, "BAD_TRANSITION",
			"cannot transition node from %s to %s", from, to)
	}
	return to, nil
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool { return len(validTransitions[s]) == 0 }

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusRevoked:
		return true
	}
	return false
}

// Directive names an action pushed to an agent in a sync response.
type Directive string

const (
	DirectiveRotateKey Directive = "rotate_key_by"
	DirectiveReenroll  Directive = "reenroll"
	DirectiveShutdown  Directive = "shutdown"
	DirectiveIsolate   Directive = "isolate"
)
