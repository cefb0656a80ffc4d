package ingest

import (
	"fmt"

	"github.com/c360/xraysignals/errors"
)

// State is a step of the per-delivery state machine. Accepted, DeadLettered
// and Retry are terminal for one delivery attempt.
type State int

// Delivery states.
const (
	StateReceived State = iota
	StateValidating
	StateAccepted
	StateDeadLettered
	StateRetry
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateValidating:
		return "VALIDATING"
	case StateAccepted:
		return "ACCEPTED"
	case StateDeadLettered:
		return "DEAD_LETTERED"
	case StateRetry:
		return "RETRY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s ends a delivery attempt.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateDeadLettered || s == StateRetry
}

// DecodeOutcome summarizes what the decoder made of a payload.
type DecodeOutcome int

// Decode outcomes.
const (
	// DecodeUsable means at least one device entry validated.
	DecodeUsable DecodeOutcome = iota
	// DecodeEmpty means the top level was a device mapping but no entry survived.
	DecodeEmpty
	// DecodeUnusable means the top level was not a device mapping.
	DecodeUnusable
	// DecodeFailed means decoding itself broke, for example by panicking.
	DecodeFailed
)

func (d DecodeOutcome) String() string {
	switch d {
	case DecodeUsable:
		return "usable"
	case DecodeEmpty:
		return "empty"
	case DecodeUnusable:
		return "unusable"
	case DecodeFailed:
		return "failed"
	default:
		return fmt.Sprintf("DecodeOutcome(%d)", int(d))
	}
}

// PersistOutcome summarizes the bulk insert for a delivery.
type PersistOutcome int

// Persist outcomes.
const (
	PersistSkipped PersistOutcome = iota
	PersistOK
	PersistFailed
)

func (p PersistOutcome) String() string {
	switch p {
	case PersistSkipped:
		return "skipped"
	case PersistOK:
		return "ok"
	case PersistFailed:
		return "failed"
	default:
		return fmt.Sprintf("PersistOutcome(%d)", int(p))
	}
}

// EmptyPolicy decides what happens to a well-formed message in which no
// device entry validated.
type EmptyPolicy string

// Empty message policies.
const (
	// EmptyAccept acknowledges the message without touching the store.
	EmptyAccept EmptyPolicy = "accept"
	// EmptyDeadLetter terminates the message and copies it to the dead-letter stream.
	EmptyDeadLetter EmptyPolicy = "dead_letter"
)

// Validate checks that p is a known policy. The zero value is EmptyAccept.
func (p EmptyPolicy) Validate() error {
	switch p {
	case "", EmptyAccept, EmptyDeadLetter:
		return nil
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown empty policy %q", errors.ErrInvalidConfig, string(p)),
			"EmptyPolicy", "Validate", "check policy")
	}
}

// Classify maps a decode and persist outcome to the terminal state of a
// delivery. It has no side effects.
//
// A payload that cannot be a device mapping is permanent and dead-lettered.
// Anything that failed in flight is retried. A usable message is accepted
// only when the store confirmed the write.
func Classify(decoded DecodeOutcome, persisted PersistOutcome, empty EmptyPolicy) State {
	switch decoded {
	case DecodeUnusable:
		return StateDeadLettered
	case DecodeEmpty:
		if empty == EmptyDeadLetter {
			return StateDeadLettered
		}
		if persisted == PersistFailed {
			return StateRetry
		}
		return StateAccepted
	case DecodeUsable:
		if persisted == PersistOK {
			return StateAccepted
		}
		return StateRetry
	default:
		return StateRetry
	}
}
