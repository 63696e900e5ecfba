package transaction

import (
	"fmt"
	"time"
)

// Action decides whether a receiver begins a transaction per message
type Action int

const (
	ActionNone Action = iota
	ActionAlwaysBegin
	ActionBeginOrJoin
)

// Config is the transaction configuration of an endpoint
type Config struct {
	Action  Action
	Kind    Kind
	Timeout time.Duration
}

// IsTransacted reports whether sessions for this endpoint must be transacted.
// Client-ack transactions run on acknowledging sessions, not transacted ones.
func (c Config) IsTransacted() bool {
	return c.Action != ActionNone && c.Kind != KindClientAck
}

// Begins reports whether a receiver should begin a transaction
func (c Config) Begins() bool {
	return c.Action != ActionNone
}

// ParseAction maps a configuration value to an Action
func ParseAction(s string) (Action, error) {
	switch s {
	case "", "none", "NONE":
		return ActionNone, nil
	case "always-begin", "ALWAYS_BEGIN":
		return ActionAlwaysBegin, nil
	case "begin-or-join", "BEGIN_OR_JOIN":
		return ActionBeginOrJoin, nil
	}
	return ActionNone, fmt.Errorf("unknown transaction action %q", s)
}
