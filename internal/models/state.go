package models

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a secret as observed through its receipt.
type State uint8

const (
	StatePending State = iota
	StateViewed
	StateBurned
	StateExpired
)

var stateNames = [...]string{
	StatePending: "pending",
	StateViewed:  "viewed",
	StateBurned:  "burned",
	StateExpired: "expired",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s != StatePending
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}
