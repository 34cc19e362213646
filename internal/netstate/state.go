// Package netstate classifies connectivity as Wifi, Cellular or Offline and
// publishes transitions to observers.
package netstate

import (
	"fmt"
	"strings"
)

// State is the coarse connectivity class used for download admission.
type State int

const (
	Offline State = iota
	Cellular
	Wifi
)

func (s State) String() string {
	switch s {
	case Wifi:
		return "wifi"
	case Cellular:
		return "cellular"
	default:
		return "offline"
	}
}

// Online reports whether any network is reachable.
func (s State) Online() bool {
	return s != Offline
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	v, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState parses "wifi", "cellular" or "offline".
func ParseState(v string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "wifi":
		return Wifi, nil
	case "cellular":
		return Cellular, nil
	case "offline":
		return Offline, nil
	default:
		return Offline, fmt.Errorf("unknown network state: %q", v)
	}
}
