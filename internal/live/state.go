package live

import "fmt"

// State is the connectivity state of one subscription.
type State int

const (
	// Online means the store subscription is established and pushing.
	Online State = iota
	// Degraded means a connectivity error was seen and a reconnect is
	// scheduled; the view is served from a one-shot read or the cache.
	Degraded
	// Offline means the network was disabled explicitly or the retry budget
	// ran out. Only GoOnline or a constraint change leave it.
	Offline
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Degraded:
		return "degraded"
	case Offline:
		return "offline"
	default:
		return "invalid"
	}
}

// IsOffline is the only connectivity signal consumers see.
func (s State) IsOffline() bool {
	return s == Degraded || s == Offline
}

func (s State) validateTransitionTo(next State) error {
	switch s {
	case Online:
		switch next {
		case Degraded, Offline:
			return nil
		}
	case Degraded:
		switch next {
		case Online, Degraded, Offline:
			return nil
		}
	case Offline:
		if next == Online {
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %v to %v", s, next)
}
