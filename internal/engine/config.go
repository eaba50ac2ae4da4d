// Package engine keeps confidence bands current for a set of series identities.
package engine

import (
	"errors"
	"fmt"

	"bandwatch/internal/band"
)

var (
	// ErrInvalidConfidence is returned when a confidence level is outside (0,1).
	ErrInvalidConfidence = band.ErrInvalidConfidence
	// ErrUnknownSeries is returned for identities the engine has never seen.
	ErrUnknownSeries = errors.New("engine: unknown series")
	// ErrNoResult is returned when nothing has been computed for a series yet.
	ErrNoResult = errors.New("engine: no result yet")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: closed")
)

// Config is the caller-controlled overlay configuration of one series.
type Config struct {
	ConfidenceLevel       float64 `json:"confidence_level" mapstructure:"confidence_level"`
	DiscoverSeasonalities bool    `json:"discover_seasonalities" mapstructure:"discover_seasonalities"`
	Pinned                bool    `json:"pinned" mapstructure:"pinned"`
}

// DefaultConfig returns a 95% band with seasonality discovery on.
func DefaultConfig() Config {
	return Config{ConfidenceLevel: 0.95, DiscoverSeasonalities: true}
}

// Validate rejects confidence levels outside the open interval (0,1).
func (c Config) Validate() error {
	if !(c.ConfidenceLevel > 0 && c.ConfidenceLevel < 1) {
		return fmt.Errorf("%w: %v", ErrInvalidConfidence, c.ConfidenceLevel)
	}
	return nil
}

// State is the recalculation state of a tracked series.
type State int

const (
	StateStale State = iota
	StateComputing
	StateFresh
	StatePinned
)

var stateNames = [...]string{"stale", "computing", "fresh", "pinned"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// AllStates lists every state, in declaration order.
func AllStates() []State {
	return []State{StateStale, StateComputing, StateFresh, StatePinned}
}
