package worker

import (
	"encoding/json"
	"fmt"
)

// Status is a worker lifecycle state.
type Status int

const (
	StatusInitializing Status = iota
	StatusReady
	StatusProcessing
	StatusError
	StatusTerminating
	StatusTerminated
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusProcessing:
		return "processing"
	case StatusError:
		return "error"
	case StatusTerminating:
		return "terminating"
	case StatusTerminated:
		return "terminated"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st := StatusInitializing; st <= StatusFailed; st++ {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown worker status %q", name)
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusInitializing: {StatusReady, StatusFailed, StatusTerminating},
	StatusReady:        {StatusProcessing, StatusError, StatusTerminating},
	StatusProcessing:   {StatusReady, StatusError, StatusTerminating},
	StatusError:        {StatusReady, StatusTerminating},
	StatusTerminating:  {StatusTerminated},
}

// canTransition reports whether from -> to is a legal lifecycle step.
func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
