package jobs

import "fmt"

// Registry holds the job state of every family.
type Registry struct {
	states map[Family]*State
}

// NewRegistry creates idle states for every family.
func NewRegistry() *Registry {
	r := &Registry{states: make(map[Family]*State, len(Families))}
	for _, f := range Families {
		r.states[f] = NewState(f)
	}
	return r
}

// Get returns the state for family.
func (r *Registry) Get(family Family) (*State, error) {
	s, ok := r.states[family]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	return s, nil
}

// Running returns snapshots of every running job.
func (r *Registry) Running() []Snapshot {
	var out []Snapshot
	for _, f := range Families {
		if snap := r.states[f].Snapshot(); snap.IsRunning {
			out = append(out, snap)
		}
	}
	return out
}
