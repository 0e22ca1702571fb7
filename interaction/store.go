package interaction

import (
	"fmt"
	"iter"

	"github.com/claudego/server/errdefs"
)

// Store is the authoritative record of a session's interaction units.
//
// Store is not safe for concurrent use. A session coordinator owns it and
// serializes every call.
type Store struct {
	units []*Unit
	byID  map[string]int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{byID: make(map[string]int)}
}

// Register adds a pending unit.
func (s *Store) Register(u Unit) error {
	if u.ID == "" {
		return fmt.Errorf("%w: unit id required", errdefs.ErrInvalidArgument)
	}
	if _, exists := s.byID[u.ID]; exists {
		return fmt.Errorf("%w: unit %s", errdefs.ErrDuplicateID, u.ID)
	}
	u.Answered = false
	u.Resolution = nil
	s.byID[u.ID] = len(s.units)
	s.units = append(s.units, &u)
	return nil
}

// Has reports whether id is registered.
func (s *Store) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Get returns a copy of the unit with the given id.
func (s *Store) Get(id string) (Unit, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Unit{}, false
	}
	return *s.units[i], true
}

// Resolve marks the unit answered with res and returns the next pending
// question of the same set, if any. Questions of a set are resolved in
// order; res is validated against the unit before anything changes.
func (s *Store) Resolve(id string, res Resolution) (*Unit, error) {
	i, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: unit %s", errdefs.ErrNotFound, id)
	}
	u := s.units[i]
	if u.Answered {
		return nil, fmt.Errorf("%w: unit %s", errdefs.ErrAlreadyAnswered, id)
	}
	if prev := s.previousInSet(u); prev != nil && !prev.Answered {
		return nil, fmt.Errorf("%w: %s must be answered before %s", errdefs.ErrStaleActiveUnit, prev.ID, id)
	}
	if err := u.Validate(&res); err != nil {
		return nil, err
	}

	u.Answered = true
	u.Resolution = &res

	if next := s.nextInSet(u); next != nil {
		cp := *next
		return &cp, nil
	}
	return nil, nil
}

// Settle marks every unanswered unit derived from toolUseID answered with
// ResolveExternal and returns their ids. Units already answered keep their
// resolution.
func (s *Store) Settle(toolUseID string) []string {
	var settled []string
	for _, u := range s.units {
		if u.SetID != toolUseID || u.Answered {
			continue
		}
		u.Answered = true
		u.Resolution = &Resolution{Kind: ResolveExternal}
		settled = append(settled, u.ID)
	}
	return settled
}

func (s *Store) previousInSet(u *Unit) *Unit {
	if u.Kind != KindQuestion || u.Index == 0 {
		return nil
	}
	for i := s.byID[u.ID] - 1; i >= 0; i-- {
		if p := s.units[i]; p.SetID == u.SetID && p.Kind == KindQuestion && p.Index == u.Index-1 {
			return p
		}
	}
	return nil
}

func (s *Store) nextInSet(u *Unit) *Unit {
	if u.Kind != KindQuestion {
		return nil
	}
	for _, n := range s.units[s.byID[u.ID]+1:] {
		if n.SetID == u.SetID && n.Kind == KindQuestion && !n.Answered {
			return n
		}
	}
	return nil
}

// Pending yields the unanswered units in creation order. The sequence is
// lazy and may be iterated again; each iteration reflects the store at that
// time.
func (s *Store) Pending() iter.Seq[Unit] {
	return func(yield func(Unit) bool) {
		for _, u := range s.units {
			if u.Answered {
				continue
			}
			if !yield(*u) {
				return
			}
		}
	}
}

// First returns the earliest pending unit.
func (s *Store) First() (Unit, bool) {
	for u := range s.Pending() {
		return u, true
	}
	return Unit{}, false
}

// All yields every unit in creation order.
func (s *Store) All() iter.Seq[Unit] {
	return func(yield func(Unit) bool) {
		for _, u := range s.units {
			if !yield(*u) {
				return
			}
		}
	}
}

// Len returns the number of registered units.
func (s *Store) Len() int {
	return len(s.units)
}
