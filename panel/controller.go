// Package panel selects the single active interaction of a session across
// the interaction store and the permission channel.
package panel

import (
	"fmt"
	"maps"
	"slices"

	"github.com/claudego/server/errdefs"
	"github.com/claudego/server/interaction"
	"github.com/claudego/server/permission"
)

// Kind is the kind of the active unit.
type Kind string

const (
	KindQuestion   Kind = "question"
	KindPlan       Kind = "plan"
	KindPermission Kind = "permission"
)

// State is the controller state.
type State int

const (
	Idle State = iota
	Showing
)

func (s State) String() string {
	if s == Showing {
		return "showing"
	}
	return "idle"
}

// Active describes the unit shown on the panel. Exactly one of Unit and
// Request is set.
type Active struct {
	Kind      Kind                `json:"kind"`
	ID        string              `json:"id"`
	Seq       uint64              `json:"seq"`
	Unit      *interaction.Unit   `json:"unit,omitempty"`
	Request   *permission.Request `json:"request,omitempty"`
	Selection []int               `json:"selection,omitempty"`
}

// Controller runs the Idle -> Showing -> Idle state machine.
//
// Controller is not safe for concurrent use; it is driven by the session
// coordinator together with the stores it reads.
type Controller struct {
	store   *interaction.Store
	channel *permission.Channel

	state     State
	active    Active
	selection map[int]bool
}

// New returns an idle controller over the given stores.
func New(store *interaction.Store, channel *permission.Channel) *Controller {
	return &Controller{
		store:     store,
		channel:   channel,
		selection: make(map[int]bool),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Activate recomputes the active unit: the earliest-arrived unresolved unit
// across both stores. ok is false when nothing is pending.
func (c *Controller) Activate() (Active, bool) {
	next, ok := c.earliest()
	if !ok {
		c.state = Idle
		c.active = Active{}
		clear(c.selection)
		return Active{}, false
	}

	if c.state != Showing || c.active.ID != next.ID {
		clear(c.selection)
	}
	c.state = Showing
	c.active = next
	return c.view(), true
}

func (c *Controller) earliest() (Active, bool) {
	u, hasUnit := c.store.First()
	r, hasReq := c.channel.First()

	switch {
	case hasUnit && (!hasReq || u.Seq < r.Seq):
		kind := KindQuestion
		if u.Kind == interaction.KindPlan {
			kind = KindPlan
		}
		return Active{Kind: kind, ID: u.ID, Seq: u.Seq, Unit: &u}, true
	case hasReq:
		return Active{Kind: KindPermission, ID: r.ToolUseID, Seq: r.Seq, Request: &r}, true
	default:
		return Active{}, false
	}
}

func (c *Controller) view() Active {
	a := c.active
	a.Selection = c.Selection()
	return a
}

// Selection returns the toggled option indices of the active multi-select
// question in ascending order.
func (c *Controller) Selection() []int {
	if len(c.selection) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(c.selection))
}

// current recomputes the active unit and returns it if its id is
// activeID. Otherwise it classifies the mismatch: unknown ids are not
// found, answered units are already answered, and anything else is stale.
// A resolved permission request is gone from the channel, so it is not
// found either.
func (c *Controller) current(activeID string) (Active, error) {
	c.Activate()
	if c.state == Showing && c.active.ID == activeID {
		return c.active, nil
	}

	if u, ok := c.store.Get(activeID); ok {
		if u.Answered {
			return Active{}, fmt.Errorf("%w: unit %s", errdefs.ErrAlreadyAnswered, activeID)
		}
		return Active{}, fmt.Errorf("%w: %s is not the active unit", errdefs.ErrStaleActiveUnit, activeID)
	}
	if r, ok := c.channel.Get(activeID); ok {
		if r.Resolved {
			return Active{}, fmt.Errorf("%w: permission request %s already resolved", errdefs.ErrNotFound, activeID)
		}
		return Active{}, fmt.Errorf("%w: %s is not the active unit", errdefs.ErrStaleActiveUnit, activeID)
	}
	return Active{}, fmt.Errorf("%w: unit %s", errdefs.ErrNotFound, activeID)
}

func (c *Controller) settle() {
	c.state = Idle
	c.active = Active{}
	clear(c.selection)
}

// Resolve resolves the active question or plan. Multi-select questions go
// through Toggle and Submit instead. The resolved unit is returned.
func (c *Controller) Resolve(activeID string, res interaction.Resolution) (interaction.Unit, error) {
	a, err := c.current(activeID)
	if err != nil {
		return interaction.Unit{}, err
	}
	if a.Kind == KindPermission {
		return interaction.Unit{}, fmt.Errorf("%w: %s is a permission request", errdefs.ErrInvalidArgument, activeID)
	}
	if res.Kind == interaction.ResolveOptions {
		return interaction.Unit{}, fmt.Errorf("%w: multi-select answers are submitted", errdefs.ErrInvalidArgument)
	}
	return c.resolveUnit(a.ID, res)
}

func (c *Controller) resolveUnit(id string, res interaction.Resolution) (interaction.Unit, error) {
	if _, err := c.store.Resolve(id, res); err != nil {
		return interaction.Unit{}, err
	}
	c.settle()
	u, _ := c.store.Get(id)
	return u, nil
}

// ResolvePermission decides the active permission request.
func (c *Controller) ResolvePermission(activeID string, d permission.Decision) (permission.Request, error) {
	a, err := c.current(activeID)
	if err != nil {
		return permission.Request{}, err
	}
	if a.Kind != KindPermission {
		return permission.Request{}, fmt.Errorf("%w: %s is not a permission request", errdefs.ErrInvalidArgument, activeID)
	}

	req, err := c.channel.Resolve(a.ID, d)
	if err != nil {
		return permission.Request{}, err
	}
	c.settle()
	return req, nil
}

func (c *Controller) multiSelect(activeID string) (Active, error) {
	a, err := c.current(activeID)
	if err != nil {
		return Active{}, err
	}
	if a.Kind != KindQuestion || !a.Unit.Question.MultiSelect {
		return Active{}, fmt.Errorf("%w: %s is not a multi-select question", errdefs.ErrInvalidArgument, activeID)
	}
	return a, nil
}

// Toggle flips one option of the active multi-select question and returns
// the resulting selection. Toggling twice restores the previous selection.
func (c *Controller) Toggle(activeID string, index int) ([]int, error) {
	a, err := c.multiSelect(activeID)
	if err != nil {
		return nil, err
	}
	if n := len(a.Unit.Question.Options); index < 0 || index >= n {
		return nil, fmt.Errorf("%w: option %d out of range [0,%d)", errdefs.ErrInvalidArgument, index, n)
	}

	if c.selection[index] {
		delete(c.selection, index)
	} else {
		c.selection[index] = true
	}
	return c.Selection(), nil
}

// Submit resolves the active multi-select question with indices, or with
// the toggled selection when indices is nil. An empty selection is
// rejected without changing state.
func (c *Controller) Submit(activeID string, indices []int) (interaction.Unit, error) {
	if _, err := c.multiSelect(activeID); err != nil {
		return interaction.Unit{}, err
	}
	if indices == nil {
		indices = c.Selection()
	}
	if len(indices) == 0 {
		return interaction.Unit{}, fmt.Errorf("%w: empty selection for %s", errdefs.ErrInvalidArgument, activeID)
	}
	return c.resolveUnit(activeID, interaction.Resolution{
		Kind:    interaction.ResolveOptions,
		Options: slices.Clone(indices),
	})
}
