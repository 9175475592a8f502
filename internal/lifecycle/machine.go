// Package lifecycle validates status transitions triggered by domain actions
// such as approve, reject, resolve and publish.
package lifecycle

import (
	"fmt"
	"slices"

	"github.com/pitabwire/grcbff/model"
)

// Action is a named transition. It is valid only while the resource status is
// one of From and always moves the resource to To.
type Action struct {
	ID    string
	From  []string
	To    string
	Route string
}

// Path returns the backend sub-route for the action.
func (a Action) Path() string {
	if a.Route != "" {
		return a.Route
	}
	return a.ID
}

// Machine holds the closed status set of a resource collection and the
// actions that move resources between those statuses. A nil Machine accepts
// no actions.
type Machine struct {
	statuses []string
	actions  map[string]Action
	order    []string
}

// New builds a Machine. Every action must reference known statuses.
func New(statuses []string, actions ...Action) (*Machine, error) {
	m := &Machine{
		statuses: slices.Clone(statuses),
		actions:  make(map[string]Action, len(actions)),
	}
	for _, a := range actions {
		if a.ID == "" {
			return nil, fmt.Errorf("lifecycle: action id is required")
		}
		if _, dup := m.actions[a.ID]; dup {
			return nil, fmt.Errorf("lifecycle: duplicate action %q", a.ID)
		}
		if len(a.From) == 0 {
			return nil, fmt.Errorf("lifecycle: action %q has no source statuses", a.ID)
		}
		for _, from := range a.From {
			if !m.ValidStatus(from) {
				return nil, fmt.Errorf("lifecycle: action %q: unknown source status %q", a.ID, from)
			}
		}
		if !m.ValidStatus(a.To) {
			return nil, fmt.Errorf("lifecycle: action %q: unknown target status %q", a.ID, a.To)
		}
		a.From = slices.Clone(a.From)
		m.actions[a.ID] = a
		m.order = append(m.order, a.ID)
	}
	return m, nil
}

// MustNew is like New but panics on error. It is intended for lifecycles
// declared in code.
func MustNew(statuses []string, actions ...Action) *Machine {
	m, err := New(statuses, actions...)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDefinition builds a Machine from a resource definition.
func FromDefinition(def model.ResourceDefinition) (*Machine, error) {
	actions := make([]Action, 0, len(def.Actions))
	for _, a := range def.Actions {
		actions = append(actions, Action{ID: a.ID, From: a.From, To: a.To, Route: a.Route})
	}
	m, err := New(def.Statuses, actions...)
	if err != nil {
		return nil, fmt.Errorf("resource %q: %w", def.ID, err)
	}
	return m, nil
}

// Statuses returns the closed status set.
func (m *Machine) Statuses() []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.statuses)
}

// ValidStatus reports whether s belongs to the status set. An empty status
// set accepts any status.
func (m *Machine) ValidStatus(s string) bool {
	if m == nil || len(m.statuses) == 0 {
		return true
	}
	return slices.Contains(m.statuses, s)
}

// Action returns the named action.
func (m *Machine) Action(id string) (Action, bool) {
	if m == nil {
		return Action{}, false
	}
	a, ok := m.actions[id]
	return a, ok
}

// Check validates that action may run against a resource in status current.
// It returns NOT_FOUND for unknown actions and PRECONDITION_FAILED when the
// current status is outside the action's source set.
func (m *Machine) Check(action, current string) (Action, error) {
	a, ok := m.Action(action)
	if !ok {
		return Action{}, model.NewNotFoundError(fmt.Sprintf("action %q is not defined", action))
	}
	if !slices.Contains(a.From, current) {
		return Action{}, model.NewPreconditionError(
			fmt.Sprintf("cannot %s a resource with status %q; allowed from %v", action, current, a.From),
		)
	}
	return a, nil
}

// Available returns the ids of actions allowed from status current, in
// declaration order.
func (m *Machine) Available(current string) []string {
	if m == nil {
		return nil
	}
	var out []string
	for _, id := range m.order {
		if slices.Contains(m.actions[id].From, current) {
			out = append(out, id)
		}
	}
	return out
}
