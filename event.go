package hsm

import (
	"github.com/stateweave/hsm/kind"
)

// Event is an occurrence delivered to a machine. Its Kind is the event
// category; two events match when one category is the same as, or an
// ancestor of, the other. Name is for display, ID is stamped by the machine
// on dispatch when empty, and Data carries an optional payload.
type Event struct {
	Kind uint64 `json:"kind" yaml:"kind"`
	Name string `json:"name" yaml:"name"`
	ID   string `json:"id,omitempty" yaml:"id,omitempty"`
	Data any    `json:"data,omitempty" yaml:"data,omitempty"`
}

// WithData returns a copy of e carrying data.
func (e Event) WithData(data any) Event {
	e.Data = data
	return e
}

// Matches reports whether e and other lie on the same category line.
func (e Event) Matches(other Event) bool {
	return Matches(e, other)
}

// Is reports whether e's category is, or derives from, base's category.
func (e Event) Is(base Event) bool {
	return kind.Is(e.Kind, base.Kind)
}

// Reserved lifecycle events. They are delivered by the runtime only.
var (
	// EnterEvent is processed by a state's own tables each time it is entered.
	EnterEvent = Event{Name: "hsm_enter", Kind: kind.Make(LifecycleKind)}
	// ExitEvent is processed by a state's own tables each time it is exited.
	ExitEvent = Event{Name: "hsm_exit", Kind: kind.Make(LifecycleKind)}
	// UnnamedEvent is delivered after every completed transition so that
	// always-true transitions chain without an external trigger.
	UnnamedEvent = Event{Name: "hsm_unnamed", Kind: kind.Make(LifecycleKind)}
)

// AnyEvent is the root of every user category. Activities registered for it
// see every user event the state receives, after any more specific
// activities. Transitions registered for it fire only when no more specific
// transition list matches.
var AnyEvent = Event{Name: "*", Kind: EventKind}

// NewEvent allocates a new event category. Without bases the category derives
// from EventKind; otherwise it derives from every base's category, so a
// handler registered for a base also reacts to the new category.
//
// Categories are process wide and limited in number, so NewEvent belongs in
// package level var blocks, not on the dispatch path.
func NewEvent(name string, bases ...Event) Event {
	parents := make([]uint64, 0, len(bases))
	for _, base := range bases {
		parents = append(parents, base.Kind)
	}
	if len(parents) == 0 {
		parents = append(parents, EventKind)
	}
	return Event{Name: name, Kind: kind.Make(parents...)}
}

// Matches reports whether a's category is a reflexive, transitive ancestor or
// descendant of b's category.
func Matches(a, b Event) bool {
	return kind.Related(a.Kind, b.Kind)
}

func isLifecycle(event Event) bool {
	return event.Kind == EnterEvent.Kind || event.Kind == ExitEvent.Kind
}
