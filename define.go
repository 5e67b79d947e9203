package hsm

import (
	"context"
	"fmt"
	"path"
	"slices"
)

// frame is one level of the definition stack: the enclosing state and, inside
// Transition, Activity or Initial, the handler being assembled.
type frame struct {
	state   StateID
	handler *partialHandler
}

// RedefinableElement is a function that modifies a Model by adding or updating
// elements. It's used to build the state machine structure in a declarative way.
type RedefinableElement = func(model *Model, stack []frame)

type partialHandler struct {
	kind    uint64
	source  string
	target  string
	events  []Event
	guard   ExpressionFunc
	effects []OperationFunc
}

func (partial *partialHandler) guardOrAlways() ExpressionFunc {
	if partial.guard == nil {
		return Always
	}
	return partial.guard
}

func (partial *partialHandler) effect() OperationFunc {
	switch len(partial.effects) {
	case 0:
		return Nop
	case 1:
		return partial.effects[0]
	}
	effects := partial.effects
	return func(ctx context.Context, event Event) {
		for _, effect := range effects {
			effect(ctx, event)
		}
	}
}

func (model *Model) push(partial RedefinableElement) {
	model.elements = append(model.elements, partial)
}

func apply(model *Model, stack []frame, partials ...RedefinableElement) {
	for _, partial := range partials {
		if partial != nil {
			partial(model, stack)
		}
	}
}

func enclosing(stack []frame) frame {
	return stack[len(stack)-1]
}

// Define creates a new model with the given name and elements. Elements are
// applied in order; targets are resolved once every element has been applied,
// so a transition may point at a state declared after it. Any fault panics
// with a *DefinitionError locating the offending element.
//
// Example:
//
//	model := hsm.Define(
//	    "traffic_light",
//	    hsm.State("red"),
//	    hsm.State("yellow"),
//	    hsm.State("green"),
//	    hsm.Initial(hsm.Target("red")),
//	)
func Define(name string, redefinableElements ...RedefinableElement) *Model {
	traceback := traceback()
	if err := validName(name); err != nil {
		traceback(err)
	}
	model := NewModel(name)
	model.elements = redefinableElements
	stack := []frame{{state: model.root}}
	for len(model.elements) > 0 {
		elements := model.elements
		model.elements = nil
		apply(model, stack, elements...)
	}
	return model
}

// IsAncestor checks whether current is an ancestor of target in a qualified
// name hierarchy. It returns false if current equals target.
func IsAncestor(current, target string) bool {
	current = path.Clean(current)
	target = path.Clean(target)
	if current == target || current == "." || target == "." {
		return false
	}
	if current == "/" {
		return true
	}
	parent := path.Dir(target)
	for parent != "/" {
		if parent == current {
			return true
		}
		parent = path.Dir(parent)
	}
	return false
}

// resolve qualifies name against owner. Relative names are joined onto the
// owner's qualified name; absolute names are anchored at the model root.
func resolve(model *Model, owner StateID, name string) string {
	if path.IsAbs(name) {
		root := model.vertices[model.root].qualifiedName
		if name == root || IsAncestor(root, name) {
			return path.Clean(name)
		}
		return path.Join(root, name)
	}
	return path.Join(model.vertices[owner].qualifiedName, name)
}

func lookup(traceback func(error), model *Model, qualifiedName string, sentinel error) StateID {
	id, ok := model.members[qualifiedName]
	if !ok {
		traceback(fmt.Errorf("%w: missing state %q", sentinel, qualifiedName))
	}
	return id
}

// State creates a new state with the given name and optional child elements.
// Adding a State inside another makes the outer one a composite.
//
// Example:
//
//	hsm.State("active",
//	    hsm.Entry(func(ctx context.Context, event hsm.Event) {
//	        log.Println("Entering active state")
//	    }),
//	    hsm.State("idle"),
//	    hsm.Initial(hsm.Target("idle")),
//	)
func State(name string, partialElements ...RedefinableElement) RedefinableElement {
	traceback := traceback()
	return func(model *Model, stack []frame) {
		owner := enclosing(stack)
		if owner.handler != nil {
			traceback(fmt.Errorf("%w: state %q must be called within Define() or State()", ErrInvalidState, name))
		}
		id, err := model.AddState(owner.state, name)
		if err != nil {
			traceback(err)
		}
		apply(model, append(slices.Clip(stack), frame{state: id}), partialElements...)
	}
}

// Transition creates a transition owned by the enclosing state. Without On
// the transition reacts to the Unnamed event and is attempted right after
// every completed transition.
//
// Example:
//
//	hsm.Transition(
//	    hsm.On(submit),
//	    hsm.Target("../review"),
//	    hsm.Guard(isValid),
//	    hsm.Effect(notify),
//	)
func Transition(partialElements ...RedefinableElement) RedefinableElement {
	traceback := traceback()
	return func(model *Model, stack []frame) {
		owner := enclosing(stack)
		if owner.handler != nil {
			traceback(fmt.Errorf("%w: transition must be called within Define() or State()", ErrHandlerKind))
		}
		partial := &partialHandler{kind: TransitionKind}
		apply(model, append(slices.Clip(stack), frame{state: owner.state, handler: partial}), partialElements...)
		model.push(func(model *Model, _ []frame) {
			source := owner.state
			if partial.source != "" {
				source = lookup(traceback, model, partial.source, ErrInvalidState)
			}
			if partial.target == "" {
				traceback(fmt.Errorf("%w: transition on %s has no target, use Activity() for reactions", ErrInvalidTarget, model.QualifiedName(source)))
			}
			target := lookup(traceback, model, partial.target, ErrInvalidTarget)
			handler := newHandler(traceback, TransitionKind, target, partial.guardOrAlways(), partial.effect())
			events := partial.events
			if len(events) == 0 {
				events = []Event{UnnamedEvent}
			}
			for _, event := range events {
				if err := model.AddTransition(source, event, handler); err != nil {
					traceback(err)
				}
			}
		})
	}
}

// Activity creates a guarded reaction owned by the enclosing state. Activities
// never change state and every matching activity runs.
//
// Example:
//
//	hsm.Activity(hsm.On(coin), hsm.Effect(count))
func Activity(partialElements ...RedefinableElement) RedefinableElement {
	traceback := traceback()
	return func(model *Model, stack []frame) {
		owner := enclosing(stack)
		if owner.handler != nil {
			traceback(fmt.Errorf("%w: activity must be called within Define() or State()", ErrHandlerKind))
		}
		partial := &partialHandler{kind: ActivityKind}
		apply(model, append(slices.Clip(stack), frame{state: owner.state, handler: partial}), partialElements...)
		if len(partial.events) == 0 {
			traceback(fmt.Errorf("%w: activity requires On()", ErrInvalidEvent))
		}
		handler := newHandler(traceback, ActivityKind, NoState, partial.guardOrAlways(), partial.effect())
		for _, event := range partial.events {
			if err := model.AddActivity(owner.state, event, handler); err != nil {
				traceback(err)
			}
		}
	}
}

// Initial sets the state the enclosing composite starts in. It accepts a
// Target and optional Effects; initial transitions are never guarded.
//
// Example:
//
//	hsm.Initial(hsm.Target("idle"))
func Initial(partialElements ...RedefinableElement) RedefinableElement {
	traceback := traceback()
	return func(model *Model, stack []frame) {
		owner := enclosing(stack)
		if owner.handler != nil {
			traceback(fmt.Errorf("%w: initial must be called within Define() or State()", ErrHandlerKind))
		}
		partial := &partialHandler{kind: InitialKind}
		apply(model, append(slices.Clip(stack), frame{state: owner.state, handler: partial}), partialElements...)
		model.push(func(model *Model, _ []frame) {
			composite, err := model.composite(owner.state)
			if err != nil {
				traceback(err)
			}
			if partial.target == "" {
				traceback(fmt.Errorf("%w: initial of %s has no target", ErrInvalidTarget, composite.qualifiedName))
			}
			target := lookup(traceback, model, partial.target, ErrInvalidTarget)
			if err := model.checkInitial(composite, owner.state, target); err != nil {
				traceback(err)
			}
			model.setInitial(owner.state, newHandler(traceback, TransitionKind, target, Always, partial.effect()))
		})
	}
}

func partialFrom(traceback func(error), stack []frame, element string, kinds ...uint64) *partialHandler {
	partial := enclosing(stack).handler
	if partial == nil || !slices.Contains(kinds, partial.kind) {
		traceback(fmt.Errorf("%w: %s() is not allowed here", ErrHandlerKind, element))
	}
	return partial
}

// On adds the events a Transition or Activity reacts to.
func On(events ...Event) RedefinableElement {
	traceback := traceback()
	return func(model *Model, stack []frame) {
		partial := partialFrom(traceback, stack, "On", TransitionKind, ActivityKind)
		partial.events = append(partial.events, events...)
	}
}

// Source overrides the owner of a Transition. It is mostly useful for
// transitions declared at the top of Define.
func Source(name string) RedefinableElement {
	traceback := traceback()
	return func(model *Model, stack []frame) {
		partial := partialFrom(traceback, stack, "Source", TransitionKind)
		if partial.source != "" {
			traceback(fmt.Errorf("%w: transition already has source %q", ErrInvalidState, partial.source))
		}
		partial.source = resolve(model, enclosing(stack).state, name)
	}
}

// Target names the state a Transition or Initial leads to. Relative names are
// joined onto the enclosing state, so siblings are reached with "../name" and
// the enclosing state itself with ".".
func Target(name string) RedefinableElement {
	traceback := traceback()
	return func(model *Model, stack []frame) {
		partial := partialFrom(traceback, stack, "Target", TransitionKind, InitialKind)
		if partial.target != "" {
			traceback(fmt.Errorf("%w: already targets %q", ErrInvalidTarget, partial.target))
		}
		partial.target = resolve(model, enclosing(stack).state, name)
	}
}

// Guard sets the condition of a Transition or Activity.
func Guard(fn ExpressionFunc) RedefinableElement {
	traceback := traceback()
	return func(model *Model, stack []frame) {
		partial := partialFrom(traceback, stack, "Guard", TransitionKind, ActivityKind)
		if fn == nil {
			traceback(ErrMissingGuard)
		}
		if partial.guard != nil {
			traceback(fmt.Errorf("%w: handler already has a guard", ErrMissingGuard))
		}
		partial.guard = fn
	}
}

// Effect appends side effects to a Transition, Activity or Initial. Effects
// run in the order given.
func Effect(fns ...OperationFunc) RedefinableElement {
	traceback := traceback()
	return func(model *Model, stack []frame) {
		partial := partialFrom(traceback, stack, "Effect", TransitionKind, ActivityKind, InitialKind)
		for _, fn := range fns {
			if fn == nil {
				traceback(ErrMissingEffect)
			}
		}
		partial.effects = append(partial.effects, fns...)
	}
}

func lifecycleActivity(traceback func(error), name string, fns []OperationFunc, register func(model *Model, id StateID, handler Handler) error, deferred bool) RedefinableElement {
	return func(model *Model, stack []frame) {
		owner := enclosing(stack)
		if owner.handler != nil {
			traceback(fmt.Errorf("%w: %s must be called within Define() or State()", ErrHandlerKind, name))
		}
		handlers := make([]Handler, 0, len(fns))
		for _, fn := range fns {
			handlers = append(handlers, newHandler(traceback, ActivityKind, NoState, Always, fn))
		}
		add := func(model *Model, _ []frame) {
			for _, handler := range handlers {
				if err := register(model, owner.state, handler); err != nil {
					traceback(err)
				}
			}
		}
		if deferred {
			model.push(add)
			return
		}
		add(model, stack)
	}
}

// Entry runs fns each time the enclosing state is entered.
func Entry(fns ...OperationFunc) RedefinableElement {
	return lifecycleActivity(traceback(), "Entry", fns, (*Model).AddEnterActivity, false)
}

// Exit runs fns each time the enclosing state is exited.
func Exit(fns ...OperationFunc) RedefinableElement {
	return lifecycleActivity(traceback(), "Exit", fns, (*Model).AddExitActivity, false)
}

// OnStart runs fns each time the enclosing composite starts.
func OnStart(fns ...OperationFunc) RedefinableElement {
	return lifecycleActivity(traceback(), "OnStart", fns, (*Model).AddStartActivity, true)
}

// OnStop runs fns each time the enclosing composite reaches its Final state.
func OnStop(fns ...OperationFunc) RedefinableElement {
	return lifecycleActivity(traceback(), "OnStop", fns, (*Model).AddStopActivity, true)
}

// OnTransitionCompleted runs fns after every transition completed inside the
// enclosing composite.
func OnTransitionCompleted(fns ...OperationFunc) RedefinableElement {
	return lifecycleActivity(traceback(), "OnTransitionCompleted", fns, (*Model).AddOnTransitionCompletedActivity, true)
}
