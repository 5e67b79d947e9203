package hsm

import (
	"context"
	"fmt"

	"github.com/stateweave/hsm/kind"
)

// ExpressionFunc is a guard: it decides whether a handler reacts to an event.
// Guards should not mutate machine state.
type ExpressionFunc func(ctx context.Context, event Event) bool

// OperationFunc is an effect: the side effect run when a handler's guard passes.
type OperationFunc func(ctx context.Context, event Event)

// Always is the guard of unconditional handlers.
func Always(context.Context, Event) bool { return true }

// Nop is the effect of handlers that only gate or redirect.
func Nop(context.Context, Event) {}

// Handler is a guard+effect pair, optionally naming a target state. Handlers
// built with a target are transitions; the rest are activities.
type Handler struct {
	kind       uint64
	guard      ExpressionFunc
	effect     OperationFunc
	target     StateID
	guardName  string
	effectName string
}

func newHandler(traceback func(error), handlerKind uint64, target StateID, guard ExpressionFunc, effect OperationFunc) Handler {
	if guard == nil {
		traceback(fmt.Errorf("%w: handlers require a guard, use hsm.Always", ErrMissingGuard))
	}
	if effect == nil {
		traceback(fmt.Errorf("%w: handlers require an effect, use hsm.Nop", ErrMissingEffect))
	}
	handler := Handler{
		kind:   handlerKind,
		guard:  guard,
		effect: effect,
		target: target,
	}
	if !isAlways(guard) {
		handler.guardName = getFunctionName(guard)
	}
	if !isNop(effect) {
		handler.effectName = getFunctionName(effect)
	}
	return handler
}

// NewTransition builds a transition to target that fires effect when guard
// passes. A nil guard or effect panics with a *DefinitionError.
func NewTransition(target StateID, guard ExpressionFunc, effect OperationFunc) Handler {
	return newHandler(traceback(), TransitionKind, target, guard, effect)
}

// UnconditionalTransition always moves to target.
func UnconditionalTransition(target StateID) Handler {
	return newHandler(traceback(), TransitionKind, target, Always, Nop)
}

// GuardedTransition moves to target when guard passes.
func GuardedTransition(target StateID, guard ExpressionFunc) Handler {
	return newHandler(traceback(), TransitionKind, target, guard, Nop)
}

// EffectTransition always moves to target, running effect on the way.
func EffectTransition(target StateID, effect OperationFunc) Handler {
	return newHandler(traceback(), TransitionKind, target, Always, effect)
}

// NewActivity builds an activity that runs effect when guard passes.
func NewActivity(guard ExpressionFunc, effect OperationFunc) Handler {
	return newHandler(traceback(), ActivityKind, NoState, guard, effect)
}

// UnconditionalActivity runs effect for every matching event.
func UnconditionalActivity(effect OperationFunc) Handler {
	return newHandler(traceback(), ActivityKind, NoState, Always, effect)
}

// Kind returns ActivityKind or TransitionKind.
func (h Handler) Kind() uint64 {
	return h.kind
}

// Target returns the transition's target, NoState for activities.
func (h Handler) Target() StateID {
	return h.target
}

// IsTransition reports whether the handler names a target.
func (h Handler) IsTransition() bool {
	return kind.Is(h.kind, TransitionKind)
}

// Process evaluates the guard and, when it passes, runs the effect. It
// reports whether the handler triggered and, for transitions, the target.
func (h Handler) Process(ctx context.Context, event Event) (bool, StateID) {
	if h.guard == nil || !h.guard(ctx, event) {
		return false, NoState
	}
	h.effect(ctx, event)
	return true, h.target
}

func isAlways(guard ExpressionFunc) bool {
	return funcPointer(guard) == funcPointer(ExpressionFunc(Always))
}

func isNop(effect OperationFunc) bool {
	return funcPointer(effect) == funcPointer(OperationFunc(Nop))
}
