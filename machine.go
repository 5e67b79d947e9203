package hsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stateweave/hsm/kind"
	"github.com/stateweave/hsm/muid"
)

// DefaultMaxCascade bounds the number of Unnamed rounds in one
// run-to-completion cycle when Config.MaxCascade is zero.
const DefaultMaxCascade = 10000

// Status is the lifecycle of a Machine.
type Status int32

const (
	// NotStarted machines sit in the root's Initial pseudostate.
	NotStarted Status = iota
	// Running machines have a real state active.
	Running
	// Stopped machines sit in the root's Final pseudostate.
	Stopped
	// Faulted machines had a guard or effect panic mid transition.
	Faulted
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// Response summarizes one operation: whether any handler acted, whether a
// transition happened and the target of the last one. Deferred is set when
// the call was made from inside an effect and queued behind the cycle that
// is currently running.
type Response struct {
	Acted        bool
	Transitioned bool
	Target       StateID
	Deferred     bool
}

// DidActOrTransition reports whether anything reacted.
func (r Response) DidActOrTransition() bool {
	return r.Acted || r.Transitioned
}

// Config provides configuration options for machine initialization.
type Config struct {
	// ID is a unique identifier for the machine instance.
	ID string
	// Name is the name of the machine, the model name by default.
	Name string
	// Logger receives debug logs for dispatches and transitions and error
	// logs for recovered panics. Defaults to slog.Default().
	Logger *slog.Logger
	// Observer is notified of every dispatch, transition, entry and exit.
	Observer Observer
	// MaxCascade bounds the Unnamed rounds of a single cycle.
	MaxCascade int
}

// Observer receives runtime notifications. Calls happen while the machine is
// processing, so observers must not call back into the machine's operations.
type Observer interface {
	Dispatched(ctx context.Context, machine *Machine, event Event, response Response, elapsed time.Duration)
	Transitioned(ctx context.Context, machine *Machine, from, to StateID, event Event)
	Entered(ctx context.Context, machine *Machine, state StateID)
	Exited(ctx context.Context, machine *Machine, state StateID)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) Dispatched(context.Context, *Machine, Event, Response, time.Duration) {}
func (NopObserver) Transitioned(context.Context, *Machine, StateID, StateID, Event)      {}
func (NopObserver) Entered(context.Context, *Machine, StateID)                           {}
func (NopObserver) Exited(context.Context, *Machine, StateID)                            {}

type key[T any] struct{}

// Keys holds the context keys set by the runtime.
var Keys = struct {
	Machine key[*Machine]
}{
	Machine: key[*Machine]{},
}

type operation uint8

const (
	dispatchOperation operation = iota
	startOperation
	stopOperation
)

type request struct {
	operation operation
	event     Event
}

// queue holds requests made from effects while a cycle is running.
type queue struct {
	mutex      sync.Mutex
	fifo       []request
	processing bool
}

func (q *queue) begin() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.processing = true
}

// push queues r if a cycle is running and reports whether it did.
func (q *queue) push(r request) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if !q.processing {
		return false
	}
	q.fifo = append(q.fifo, r)
	return true
}

// pop returns the next request, ending the cycle when none is left.
func (q *queue) pop() (request, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if len(q.fifo) == 0 {
		q.processing = false
		q.fifo = nil
		return request{}, false
	}
	r := q.fifo[0]
	q.fifo = q.fifo[1:]
	return r, true
}

func (q *queue) len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.fifo)
}

// Machine runs a Model. Start, Stop and Dispatch each run one
// run-to-completion cycle as a single critical section; calls from other
// goroutines wait for the running cycle to finish. Effects that call back
// into the machine with the context they were given are queued and served,
// in order, before the outer call returns. An effect that calls back with any
// other context deadlocks, since the call waits for the cycle it runs in.
type Machine struct {
	id         string
	name       string
	model      *Model
	logger     *slog.Logger
	observer   Observer
	maxCascade int

	processing sync.Mutex
	queue      queue
	active     []atomic.Bool
	leaf       atomic.Int64
	status     atomic.Int32
}

// New creates a machine for model and seals the model.
//
// Example:
//
//	sm := hsm.New(model, hsm.Config{
//	    Name:   "door",
//	    Logger: slog.Default(),
//	})
func New(model *Model, maybeConfig ...Config) *Machine {
	if model == nil {
		traceback(fmt.Errorf("%w: nil model", ErrInvalidState))
	}
	model.seal()
	machine := &Machine{
		model:      model,
		observer:   NopObserver{},
		maxCascade: DefaultMaxCascade,
		active:     make([]atomic.Bool, len(model.vertices)),
	}
	var config Config
	if len(maybeConfig) > 0 {
		config = maybeConfig[0]
	}
	machine.name = config.Name
	if machine.name == "" {
		machine.name = model.Name(model.root)
	}
	machine.id = config.ID
	if machine.id == "" {
		machine.id = fmt.Sprintf("%s_%s", machine.name, muid.MakeString())
	}
	if config.Observer != nil {
		machine.observer = config.Observer
	}
	if config.MaxCascade > 0 {
		machine.maxCascade = config.MaxCascade
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	machine.logger = logger.With("machine", machine.id)
	machine.reset()
	return machine
}

func (sm *Machine) reset() {
	for i := range sm.active {
		sm.active[i].Store(false)
	}
	sm.leaf.Store(int64(sm.model.vertices[sm.model.root].initial))
	sm.status.Store(int32(NotStarted))
}

// ID returns the unique identifier of the machine.
func (sm *Machine) ID() string {
	if sm == nil {
		return ""
	}
	return sm.id
}

// Name returns the machine name.
func (sm *Machine) Name() string {
	if sm == nil {
		return ""
	}
	return sm.name
}

// Model returns the model the machine runs.
func (sm *Machine) Model() *Model {
	if sm == nil {
		return nil
	}
	return sm.model
}

// Status returns the machine lifecycle status.
func (sm *Machine) Status() Status {
	if sm == nil {
		return NotStarted
	}
	return Status(sm.status.Load())
}

// Current returns the active leaf state.
func (sm *Machine) Current() StateID {
	if sm == nil {
		return NoState
	}
	return StateID(sm.leaf.Load())
}

// State returns the qualified name of the active leaf state.
func (sm *Machine) State() string {
	return sm.Model().QualifiedName(sm.Current())
}

// IsActive reports whether id is entered and not yet exited.
func (sm *Machine) IsActive(id StateID) bool {
	if sm == nil || !sm.model.valid(id) {
		return false
	}
	return sm.active[id].Load()
}

// Start enters the root's Initial pseudostate, runs its start activities and
// follows the initial transitions. Starting a running machine returns
// ErrAlreadyStarted; starting a stopped or faulted machine resets every state
// and starts afresh.
func (sm *Machine) Start(ctx context.Context) (Response, error) {
	return sm.submit(ctx, request{operation: startOperation})
}

// Stop exits every active state and enters the root's Final pseudostate. It
// is a no-op on a machine that is not running.
func (sm *Machine) Stop(ctx context.Context) (Response, error) {
	return sm.submit(ctx, request{operation: stopOperation})
}

// Dispatch delivers event to the active leaf, bubbling to its ancestors until
// one of them acts or transitions, and runs the resulting cascade of Unnamed
// transitions to completion. An event nothing reacts to is not an error.
// The reserved Enter, Exit and Unnamed events return ErrInvalidEvent.
//
// From inside a guard or effect, pass the ctx the runtime handed in: the call
// is then queued. Any other ctx blocks on the running cycle forever.
func (sm *Machine) Dispatch(ctx context.Context, event Event) (Response, error) {
	if sm == nil {
		return Response{}, ErrNilMachine
	}
	if kind.Is(event.Kind, LifecycleKind) {
		return Response{}, fmt.Errorf("%w: %s is delivered by the runtime only", ErrInvalidEvent, event.Name)
	}
	if event.ID == "" {
		event.ID = muid.MakeString()
	}
	return sm.submit(ctx, request{operation: dispatchOperation, event: event})
}

func (sm *Machine) owns(ctx context.Context) bool {
	owner, ok := ctx.Value(Keys.Machine).(*Machine)
	return ok && owner == sm
}

func (sm *Machine) submit(ctx context.Context, r request) (Response, error) {
	if sm == nil {
		return Response{}, ErrNilMachine
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if sm.owns(ctx) && sm.queue.push(r) {
		return Response{Deferred: true}, nil
	}
	sm.processing.Lock()
	defer sm.processing.Unlock()
	ctx = context.WithValue(ctx, Keys.Machine, sm)
	sm.queue.begin()
	response, err := sm.handle(ctx, r)
	for {
		next, ok := sm.queue.pop()
		if !ok {
			break
		}
		if _, nextErr := sm.handle(ctx, next); nextErr != nil {
			err = errors.Join(err, nextErr)
		}
	}
	return response, err
}

func (sm *Machine) handle(ctx context.Context, r request) (response Response, err error) {
	if sm.Status() == Faulted && r.operation != startOperation {
		return Response{}, ErrFaulted
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			sm.status.Store(int32(Faulted))
			err = fmt.Errorf("%w: %v", ErrEffectPanic, recovered)
			sm.logger.ErrorContext(ctx, "hsm: panic while processing event", "state", sm.State(), "event", r.event.Name, "error", recovered, "stack", string(debug.Stack()))
		}
	}()
	switch r.operation {
	case startOperation:
		return sm.start(ctx)
	case stopOperation:
		return sm.stop(ctx)
	default:
		return sm.dispatch(ctx, r.event)
	}
}

func (sm *Machine) start(ctx context.Context) (Response, error) {
	switch sm.Status() {
	case Running:
		return Response{}, ErrAlreadyStarted
	case Stopped, Faulted:
		sm.reset()
	}
	sm.status.Store(int32(Running))
	root := sm.model.root
	sm.active[root].Store(true)
	sm.observer.Entered(ctx, sm, root)
	response := Response{Acted: sm.begin(ctx, root)}
	cascade, err := sm.run(ctx, UnnamedEvent)
	return merge(response, cascade), err
}

func (sm *Machine) stop(ctx context.Context) (Response, error) {
	if sm.Status() != Running {
		return Response{}, nil
	}
	final := sm.model.vertices[sm.model.root].final
	return Response{
		Acted:        sm.transition(ctx, final, ExitEvent),
		Transitioned: true,
		Target:       final,
	}, nil
}

func (sm *Machine) dispatch(ctx context.Context, event Event) (Response, error) {
	if sm.Status() != Running {
		return Response{}, nil
	}
	started := time.Now()
	response, err := sm.run(ctx, event)
	elapsed := time.Since(started)
	sm.observer.Dispatched(ctx, sm, event, response, elapsed)
	if sm.logger.Enabled(ctx, slog.LevelDebug) {
		sm.logger.DebugContext(ctx, "hsm: dispatch", "event", event.Name, "id", event.ID, "acted", response.Acted, "transitioned", response.Transitioned, "state", sm.State(), "elapsed", elapsed)
	}
	return response, err
}

func merge(a, b Response) Response {
	a.Acted = a.Acted || b.Acted
	if b.Transitioned {
		a.Transitioned = true
		a.Target = b.Target
	}
	return a
}

// run delivers event and then the Unnamed event after every transition until
// a round ends without one.
func (sm *Machine) run(ctx context.Context, event Event) (Response, error) {
	var response Response
	for round := 0; ; round++ {
		if round > sm.maxCascade {
			return response, fmt.Errorf("%w: %d unnamed rounds in %s", ErrCascadeLimit, sm.maxCascade, sm.State())
		}
		acted, target := sm.deliver(ctx, event)
		response.Acted = response.Acted || acted
		if target == NoState {
			return response, nil
		}
		if sm.transition(ctx, target, event) {
			response.Acted = true
		}
		response.Transitioned = true
		response.Target = target
		if sm.Status() != Running {
			return response, nil
		}
		event = UnnamedEvent
	}
}

// deliver offers event to the active leaf and then to each ancestor until one
// of them acts or requests a transition. Activities and transitions of the
// same state both see the event.
func (sm *Machine) deliver(ctx context.Context, event Event) (bool, StateID) {
	for id := sm.Current(); id != NoState; id = sm.model.vertices[id].parent {
		element := sm.model.vertices[id]
		acted, _ := element.activities.process(ctx, event)
		transitioned, target := element.transitions.process(ctx, event)
		if acted || transitioned {
			return acted, target
		}
	}
	return false, NoState
}

// transition exits the active states below the least common ancestor of the
// active leaf and target, leaf first, then enters down to target, outermost
// first. The common prefix never includes target itself, so self and
// ancestor targets are exited and re-entered.
func (sm *Machine) transition(ctx context.Context, target StateID, event Event) bool {
	vertices := sm.model.vertices
	from := sm.Current()
	source := vertices[from].path
	destination := vertices[target].path
	common, limit := 0, min(len(source), len(destination)-1)
	for common < limit && source[common] == destination[common] {
		common++
	}
	acted := false
	for i := len(source) - 1; i >= common; i-- {
		if sm.exit(ctx, source[i]) {
			acted = true
		}
	}
	for _, id := range destination[common:] {
		if sm.enter(ctx, id) {
			acted = true
		}
	}
	sm.leaf.Store(int64(target))
	sm.observer.Transitioned(ctx, sm, from, target, event)
	if sm.logger.Enabled(ctx, slog.LevelDebug) {
		sm.logger.DebugContext(ctx, "hsm: transition", "from", sm.model.QualifiedName(from), "to", sm.model.QualifiedName(target), "event", event.Name)
	}
	for id := source[common-1]; id != NoState; id = vertices[id].parent {
		vertices[id].completed.process(ctx, event)
	}
	root := vertices[sm.model.root]
	switch {
	case target == root.final:
		sm.active[sm.model.root].Store(false)
		sm.observer.Exited(ctx, sm, sm.model.root)
		sm.status.Store(int32(Stopped))
	case kind.Is(vertices[target].kind, CompositeKind):
		if sm.begin(ctx, target) {
			acted = true
		}
	}
	return acted
}

// begin starts a composite by entering its Initial pseudostate, which runs
// its start activities. The initial transition fires on the next Unnamed
// round.
func (sm *Machine) begin(ctx context.Context, composite StateID) bool {
	initial := sm.model.vertices[composite].initial
	acted := sm.enter(ctx, initial)
	sm.leaf.Store(int64(initial))
	return acted
}

func (sm *Machine) enter(ctx context.Context, id StateID) bool {
	sm.active[id].Store(true)
	acted, _ := sm.model.vertices[id].activities.process(ctx, EnterEvent)
	sm.observer.Entered(ctx, sm, id)
	return acted
}

func (sm *Machine) exit(ctx context.Context, id StateID) bool {
	acted, _ := sm.model.vertices[id].activities.process(ctx, ExitEvent)
	sm.active[id].Store(false)
	sm.observer.Exited(ctx, sm, id)
	return acted
}

// EventDetail describes a transition reachable from the active configuration.
type EventDetail struct {
	Event  string
	Source string
	Target string
	Guard  bool
}

// Snapshot is a point in time view of a machine.
type Snapshot struct {
	ID            string
	QualifiedName string
	Status        Status
	State         string
	Active        []string
	QueueLen      int
	Events        []EventDetail
}

// Snapshot captures the machine's active configuration and the transitions
// it can currently take, innermost first. It does not wait for a running
// cycle, so it is safe to call from effects.
func (sm *Machine) Snapshot() Snapshot {
	if sm == nil {
		return Snapshot{}
	}
	leaf := sm.Current()
	snapshot := Snapshot{
		ID:            sm.id,
		QualifiedName: sm.model.QualifiedName(sm.model.root),
		Status:        sm.Status(),
		State:         sm.model.QualifiedName(leaf),
		QueueLen:      sm.queue.len(),
	}
	path := sm.model.vertices[leaf].path
	for _, id := range path {
		if sm.active[id].Load() {
			snapshot.Active = append(snapshot.Active, sm.model.QualifiedName(id))
		}
	}
	for i := len(path) - 1; i >= 0; i-- {
		for _, info := range sm.model.Transitions(path[i]) {
			if info.Category == UnnamedEvent.Kind {
				continue
			}
			snapshot.Events = append(snapshot.Events, EventDetail{
				Event:  info.Event,
				Source: sm.model.QualifiedName(path[i]),
				Target: sm.model.QualifiedName(info.Target),
				Guard:  info.Guard != "",
			})
		}
	}
	return snapshot
}

// FromContext returns the machine whose guard or effect is running with ctx.
//
// Example:
//
//	if sm, ok := hsm.FromContext(ctx); ok {
//	    sm.Dispatch(ctx, next)
//	}
func FromContext(ctx context.Context) (*Machine, bool) {
	machine, ok := ctx.Value(Keys.Machine).(*Machine)
	return machine, ok && machine != nil
}
