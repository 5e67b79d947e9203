package hsm

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/stateweave/hsm/kind"
)

// StateID is a stable handle to a state in a Model's arena.
type StateID int

// NoState is the zero StateID. It never names a state.
const NoState StateID = 0

const (
	initialName = ".initial"
	finalName   = ".final"
)

type vertex struct {
	kind          uint64
	name          string
	qualifiedName string
	parent        StateID
	// path lists the ancestors from the root down to and including the vertex.
	path        []StateID
	children    []StateID
	initial     StateID
	final       StateID
	activities  table
	transitions table
	completed   handlerList
}

// Model is the arena owning every state of a machine definition. States refer
// to each other, and handlers refer to their targets, only through StateIDs.
//
// A model is sealed by the first call to New; registration afterwards returns
// ErrSealed. A sealed model may back any number of machines.
type Model struct {
	root     StateID
	vertices []*vertex
	members  map[string]StateID
	events   map[uint64]string
	elements []RedefinableElement
	sealed   atomic.Bool
}

// NewModel creates a model whose root composite is named name. The root starts
// with its Initial and Final pseudostates and an initial transition to Final.
// An invalid name panics with a *DefinitionError.
func NewModel(name string) *Model {
	if err := validName(name); err != nil {
		traceback(err)
	}
	model := &Model{
		vertices: []*vertex{nil},
		members:  map[string]StateID{},
		events: map[uint64]string{
			EventKind:         AnyEvent.Name,
			EnterEvent.Kind:   EnterEvent.Name,
			ExitEvent.Kind:    ExitEvent.Name,
			UnnamedEvent.Kind: UnnamedEvent.Name,
		},
	}
	model.root = model.insert(NoState, name, StateKind)
	model.promote(model.root)
	return model
}

func validName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty state name", ErrInvalidState)
	case strings.Contains(name, "/"):
		return fmt.Errorf("%w: state name %q contains '/'", ErrInvalidState, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: state name %q starts with '.'", ErrInvalidState, name)
	}
	return nil
}

func (model *Model) insert(parent StateID, name string, vertexKind uint64) StateID {
	id := StateID(len(model.vertices))
	element := &vertex{
		kind:        vertexKind,
		name:        name,
		parent:      parent,
		activities:  newTable(false),
		transitions: newTable(true),
		completed:   handlerList{},
	}
	if parent == NoState {
		element.qualifiedName = path.Join("/", name)
		element.path = []StateID{id}
	} else {
		owner := model.vertices[parent]
		element.qualifiedName = path.Join(owner.qualifiedName, name)
		element.path = append(slices.Clone(owner.path), id)
		if !kind.Is(vertexKind, PseudostateKind) {
			owner.children = append(owner.children, id)
		}
	}
	model.vertices = append(model.vertices, element)
	model.members[element.qualifiedName] = id
	return id
}

// promote turns a plain state into a composite by giving it pseudostates.
func (model *Model) promote(id StateID) {
	element := model.vertices[id]
	if kind.Is(element.kind, CompositeKind) {
		return
	}
	element.kind = CompositeKind
	element.initial = model.insert(id, initialName, InitialKind)
	element.final = model.insert(id, finalName, FinalKind)
	model.setInitial(id, Handler{kind: TransitionKind, guard: Always, effect: Nop, target: element.final})
}

func (model *Model) setInitial(composite StateID, handler Handler) {
	initial := model.vertices[model.vertices[composite].initial]
	initial.transitions.clear(UnnamedEvent.Kind)
	initial.transitions.add(UnnamedEvent.Kind, handler)
}

func (model *Model) seal() {
	model.sealed.Store(true)
}

func (model *Model) mutable() error {
	if model.sealed.Load() {
		return ErrSealed
	}
	return nil
}

func (model *Model) valid(id StateID) bool {
	return model != nil && id > NoState && int(id) < len(model.vertices)
}

func (model *Model) vertex(id StateID) (*vertex, error) {
	if !model.valid(id) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidState, id)
	}
	return model.vertices[id], nil
}

func (model *Model) composite(id StateID) (*vertex, error) {
	element, err := model.vertex(id)
	if err != nil {
		return nil, err
	}
	if !kind.Is(element.kind, CompositeKind) {
		return nil, fmt.Errorf("%w: %s is not a composite state", ErrInvalidState, element.qualifiedName)
	}
	return element, nil
}

func (model *Model) recordEvent(event Event) error {
	if event.Kind == 0 {
		return fmt.Errorf("%w: event %q has no category, use hsm.NewEvent", ErrInvalidEvent, event.Name)
	}
	if _, ok := model.events[event.Kind]; !ok {
		model.events[event.Kind] = event.Name
	}
	return nil
}

// AddState adds a child named name under parent. A plain parent is promoted to
// a composite, gaining Initial and Final pseudostates with the initial
// transition pointing at Final until SetInitial says otherwise.
func (model *Model) AddState(parent StateID, name string) (StateID, error) {
	if err := model.mutable(); err != nil {
		return NoState, err
	}
	owner, err := model.vertex(parent)
	if err != nil {
		return NoState, err
	}
	if kind.Is(owner.kind, PseudostateKind) {
		return NoState, fmt.Errorf("%w: pseudostate %s can not own states", ErrInvalidState, owner.qualifiedName)
	}
	if err := validName(name); err != nil {
		return NoState, err
	}
	if _, ok := model.members[path.Join(owner.qualifiedName, name)]; ok {
		return NoState, fmt.Errorf("%w: %s", ErrDuplicateState, path.Join(owner.qualifiedName, name))
	}
	model.promote(parent)
	return model.insert(parent, name, StateKind), nil
}

// SetInitial rebinds composite's initial transition to first, which must be
// one of its children or its Final pseudostate.
func (model *Model) SetInitial(composite, first StateID) error {
	if err := model.mutable(); err != nil {
		return err
	}
	owner, err := model.composite(composite)
	if err != nil {
		return err
	}
	if err := model.checkInitial(owner, composite, first); err != nil {
		return err
	}
	model.setInitial(composite, Handler{kind: TransitionKind, guard: Always, effect: Nop, target: first})
	return nil
}

func (model *Model) checkInitial(owner *vertex, composite, first StateID) error {
	if first == owner.final {
		return nil
	}
	if !model.valid(first) || model.vertices[first].parent != composite || kind.Is(model.vertices[first].kind, PseudostateKind) {
		return fmt.Errorf("%w: %d is not a child of %s", ErrInvalidTarget, first, owner.qualifiedName)
	}
	return nil
}

// AddTransition registers handler on state id for events matching event.
// Transitions are evaluated in registration order and the first whose guard
// passes wins. Enter and Exit carry activities only: a transition on them
// returns ErrHandlerKind, use AddEnterActivity or AddExitActivity instead.
func (model *Model) AddTransition(id StateID, event Event, handler Handler) error {
	if err := model.mutable(); err != nil {
		return err
	}
	source, err := model.vertex(id)
	if err != nil {
		return err
	}
	switch {
	case id == model.root:
		return fmt.Errorf("%w: the root state can not own transitions, stop the machine instead", ErrInvalidState)
	case kind.Is(source.kind, PseudostateKind):
		return fmt.Errorf("%w: pseudostate %s transitions are managed by the model", ErrInvalidState, source.qualifiedName)
	case !kind.Is(handler.kind, TransitionKind):
		return fmt.Errorf("%w: not a transition handler on %s", ErrHandlerKind, source.qualifiedName)
	case isLifecycle(event):
		return fmt.Errorf("%w: %s carries activities only", ErrHandlerKind, event.Name)
	}
	if err := model.checkTarget(handler.target); err != nil {
		return err
	}
	if err := model.recordEvent(event); err != nil {
		return err
	}
	source.transitions.add(event.Kind, handler)
	return nil
}

func (model *Model) checkTarget(target StateID) error {
	if !model.valid(target) {
		return fmt.Errorf("%w: %d", ErrInvalidTarget, target)
	}
	element := model.vertices[target]
	if target == model.root || kind.Is(element.kind, InitialKind) {
		return fmt.Errorf("%w: %s", ErrInvalidTarget, element.qualifiedName)
	}
	return nil
}

// AddUnnamedTransition registers handler for the Unnamed event, which is
// delivered after every completed transition.
func (model *Model) AddUnnamedTransition(id StateID, handler Handler) error {
	return model.AddTransition(id, UnnamedEvent, handler)
}

// AddActivity registers handler on state id for events matching event. Every
// activity whose guard passes runs, in registration order.
func (model *Model) AddActivity(id StateID, event Event, handler Handler) error {
	if err := model.mutable(); err != nil {
		return err
	}
	owner, err := model.vertex(id)
	if err != nil {
		return err
	}
	if !kind.Is(handler.kind, ActivityKind) {
		return fmt.Errorf("%w: not an activity handler on %s", ErrHandlerKind, owner.qualifiedName)
	}
	if id == model.root && isLifecycle(event) {
		return fmt.Errorf("%w: the root state has no %s activities, use start and stop activities", ErrInvalidState, event.Name)
	}
	if err := model.recordEvent(event); err != nil {
		return err
	}
	owner.activities.add(event.Kind, handler)
	return nil
}

// AddEnterActivity runs handler each time state id is entered.
func (model *Model) AddEnterActivity(id StateID, handler Handler) error {
	return model.AddActivity(id, EnterEvent, handler)
}

// AddExitActivity runs handler each time state id is exited.
func (model *Model) AddExitActivity(id StateID, handler Handler) error {
	return model.AddActivity(id, ExitEvent, handler)
}

// AddStartActivity runs handler each time composite starts, as an enter
// activity of its Initial pseudostate.
func (model *Model) AddStartActivity(composite StateID, handler Handler) error {
	owner, err := model.composite(composite)
	if err != nil {
		return err
	}
	return model.AddActivity(owner.initial, EnterEvent, handler)
}

// AddStopActivity runs handler each time composite reaches its Final
// pseudostate.
func (model *Model) AddStopActivity(composite StateID, handler Handler) error {
	owner, err := model.composite(composite)
	if err != nil {
		return err
	}
	return model.AddActivity(owner.final, EnterEvent, handler)
}

// AddOnTransitionCompletedActivity runs handler after every transition whose
// least common ancestor is composite or one of its descendants.
func (model *Model) AddOnTransitionCompletedActivity(composite StateID, handler Handler) error {
	if err := model.mutable(); err != nil {
		return err
	}
	owner, err := model.composite(composite)
	if err != nil {
		return err
	}
	if !kind.Is(handler.kind, ActivityKind) {
		return fmt.Errorf("%w: not an activity handler on %s", ErrHandlerKind, owner.qualifiedName)
	}
	owner.completed.handlers = append(owner.completed.handlers, handler)
	return nil
}

/******* Introspection *******/

// Root returns the root composite.
func (model *Model) Root() StateID {
	return model.root
}

// Lookup resolves a qualified name. Relative names are taken from the root,
// so "a/b" and "/<model>/a/b" name the same state.
func (model *Model) Lookup(name string) (StateID, bool) {
	if !path.IsAbs(name) {
		name = path.Join(model.vertices[model.root].qualifiedName, name)
	}
	id, ok := model.members[path.Clean(name)]
	return id, ok
}

// Name returns the last path segment of a state, or "" for an invalid id.
func (model *Model) Name(id StateID) string {
	if !model.valid(id) {
		return ""
	}
	return model.vertices[id].name
}

// QualifiedName returns the slash separated path of a state.
func (model *Model) QualifiedName(id StateID) string {
	if !model.valid(id) {
		return ""
	}
	return model.vertices[id].qualifiedName
}

// Kind returns the vertex kind of a state (StateKind, CompositeKind,
// InitialKind or FinalKind).
func (model *Model) Kind(id StateID) uint64 {
	if !model.valid(id) {
		return 0
	}
	return model.vertices[id].kind
}

// Parent returns the owner of id, NoState for the root.
func (model *Model) Parent(id StateID) StateID {
	if !model.valid(id) {
		return NoState
	}
	return model.vertices[id].parent
}

// Children returns the ordered children of id, pseudostates excluded.
func (model *Model) Children(id StateID) []StateID {
	if !model.valid(id) {
		return nil
	}
	return slices.Clone(model.vertices[id].children)
}

// Path returns the chain of states from the root down to id.
func (model *Model) Path(id StateID) []StateID {
	if !model.valid(id) {
		return nil
	}
	return slices.Clone(model.vertices[id].path)
}

// IsComposite reports whether id owns children and pseudostates.
func (model *Model) IsComposite(id StateID) bool {
	return kind.Is(model.Kind(id), CompositeKind)
}

// IsPseudostate reports whether id is an Initial or Final pseudostate.
func (model *Model) IsPseudostate(id StateID) bool {
	return kind.Is(model.Kind(id), PseudostateKind)
}

// InitialOf returns the Initial pseudostate of a composite.
func (model *Model) InitialOf(id StateID) StateID {
	if !model.IsComposite(id) {
		return NoState
	}
	return model.vertices[id].initial
}

// FinalOf returns the Final pseudostate of a composite.
func (model *Model) FinalOf(id StateID) StateID {
	if !model.IsComposite(id) {
		return NoState
	}
	return model.vertices[id].final
}

// InitialTarget returns the state a composite starts in.
func (model *Model) InitialTarget(id StateID) StateID {
	initial := model.InitialOf(id)
	if initial == NoState {
		return NoState
	}
	list := model.vertices[initial].transitions.lookup(UnnamedEvent.Kind)
	if list == nil || len(list.handlers) == 0 {
		return NoState
	}
	return list.handlers[0].target
}

// EventName returns the display name recorded for an event category.
func (model *Model) EventName(category uint64) string {
	return model.events[category]
}

// HandlerInfo describes a registered handler for tooling.
type HandlerInfo struct {
	Event    string
	Category uint64
	Target   StateID
	Guard    string
	Effect   string
}

// Transitions lists the transitions owned by id in evaluation order.
func (model *Model) Transitions(id StateID) []HandlerInfo {
	if !model.valid(id) {
		return nil
	}
	return model.describe(&model.vertices[id].transitions)
}

// Activities lists the activities owned by id in evaluation order.
func (model *Model) Activities(id StateID) []HandlerInfo {
	if !model.valid(id) {
		return nil
	}
	return model.describe(&model.vertices[id].activities)
}

func (model *Model) describe(t *table) []HandlerInfo {
	var infos []HandlerInfo
	for _, category := range t.order {
		for _, handler := range t.lists[category].handlers {
			infos = append(infos, HandlerInfo{
				Event:    model.events[category],
				Category: category,
				Target:   handler.target,
				Guard:    handler.guardName,
				Effect:   handler.effectName,
			})
		}
	}
	return infos
}

// Len returns the number of states in the arena, pseudostates included.
func (model *Model) Len() int {
	return len(model.vertices) - 1
}
