package hsm_test

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stateweave/hsm"
	"github.com/stateweave/hsm/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	coin  = hsm.NewEvent("coin")
	pass  = hsm.NewEvent("pass")
	jump  = hsm.NewEvent("jump")
	tick  = hsm.NewEvent("tick")
	ping  = hsm.NewEvent("ping")
	pong  = hsm.NewEvent("pong")
	boom  = hsm.NewEvent("boom")
	money = hsm.NewEvent("money")
	// nickel and dime derive from money, so handlers for money see them too.
	nickel = hsm.NewEvent("nickel", money)
	dime   = hsm.NewEvent("dime", money)
)

// Trace records the order in which effects ran.
type Trace struct {
	mutex sync.Mutex
	steps []string
}

func (t *Trace) record(name string) hsm.OperationFunc {
	return func(context.Context, hsm.Event) {
		t.mutex.Lock()
		defer t.mutex.Unlock()
		t.steps = append(t.steps, name)
	}
}

func (t *Trace) reset() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.steps = nil
}

func (t *Trace) get() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return slices.Clone(t.steps)
}

// enterExit records "<name>.entry" and "<name>.exit" for a state.
func (t *Trace) enterExit(name string) []hsm.RedefinableElement {
	return []hsm.RedefinableElement{
		hsm.Entry(t.record(name + ".entry")),
		hsm.Exit(t.record(name + ".exit")),
	}
}

func newMachine(model *hsm.Model, configs ...hsm.Config) *hsm.Machine {
	config := hsm.Config{Logger: logging.NewNop()}
	if len(configs) > 0 {
		config = configs[0]
		if config.Logger == nil {
			config.Logger = logging.NewNop()
		}
	}
	return hsm.New(model, config)
}

func lockBolt(context.Context, hsm.Event) {}

func TestTurnstile(t *testing.T) {
	ctx := context.Background()
	trace := &Trace{}
	model := hsm.Define(
		"turnstile",
		hsm.State("locked",
			hsm.Transition(hsm.On(coin), hsm.Target("../unlocked"), hsm.Effect(trace.record("unlock"))),
			hsm.Transition(hsm.On(pass), hsm.Target("."), hsm.Effect(trace.record("alarm"))),
		),
		hsm.State("unlocked",
			hsm.Transition(hsm.On(pass), hsm.Target("../locked"), hsm.Effect(trace.record("lock"))),
		),
		hsm.Initial(hsm.Target("locked")),
	)
	locked, ok := model.Lookup("locked")
	require.True(t, ok)

	sm := newMachine(model)
	response, err := sm.Start(ctx)
	require.NoError(t, err)
	assert.True(t, response.Transitioned)
	assert.Equal(t, locked, response.Target)
	assert.Equal(t, hsm.Running, sm.Status())
	assert.Equal(t, "/turnstile/locked", sm.State())

	for _, event := range []hsm.Event{coin, pass, pass} {
		response, err := sm.Dispatch(ctx, event)
		require.NoError(t, err)
		assert.True(t, response.Transitioned, event.Name)
	}
	assert.Equal(t, []string{"unlock", "lock", "alarm"}, trace.get())
	assert.Equal(t, locked, sm.Current())
	assert.Equal(t, "/turnstile/locked", sm.State())
}

func TestLeastCommonAncestor(t *testing.T) {
	ctx := context.Background()
	trace := &Trace{}
	model := hsm.Define(
		"lca",
		hsm.State("a", append(trace.enterExit("a"),
			hsm.State("b", append(trace.enterExit("b"),
				hsm.State("c", append(trace.enterExit("c"),
					hsm.Transition(hsm.On(jump), hsm.Target("../../d/e")),
				)...),
				hsm.Initial(hsm.Target("c")),
			)...),
			hsm.State("d", append(trace.enterExit("d"),
				hsm.State("e", trace.enterExit("e")...),
				hsm.Initial(hsm.Target("e")),
			)...),
			hsm.Initial(hsm.Target("b")),
		)...),
		hsm.Initial(hsm.Target("a")),
	)
	sm := newMachine(model)
	_, err := sm.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.entry", "b.entry", "c.entry"}, trace.get())
	assert.Equal(t, "/lca/a/b/c", sm.State())

	trace.reset()
	response, err := sm.Dispatch(ctx, jump)
	require.NoError(t, err)
	assert.True(t, response.Transitioned)
	assert.Equal(t, []string{"c.exit", "b.exit", "d.entry", "e.entry"}, trace.get())
	assert.Equal(t, "/lca/a/d/e", sm.State())

	for name, active := range map[string]bool{"a": true, "a/b": false, "a/b/c": false, "a/d": true, "a/d/e": true} {
		id, ok := model.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, active, sm.IsActive(id), name)
	}
}

func TestTransitionToCompositeStartsIt(t *testing.T) {
	ctx := context.Background()
	trace := &Trace{}
	model := hsm.Define(
		"nest",
		hsm.State("a", hsm.Transition(hsm.On(jump), hsm.Target("../b"))),
		hsm.State("b",
			hsm.Entry(trace.record("b.entry")),
			hsm.OnStart(trace.record("b.start")),
			hsm.State("x", hsm.Entry(trace.record("x.entry"))),
			hsm.State("y", hsm.Entry(trace.record("y.entry"))),
			hsm.Initial(hsm.Target("y"), hsm.Effect(trace.record("b.initial"))),
		),
		hsm.Initial(hsm.Target("a")),
	)
	sm := newMachine(model)
	_, err := sm.Start(ctx)
	require.NoError(t, err)

	response, err := sm.Dispatch(ctx, jump)
	require.NoError(t, err)
	y, _ := model.Lookup("b/y")
	assert.Equal(t, y, response.Target)
	assert.Equal(t, []string{"b.entry", "b.start", "b.initial", "y.entry"}, trace.get())
	assert.Equal(t, "/nest/b/y", sm.State())
}

func TestSelfTransition(t *testing.T) {
	ctx := context.Background()
	trace := &Trace{}
	model := hsm.Define(
		"self",
		hsm.State("s", append(trace.enterExit("s"),
			hsm.Transition(hsm.On(tick), hsm.Target("."), hsm.Effect(trace.record("effect"))),
		)...),
		hsm.State("p", append(trace.enterExit("p"),
			hsm.State("c", trace.enterExit("c")...),
			hsm.Initial(hsm.Target("c")),
			hsm.Transition(hsm.On(tick), hsm.Target(".")),
		)...),
		hsm.Initial(hsm.Target("s")),
		hsm.Transition(hsm.On(jump), hsm.Source("s"), hsm.Target("p")),
	)
	sm := newMachine(model)
	_, err := sm.Start(ctx)
	require.NoError(t, err)

	trace.reset()
	_, err = sm.Dispatch(ctx, tick)
	require.NoError(t, err)
	assert.Equal(t, []string{"effect", "s.exit", "s.entry"}, trace.get())

	_, err = sm.Dispatch(ctx, jump)
	require.NoError(t, err)
	assert.Equal(t, "/self/p/c", sm.State())

	trace.reset()
	_, err = sm.Dispatch(ctx, tick)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.exit", "p.exit", "p.entry", "c.entry"}, trace.get())
	assert.Equal(t, "/self/p/c", sm.State())
}

func TestBubbling(t *testing.T) {
	ctx := context.Background()
	trace := &Trace{}
	model := hsm.Define(
		"bubble",
		hsm.State("p", append(trace.enterExit("p"),
			hsm.State("c", append(trace.enterExit("c"),
				hsm.Activity(hsm.On(pass), hsm.Effect(trace.record("c.pass"))),
			)...),
			hsm.Initial(hsm.Target("c")),
			hsm.Transition(hsm.On(pass), hsm.Target("../q")),
			hsm.Transition(hsm.On(tick), hsm.Target("../q")),
		)...),
		hsm.State("q", trace.enterExit("q")...),
		hsm.Initial(hsm.Target("p")),
	)
	sm := newMachine(model)
	_, err := sm.Start(ctx)
	require.NoError(t, err)

	trace.reset()
	response, err := sm.Dispatch(ctx, pass)
	require.NoError(t, err)
	assert.True(t, response.Acted)
	assert.False(t, response.Transitioned)
	assert.Equal(t, []string{"c.pass"}, trace.get())
	assert.Equal(t, "/bubble/p/c", sm.State())

	trace.reset()
	response, err = sm.Dispatch(ctx, tick)
	require.NoError(t, err)
	assert.True(t, response.Transitioned)
	assert.Equal(t, []string{"c.exit", "p.exit", "q.entry"}, trace.get())
	assert.Equal(t, "/bubble/q", sm.State())
}

func TestUnnamedChaining(t *testing.T) {
	ctx := context.Background()
	trace := &Trace{}
	fired := false
	once := func(context.Context, hsm.Event) bool {
		if fired {
			return false
		}
		fired = true
		return true
	}
	model := hsm.Define(
		"chain",
		hsm.State("loop", append(trace.enterExit("loop"),
			hsm.Transition(hsm.Target("."), hsm.Guard(once), hsm.Effect(trace.record("loop.unnamed"))),
		)...),
		hsm.Initial(hsm.Target("loop")),
	)
	sm := newMachine(model)
	response, err := sm.Start(ctx)
	require.NoError(t, err)
	assert.True(t, response.Transitioned)
	assert.Equal(t, []string{"loop.entry", "loop.unnamed", "loop.exit", "loop.entry"}, trace.get())
	assert.Equal(t, "/chain/loop", sm.State())
}

func TestCompletionTransition(t *testing.T) {
	ctx := context.Background()
	trace := &Trace{}
	finished := func(ctx context.Context, _ hsm.Event) bool {
		sm, ok := hsm.FromContext(ctx)
		if !ok {
			return false
		}
		final, _ := sm.Model().Lookup("p/.final")
		return sm.IsActive(final)
	}
	model := hsm.Define(
		"job",
		hsm.State("p", append(trace.enterExit("p"),
			hsm.State("c", append(trace.enterExit("c"),
				hsm.Transition(hsm.On(tick), hsm.Target("../.final")),
			)...),
			hsm.Initial(hsm.Target("c")),
			hsm.Transition(hsm.Target("../done"), hsm.Guard(finished)),
		)...),
		hsm.State("done", trace.enterExit("done")...),
		hsm.Initial(hsm.Target("p")),
	)
	sm := newMachine(model)
	_, err := sm.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/job/p/c", sm.State())

	trace.reset()
	_, err = sm.Dispatch(ctx, tick)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.exit", "p.exit", "done.entry"}, trace.get())
	assert.Equal(t, "/job/done", sm.State())
}

func TestStartAndStopActivities(t *testing.T) {
	ctx := context.Background()
	trace := &Trace{}
	model := hsm.Define(
		"machine",
		hsm.OnStart(trace.record("start")),
		hsm.OnStop(trace.record("stop")),
		hsm.State("a", trace.enterExit("a")...),
		hsm.Initial(hsm.Target("a")),
	)
	sm := newMachine(model)
	response, err := sm.Start(ctx)
	require.NoError(t, err)
	assert.True(t, response.Acted)
	assert.Equal(t, []string{"start", "a.entry"}, trace.get())
	assert.True(t, sm.IsActive(model.Root()))

	trace.reset()
	response, err = sm.Stop(ctx)
	require.NoError(t, err)
	assert.True(t, response.Transitioned)
	assert.Equal(t, model.FinalOf(model.Root()), response.Target)
	assert.Equal(t, []string{"a.exit", "stop"}, trace.get())
	assert.Equal(t, hsm.Stopped, sm.Status())
	assert.Equal(t, "/machine/.final", sm.State())
	assert.False(t, sm.IsActive(model.Root()))

	response, err = sm.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, hsm.Response{}, response)
}

func TestTransitionCompletedActivities(t *testing.T) {
	ctx := context.Background()
	trace := &Trace{}
	model := hsm.Define(
		"done",
		hsm.OnTransitionCompleted(trace.record("root.completed")),
		hsm.State("p",
			hsm.OnTransitionCompleted(trace.record("p.completed")),
			hsm.State("c1", hsm.Transition(hsm.On(tick), hsm.Target("../c2"))),
			hsm.State("c2"),
			hsm.Initial(hsm.Target("c1")),
		),
		hsm.Initial(hsm.Target("p")),
	)
	sm := newMachine(model)
	_, err := sm.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"root.completed", "p.completed", "root.completed"}, trace.get())

	trace.reset()
	response, err := sm.Dispatch(ctx, tick)
	require.NoError(t, err)
	assert.True(t, response.Transitioned)
	assert.False(t, response.Acted)
	assert.Equal(t, []string{"p.completed", "root.completed"}, trace.get())
}

func TestDefinePathResolution(t *testing.T) {
	ctx := context.Background()
	model := hsm.Define(
		"paths",
		hsm.State("a",
			hsm.Transition(hsm.On(tick), hsm.Target("/z")),
			hsm.Transition(hsm.On(pass), hsm.Target("/paths/b")),
		),
		hsm.State("b"),
		hsm.State("z"),
		hsm.Transition(hsm.On(jump), hsm.Source("z"), hsm.Target("a")),
		hsm.Initial(hsm.Target("a")),
	)
	a, _ := model.Lookup("a")
	b, _ := model.Lookup("/paths/b")
	z, _ := model.Lookup("z")
	infos := model.Transitions(a)
	require.Len(t, infos, 2)
	assert.Equal(t, z, infos[0].Target)
	assert.Equal(t, "tick", infos[0].Event)
	assert.Equal(t, b, infos[1].Target)
	require.Len(t, model.Transitions(z), 1)
	assert.Equal(t, a, model.Transitions(z)[0].Target)

	sm := newMachine(model)
	_, err := sm.Start(ctx)
	require.NoError(t, err)
	_, err = sm.Dispatch(ctx, tick)
	require.NoError(t, err)
	assert.Equal(t, z, sm.Current())
	_, err = sm.Dispatch(ctx, jump)
	require.NoError(t, err)
	assert.Equal(t, a, sm.Current())
}

func TestHandlerNames(t *testing.T) {
	model := hsm.Define(
		"names",
		hsm.State("locked",
			hsm.Transition(hsm.On(coin), hsm.Target("../unlocked"), hsm.Effect(lockBolt)),
			hsm.Transition(hsm.On(pass), hsm.Target("."), hsm.Guard(hsm.Always)),
		),
		hsm.State("unlocked"),
		hsm.Initial(hsm.Target("locked")),
	)
	locked, _ := model.Lookup("locked")
	infos := model.Transitions(locked)
	require.Len(t, infos, 2)
	assert.Equal(t, "lockBolt", infos[0].Effect)
	assert.Empty(t, infos[0].Guard)
	assert.Empty(t, infos[1].Guard)
	assert.Empty(t, infos[1].Effect)
}

// definitionError runs fn and returns the *hsm.DefinitionError it panics with.
func definitionError(t *testing.T, fn func()) (err *hsm.DefinitionError) {
	t.Helper()
	defer func() {
		recovered := recover()
		require.NotNil(t, recovered, "expected a definition panic")
		var ok bool
		err, ok = recovered.(*hsm.DefinitionError)
		require.True(t, ok, "panic value is %T", recovered)
	}()
	fn()
	return nil
}

func TestDefinitionErrors(t *testing.T) {
	tests := []struct {
		name   string
		define func()
		want   error
	}{
		{"invalid model name", func() { hsm.Define("a/b") }, hsm.ErrInvalidState},
		{"missing target", func() {
			hsm.Define("m", hsm.State("a", hsm.Transition(hsm.On(tick), hsm.Target("../missing"))))
		}, hsm.ErrInvalidTarget},
		{"transition without target", func() {
			hsm.Define("m", hsm.State("a", hsm.Transition(hsm.On(tick))))
		}, hsm.ErrInvalidTarget},
		{"duplicate state", func() {
			hsm.Define("m", hsm.State("a"), hsm.State("a"))
		}, hsm.ErrDuplicateState},
		{"initial targets a grandchild", func() {
			hsm.Define("m", hsm.State("a", hsm.State("b")), hsm.Initial(hsm.Target("a/b")))
		}, hsm.ErrInvalidTarget},
		{"guard outside a handler", func() {
			hsm.Define("m", hsm.Guard(hsm.Always))
		}, hsm.ErrHandlerKind},
		{"transition on enter", func() {
			hsm.Define("m", hsm.State("a", hsm.Transition(hsm.On(hsm.EnterEvent), hsm.Target("."))))
		}, hsm.ErrHandlerKind},
		{"entry on the root", func() {
			hsm.Define("m", hsm.Entry(lockBolt))
		}, hsm.ErrInvalidState},
		{"activity without events", func() {
			hsm.Define("m", hsm.State("a", hsm.Activity(hsm.Effect(lockBolt))))
		}, hsm.ErrInvalidEvent},
		{"event without category", func() {
			hsm.Define("m", hsm.State("a", hsm.Activity(hsm.On(hsm.Event{Name: "raw"}), hsm.Effect(lockBolt))))
		}, hsm.ErrInvalidEvent},
		{"nil guard", func() {
			hsm.Define("m", hsm.State("a", hsm.Transition(hsm.Target("."), hsm.Guard(nil))))
		}, hsm.ErrMissingGuard},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := definitionError(t, test.define)
			assert.ErrorIs(t, err, test.want)
			assert.True(t, strings.HasSuffix(err.File, "hsm_test.go"), err.File)
			assert.Positive(t, err.Line)
		})
	}
}

func TestIsAncestor(t *testing.T) {
	assert.True(t, hsm.IsAncestor("/foo/bar", "/foo/bar/baz"))
	assert.False(t, hsm.IsAncestor("/foo/bar/baz", "/foo/bar"))
	assert.False(t, hsm.IsAncestor("/foo/bar/baz", "/foo/bar/baz"))
	assert.True(t, hsm.IsAncestor("/foo/bar/baz", "/foo/bar/baz/qux"))
	assert.True(t, hsm.IsAncestor("/", "/foo/bar/baz/qux"))
	assert.True(t, hsm.IsAncestor("/foo/", "/foo/bar/baz/qux"))
	assert.False(t, hsm.IsAncestor("/foo/ba", "/foo/bar"))
}
