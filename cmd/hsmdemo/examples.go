package main

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/stateweave/hsm"
	"github.com/stateweave/hsm/examples/soda"
	"github.com/stateweave/hsm/examples/turnstile"
)

// machine is the surface shared by *hsm.Machine and *soda.Machine.
type machine interface {
	Start(ctx context.Context) (hsm.Response, error)
	Stop(ctx context.Context) (hsm.Response, error)
	Dispatch(ctx context.Context, event hsm.Event) (hsm.Response, error)
	State() string
	Model() *hsm.Model
}

type example struct {
	name  string
	short string
	help  string
	keys  map[string]hsm.Event
	build func(out io.Writer, config hsm.Config) (machine, error)
}

var examples = []example{
	{
		name:  "turnstile",
		short: "Coin operated turnstile",
		help:  turnstile.Help,
		keys:  turnstile.Keys,
		build: func(out io.Writer, config hsm.Config) (machine, error) {
			return turnstile.New(gate{out}, config), nil
		},
	},
	{
		name:  "soda",
		short: "Soda vending machine",
		help:  soda.Help,
		keys:  soda.Keys,
		build: func(out io.Writer, config hsm.Config) (machine, error) {
			sm, err := soda.New(panel{out}, config)
			if err != nil {
				return nil, err
			}
			return sm, nil
		},
	},
}

func findExample(name string) (example, error) {
	i := slices.IndexFunc(examples, func(ex example) bool { return ex.name == name })
	if i < 0 {
		return example{}, fmt.Errorf("unknown example %q", name)
	}
	return examples[i], nil
}

// gate prints what the turnstile hardware would do.
type gate struct{ out io.Writer }

func (g gate) Unlock()           { fmt.Fprintln(g.out, "Unlocked") }
func (g gate) Lock()             { fmt.Fprintln(g.out, "Locked") }
func (g gate) ThankYou()         { fmt.Fprintln(g.out, "Thank you!") }
func (g gate) Alarm()            { fmt.Fprintln(g.out, "ALARM!") }
func (g gate) Show(state string) { fmt.Fprintln(g.out, "Turnstile is now", state) }

// panel prints the soda machine front panel.
type panel struct{ out io.Writer }

func (p panel) Ready()             { fmt.Fprintln(p.out, soda.Help) }
func (p panel) State(name string)  { fmt.Fprintln(p.out, "New state:", name) }
func (p panel) Message(msg string) { fmt.Fprintln(p.out, msg) }
func (p panel) Credit(cents int)   { fmt.Fprintln(p.out, "Credit:", soda.Money(cents)) }

func (p panel) Detail(msg string) {
	if msg != "" {
		fmt.Fprintln(p.out, msg)
	}
}
