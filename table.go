package hsm

import (
	"context"
	"slices"

	"github.com/stateweave/hsm/kind"
)

// handlerList evaluates handlers in registration order. Transition lists stop
// at the first handler that triggers; activity lists run every eligible
// handler and report the last one that triggered.
type handlerList struct {
	stopAtFirst bool
	handlers    []Handler
}

func (list *handlerList) process(ctx context.Context, event Event) (triggered bool, target StateID) {
	if list == nil {
		return false, NoState
	}
	for _, handler := range list.handlers {
		ok, to := handler.Process(ctx, event)
		if !ok {
			continue
		}
		triggered, target = true, to
		if list.stopAtFirst {
			break
		}
	}
	return triggered, target
}

// table maps event categories to handler lists. order keeps categories in
// registration order so that fallback lookups are deterministic.
type table struct {
	stopAtFirst bool
	lists       map[uint64]*handlerList
	order       []uint64
}

func newTable(stopAtFirst bool) table {
	return table{stopAtFirst: stopAtFirst}
}

func (t *table) add(category uint64, handler Handler) {
	if t.lists == nil {
		t.lists = map[uint64]*handlerList{}
	}
	list, ok := t.lists[category]
	if !ok {
		list = &handlerList{stopAtFirst: t.stopAtFirst}
		t.lists[category] = list
		t.order = append(t.order, category)
	}
	list.handlers = append(list.handlers, handler)
}

func (t *table) clear(category uint64) {
	if _, ok := t.lists[category]; !ok {
		return
	}
	delete(t.lists, category)
	t.order = slices.DeleteFunc(t.order, func(c uint64) bool { return c == category })
}

// lookup resolves the list for category: the exact category first, then the
// first registered category on the same ancestry line.
func (t *table) lookup(category uint64) *handlerList {
	if len(t.order) == 0 || category == 0 {
		return nil
	}
	if list, ok := t.lists[category]; ok {
		return list
	}
	for _, registered := range t.order {
		if kind.Related(registered, category) {
			return t.lists[registered]
		}
	}
	return nil
}

// process runs the list lookup resolves. Activity tables also run their
// AnyEvent list, after the more specific one, for every user event.
func (t *table) process(ctx context.Context, event Event) (bool, StateID) {
	list := t.lookup(event.Kind)
	triggered, target := list.process(ctx, event)
	if t.stopAtFirst || !kind.Is(event.Kind, EventKind) {
		return triggered, target
	}
	if wildcard, ok := t.lists[EventKind]; ok && wildcard != list {
		if acted, _ := wildcard.process(ctx, event); acted {
			triggered = true
		}
	}
	return triggered, target
}
