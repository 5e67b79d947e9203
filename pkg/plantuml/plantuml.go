// Package plantuml renders a model as a PlantUML state diagram.
package plantuml

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/stateweave/hsm"
)

func idFromQualifiedName(qualifiedName string) string {
	return strings.ReplaceAll(strings.ReplaceAll(strings.ReplaceAll(strings.TrimPrefix(strings.TrimPrefix(qualifiedName, "/"), "."), "-", "_"), "/.", "/"), "/", ".")
}

// node returns the diagram name of a vertex; pseudostates draw as [*].
func node(model *hsm.Model, id hsm.StateID) string {
	if model.IsPseudostate(id) {
		return "[*]"
	}
	return idFromQualifiedName(model.QualifiedName(id))
}

func label(info hsm.HandlerInfo) string {
	text := ""
	if info.Event != hsm.UnnamedEvent.Name {
		text = info.Event
	}
	if info.Guard != "" {
		text = fmt.Sprintf("%s [%s]", text, info.Guard)
	}
	if info.Effect != "" {
		text = fmt.Sprintf("%s / %s", text, info.Effect)
	}
	return strings.TrimSpace(text)
}

func generateState(builder *strings.Builder, depth int, model *hsm.Model, state hsm.StateID) {
	id := node(model, state)
	indent := strings.Repeat(" ", depth*2)
	if model.IsComposite(state) {
		fmt.Fprintf(builder, "%sstate %s{\n", indent, id)
		for _, child := range model.Children(state) {
			generateState(builder, depth+1, model, child)
		}
		generateInitial(builder, depth+1, model, state)
		fmt.Fprintf(builder, "%s}\n", indent)
	} else {
		fmt.Fprintf(builder, "%sstate %s\n", indent, id)
	}
	var activities []string
	for _, info := range model.Activities(state) {
		switch info.Event {
		case hsm.EnterEvent.Name:
			fmt.Fprintf(builder, "%sstate %s: entry / %s\n", indent, id, info.Effect)
		case hsm.ExitEvent.Name:
			fmt.Fprintf(builder, "%sstate %s: exit / %s\n", indent, id, info.Effect)
		default:
			activities = append(activities, label(info))
		}
	}
	if len(activities) > 0 {
		fmt.Fprintf(builder, "%sstate %s: activities %s\n", indent, id, strings.Join(activities, ", "))
	}
}

func generateInitial(builder *strings.Builder, depth int, model *hsm.Model, composite hsm.StateID) {
	target := model.InitialTarget(composite)
	if target == hsm.NoState || model.IsPseudostate(target) {
		return
	}
	text := ""
	for _, info := range model.Transitions(model.InitialOf(composite)) {
		text = label(info)
	}
	if text != "" {
		text = " : " + text
	}
	fmt.Fprintf(builder, "%s[*] ----> %s%s\n", strings.Repeat(" ", depth*2), node(model, target), text)
}

func generateTransitions(builder *strings.Builder, model *hsm.Model, state hsm.StateID) {
	for _, info := range model.Transitions(state) {
		text := label(info)
		if text != "" {
			text = " : " + text
		}
		fmt.Fprintf(builder, "%s ----> %s%s\n", node(model, state), node(model, info.Target), text)
	}
	for _, child := range model.Children(state) {
		generateTransitions(builder, model, child)
	}
}

// Generate writes a PlantUML diagram of model to writer. States are nested the
// way they are in the model and transitions are listed after them in
// definition order.
func Generate(writer io.Writer, model *hsm.Model) error {
	if model == nil {
		return errors.New("plantuml: nil model")
	}
	var builder strings.Builder
	root := model.Root()
	fmt.Fprintf(&builder, "@startuml %s\n", model.Name(root))
	for _, child := range model.Children(root) {
		generateState(&builder, 1, model, child)
	}
	generateInitial(&builder, 0, model, root)
	for _, child := range model.Children(root) {
		generateTransitions(&builder, model, child)
	}
	fmt.Fprintln(&builder, "@enduml")
	_, err := io.WriteString(writer, builder.String())
	return err
}
