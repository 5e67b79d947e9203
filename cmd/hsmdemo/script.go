package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Script is a recorded session:
//
//	events:
//	  - key: c
//	  - key: "1"
//	    data: {cents: 10}
type Script struct {
	Events []ScriptEvent `yaml:"events"`
}

// ScriptEvent is one key press. Data, when set, replaces the payload of the
// event the key maps to.
type ScriptEvent struct {
	Key  string         `yaml:"key"`
	Data map[string]any `yaml:"data,omitempty"`
}

func loadScript(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseScript(f)
}

func parseScript(r io.Reader) (*Script, error) {
	var script Script
	if err := yaml.NewDecoder(r).Decode(&script); err != nil {
		if errors.Is(err, io.EOF) {
			return &script, nil
		}
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	for i, event := range script.Events {
		if strings.TrimSpace(event.Key) == "" {
			return nil, fmt.Errorf("script event %d has no key", i)
		}
	}
	return &script, nil
}

// source yields key presses until it is exhausted.
type source interface {
	Next() (ScriptEvent, bool, error)
}

type scriptSource struct {
	events []ScriptEvent
}

func (s *scriptSource) Next() (ScriptEvent, bool, error) {
	if len(s.events) == 0 {
		return ScriptEvent{}, false, nil
	}
	event := s.events[0]
	s.events = s.events[1:]
	return event, true, nil
}

type lineSource struct {
	scanner *bufio.Scanner
	prompt  func()
}

func (s *lineSource) Next() (ScriptEvent, bool, error) {
	for {
		if s.prompt != nil {
			s.prompt()
		}
		if !s.scanner.Scan() {
			return ScriptEvent{}, false, s.scanner.Err()
		}
		if key := strings.TrimSpace(s.scanner.Text()); key != "" {
			return ScriptEvent{Key: key}, true, nil
		}
	}
}
