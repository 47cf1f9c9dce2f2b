// Copyright 2026 The go-taskfarm Authors
// This file is part of the go-taskfarm library.
//
// The go-taskfarm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-taskfarm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-taskfarm library. If not, see <http://www.gnu.org/licenses/>.

// Package serialize carries jobs and task units across the wire as
// self-describing envelopes of the form
//
//	{"class": "job.Job", "attrs": {...}}
//
// Attribute values are plain JSON values, nested envelopes, or JavaScript
// function source. Function source is materialized on the receiving side
// with goja, so a worker can run per-unit logic it has never seen before.
// The sender of an envelope is fully trusted; there is no sandboxing
// beyond what the interpreter itself provides.
package serialize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoSuchAttr is returned when a requested attribute is absent.
	ErrNoSuchAttr = errors.New("no such attribute")
	// ErrNotAnEnvelope is returned when a value lacks the class/attrs shape.
	ErrNotAnEnvelope = errors.New("value is not an envelope")
)

// Envelope is the unit of serialization: a class name and a bag of
// attribute values.
type Envelope struct {
	Class string                     `json:"class"`
	Attrs map[string]json.RawMessage `json:"attrs"`
}

// NewEnvelope returns an empty envelope for the given class.
func NewEnvelope(class string) *Envelope {
	return &Envelope{Class: class, Attrs: make(map[string]json.RawMessage)}
}

// Decode parses a serialized envelope.
func Decode(data []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Class == "" {
		return nil, ErrNotAnEnvelope
	}
	return env, nil
}

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Set stores an attribute. Callables are stored as their source text,
// nested envelopes recursively as envelopes, anything else as its JSON
// encoding.
func (e *Envelope) Set(name string, value interface{}) error {
	switch v := value.(type) {
	case *Callable:
		if v == nil {
			return nil
		}
		value = v.Source
	case *Envelope:
		if v == nil {
			return nil
		}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("attr %q: %w", name, err)
	}
	e.Attrs[name] = raw
	return nil
}

// Has reports whether the attribute is present and non-null.
func (e *Envelope) Has(name string) bool {
	raw, ok := e.Attrs[name]
	return ok && string(raw) != "null"
}

// Get decodes the named attribute into out.
func (e *Envelope) Get(name string, out interface{}) error {
	raw, ok := e.Attrs[name]
	if !ok {
		return fmt.Errorf("attr %q: %w", name, ErrNoSuchAttr)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("attr %q: %w", name, err)
	}
	return nil
}

// Value decodes the named attribute into a generic JSON value.
func (e *Envelope) Value(name string) (interface{}, error) {
	var v interface{}
	if err := e.Get(name, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Envelope decodes the named attribute as a nested envelope.
func (e *Envelope) Envelope(name string) (*Envelope, error) {
	raw, ok := e.Attrs[name]
	if !ok {
		return nil, fmt.Errorf("attr %q: %w", name, ErrNoSuchAttr)
	}
	nested := new(Envelope)
	if err := json.Unmarshal(raw, nested); err != nil {
		return nil, fmt.Errorf("attr %q: %w", name, ErrNotAnEnvelope)
	}
	if nested.Class == "" {
		return nil, fmt.Errorf("attr %q: %w", name, ErrNotAnEnvelope)
	}
	return nested, nil
}

// Callable materializes the named attribute as an invocable function.
// It returns nil with no error when the attribute is absent or null, so
// optional callables (a job's custom splitter, say) decode cleanly.
func (e *Envelope) Callable(name string) (*Callable, error) {
	raw, ok := e.Attrs[name]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var source string
	if err := json.Unmarshal(raw, &source); err != nil {
		return nil, fmt.Errorf("attr %q: %w", name, err)
	}
	if source == "" {
		return nil, nil
	}
	if !IsCallableSource(source) {
		return nil, fmt.Errorf("attr %q: source does not define a function", name)
	}
	return NewCallable(e.Class, name, source)
}

// IsCallableSource reports whether the string looks like transported
// function source rather than a plain data value.
func IsCallableSource(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "function")
}
