// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package statedict implements StateDict, the nested and ordered dictionary of parameters
// used to save and load the model's state.
//
// Each entry is either a *tensors.Tensor (a parameter) or a nested *StateDict (a sub-module).
// Entries keep their insertion order, so the flattened keys of a model are stable and
// deterministic.
package statedict

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Separator used to join nested keys in the flattened form.
const Separator = "."

// StateDict is an ordered nested dictionary of parameters.
type StateDict struct {
	entries *orderedmap.OrderedMap[string, any]
}

// New returns an empty StateDict.
func New() *StateDict {
	return &StateDict{entries: orderedmap.New[string, any]()}
}

// Set sets key to value, which must be either a *tensors.Tensor or a *StateDict.
// If the key already exists, its value is replaced and its position kept.
// It returns the StateDict itself, so calls can be chained.
func (sd *StateDict) Set(key string, value any) *StateDict {
	switch value.(type) {
	case *tensors.Tensor, *StateDict:
	default:
		exceptions.Panicf("StateDict.Set(%q): value must be a *tensors.Tensor or a *StateDict, got %T", key, value)
	}
	if key == "" {
		exceptions.Panicf("StateDict.Set: empty key")
	}
	sd.entries.Set(key, value)
	return sd
}

// Get returns the value under key, and whether it was found.
func (sd *StateDict) Get(key string) (any, bool) {
	return sd.entries.Get(key)
}

// Has returns whether key exists.
func (sd *StateDict) Has(key string) bool {
	_, found := sd.entries.Get(key)
	return found
}

// Sub returns the nested StateDict under key, or nil if it doesn't exist or is not a StateDict.
func (sd *StateDict) Sub(key string) *StateDict {
	value, _ := sd.entries.Get(key)
	sub, _ := value.(*StateDict)
	return sub
}

// Tensor returns the tensor under key, or nil if it doesn't exist or is not a tensor.
func (sd *StateDict) Tensor(key string) *tensors.Tensor {
	value, _ := sd.entries.Get(key)
	t, _ := value.(*tensors.Tensor)
	return t
}

// Delete removes key, if present.
func (sd *StateDict) Delete(key string) {
	sd.entries.Delete(key)
}

// Keys returns the top-level keys in insertion order.
func (sd *StateDict) Keys() []string {
	keys := make([]string, 0, sd.entries.Len())
	for pair := sd.entries.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Without returns a shallow copy of sd without the given top-level keys.
func (sd *StateDict) Without(keys ...string) *StateDict {
	out := New()
	for pair := sd.entries.Oldest(); pair != nil; pair = pair.Next() {
		if !slices.Contains(keys, pair.Key) {
			out.Set(pair.Key, pair.Value)
		}
	}
	return out
}

// FlatKeysExcept returns the flattened keys of all parameters that are not under one of the given
// top-level keys.
func (sd *StateDict) FlatKeysExcept(topLevel ...string) []string {
	return sd.Without(topLevel...).FlatKeys()
}

// Len returns the number of top-level entries.
func (sd *StateDict) Len() int {
	return sd.entries.Len()
}

// Flatten returns all parameters keyed by their full dotted path, in order.
func (sd *StateDict) Flatten() *orderedmap.OrderedMap[string, *tensors.Tensor] {
	flat := orderedmap.New[string, *tensors.Tensor]()
	sd.flattenInto(flat, "")
	return flat
}

func (sd *StateDict) flattenInto(flat *orderedmap.OrderedMap[string, *tensors.Tensor], prefix string) {
	for pair := sd.entries.Oldest(); pair != nil; pair = pair.Next() {
		key := prefix + pair.Key
		switch v := pair.Value.(type) {
		case *tensors.Tensor:
			flat.Set(key, v)
		case *StateDict:
			v.flattenInto(flat, key+Separator)
		}
	}
}

// FlatKeys returns the full dotted path of every parameter, in order.
func (sd *StateDict) FlatKeys() []string {
	flat := sd.Flatten()
	keys := make([]string, 0, flat.Len())
	for pair := flat.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// NumParams returns the total number of scalar parameters.
func (sd *StateDict) NumParams() (count int) {
	for pair := sd.Flatten().Oldest(); pair != nil; pair = pair.Next() {
		count += pair.Value.Size()
	}
	return
}

// Memory returns the total memory used by the parameters, in bytes.
func (sd *StateDict) Memory() (memory uintptr) {
	for pair := sd.Flatten().Oldest(); pair != nil; pair = pair.Next() {
		memory += pair.Value.Memory()
	}
	return
}

// Clone returns a deep copy: tensors are cloned too.
func (sd *StateDict) Clone() *StateDict {
	clone := New()
	for pair := sd.entries.Oldest(); pair != nil; pair = pair.Next() {
		switch v := pair.Value.(type) {
		case *tensors.Tensor:
			clone.Set(pair.Key, v.Clone())
		case *StateDict:
			clone.Set(pair.Key, v.Clone())
		}
	}
	return clone
}

// Equal returns whether both state dicts have the same keys, in the same order, with bit-identical tensors.
func (sd *StateDict) Equal(other *StateDict) bool {
	a, b := sd.Flatten(), other.Flatten()
	if a.Len() != b.Len() {
		return false
	}
	for pa, pb := a.Oldest(), b.Oldest(); pa != nil; pa, pb = pa.Next(), pb.Next() {
		if pa.Key != pb.Key || !pa.Value.BitEqual(pb.Value) {
			return false
		}
	}
	return true
}

// FromFlat builds a nested StateDict from flattened dotted keys. The inverse of Flatten.
func FromFlat(flat *orderedmap.OrderedMap[string, *tensors.Tensor]) (*StateDict, error) {
	root := New()
	for pair := flat.Oldest(); pair != nil; pair = pair.Next() {
		parts := strings.Split(pair.Key, Separator)
		if slices.Contains(parts, "") {
			return nil, errors.Errorf("invalid flattened key %q", pair.Key)
		}
		node := root
		for _, part := range parts[:len(parts)-1] {
			value, found := node.Get(part)
			if !found {
				child := New()
				node.Set(part, child)
				node = child
				continue
			}
			child, ok := value.(*StateDict)
			if !ok {
				return nil, errors.Errorf("flattened key %q conflicts with parameter %q", pair.Key, part)
			}
			node = child
		}
		last := parts[len(parts)-1]
		if node.Has(last) {
			return nil, errors.Errorf("flattened key %q conflicts with an existing entry", pair.Key)
		}
		node.Set(last, pair.Value)
	}
	return root, nil
}
