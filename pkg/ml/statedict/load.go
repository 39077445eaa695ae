// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KeyMismatchError is returned by Load in strict mode when the keys of the source don't match
// the keys of the destination.
type KeyMismatchError struct {
	// Missing keys are expected by the destination but absent from the source.
	Missing []string

	// Unexpected keys are present in the source but unknown to the destination.
	Unexpected []string
}

// Error implements error.
func (e *KeyMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing key(s) %q", e.Missing))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected key(s) %q", e.Unexpected))
	}
	return "error(s) in loading state dict: " + strings.Join(parts, "; ")
}

// Load copies, in place, the parameters of src into the matching parameters of dst.
// Keys are matched by their flattened dotted path.
//
// In strict mode the key sets must match exactly, otherwise a *KeyMismatchError is returned
// and nothing is copied. In non-strict mode missing and unexpected keys are ignored (and
// logged at verbosity level 1).
//
// A shape mismatch of a key present in both is always an error.
func Load(dst, src *StateDict, strict bool) error {
	dstFlat, srcFlat := dst.Flatten(), src.Flatten()
	mismatch := &KeyMismatchError{}
	for pair := dstFlat.Oldest(); pair != nil; pair = pair.Next() {
		srcT, found := srcFlat.Get(pair.Key)
		if !found {
			mismatch.Missing = append(mismatch.Missing, pair.Key)
			continue
		}
		if !pair.Value.Shape().Equal(srcT.Shape()) {
			return errors.Errorf("size mismatch for %q: copying a param with shape %s, the shape in the current model is %s",
				pair.Key, srcT.Shape(), pair.Value.Shape())
		}
	}
	for pair := srcFlat.Oldest(); pair != nil; pair = pair.Next() {
		if _, found := dstFlat.Get(pair.Key); !found {
			mismatch.Unexpected = append(mismatch.Unexpected, pair.Key)
		}
	}
	if strict && (len(mismatch.Missing) > 0 || len(mismatch.Unexpected) > 0) {
		return mismatch
	}
	for _, key := range mismatch.Missing {
		klog.V(1).Infof("statedict.Load: key %q missing in source, keeping current value", key)
	}
	for _, key := range mismatch.Unexpected {
		klog.V(1).Infof("statedict.Load: ignoring unexpected key %q", key)
	}
	for pair := dstFlat.Oldest(); pair != nil; pair = pair.Next() {
		srcT, found := srcFlat.Get(pair.Key)
		if !found {
			continue
		}
		if err := pair.Value.CopyFrom(srcT); err != nil {
			return errors.WithMessagef(err, "loading %q", pair.Key)
		}
	}
	return nil
}
