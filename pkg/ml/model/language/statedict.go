// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package language

import (
	"strconv"
	"strings"

	"github.com/gomlx/gpt2pipe/pkg/ml/statedict"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Keys of the backbone state dict.
const (
	KeyEmbedding      = "embedding"
	KeyTransformer    = "transformer"
	KeyLayers         = "layers"
	KeyFinalLayerNorm = "final_layernorm"
)

// StateDict returns the parameters held by this stage:
//
//   - "embedding": "word_embeddings", "position_embeddings" and "tokentype_embeddings" (first stage only).
//   - "transformer": "layers.<i>.<param>" for the local layers (i is the local index), and
//     "final_layernorm" (last stage only).
//
// The returned tensors are the model's own: modifying them modifies the model.
func (m *Model) StateDict() *statedict.StateDict {
	sd := statedict.New()
	if m.Embedding != nil {
		sd.Set(KeyEmbedding, m.Embedding.StateDict())
	}
	sd.Set(KeyTransformer, m.transformerStateDict())
	return sd
}

func (m *Model) transformerStateDict() *statedict.StateDict {
	layers := statedict.New()
	for ii, layer := range m.Layers {
		layers.Set(strconv.Itoa(ii), layer.StateDict())
	}
	sd := statedict.New().Set(KeyLayers, layers)
	if m.FinalLayerNorm != nil {
		sd.Set(KeyFinalLayerNorm, m.FinalLayerNorm.StateDict())
	}
	return sd
}

// LoadStateDict loads the parameters of this stage from sd, in place.
//
// sd is either in the form returned by StateDict, or in the legacy form where the entries of
// "embedding" and "transformer" are found directly at the top level.
//
// In strict mode a *statedict.KeyMismatchError is returned if the keys of a part don't match, or if
// sd has top-level entries used by no part of this stage (e.g. "embedding" on a stage other than
// the first). Nothing is loaded in the latter case. In non-strict mode such entries are ignored.
func (m *Model) LoadStateDict(sd *statedict.StateDict, strict bool) error {
	var used []string
	var embedding *statedict.StateDict
	if m.Embedding != nil {
		embedding = sd.Sub(KeyEmbedding)
		if embedding != nil {
			used = append(used, KeyEmbedding)
		} else {
			embedding = legacySubset(sd, isLegacyEmbeddingKey)
			used = append(used, embedding.Keys()...)
		}
	}
	transformer := sd.Sub(KeyTransformer)
	if transformer != nil {
		used = append(used, KeyTransformer)
	} else {
		transformer = legacySubset(sd, isLegacyTransformerKey)
		used = append(used, transformer.Keys()...)
	}
	if unexpected := sd.FlatKeysExcept(used...); len(unexpected) > 0 {
		if strict {
			return &statedict.KeyMismatchError{Unexpected: unexpected}
		}
		klog.V(1).Infof("language.LoadStateDict: ignoring unexpected key(s) %q", unexpected)
	}

	if embedding != nil {
		if err := statedict.Load(m.Embedding.StateDict(), embedding, strict); err != nil {
			return errors.WithMessage(err, "loading embedding")
		}
	}
	if err := statedict.Load(m.transformerStateDict(), transformer, strict); err != nil {
		return errors.WithMessage(err, "loading transformer")
	}
	return nil
}

func isLegacyEmbeddingKey(key string) bool { return strings.Contains(key, "_embeddings") }

func isLegacyTransformerKey(key string) bool { return key == KeyLayers || key == KeyFinalLayerNorm }

// legacySubset returns the top-level entries of sd whose keys match.
func legacySubset(sd *statedict.StateDict, match func(key string) bool) *statedict.StateDict {
	subset := statedict.New()
	for _, key := range sd.Keys() {
		if !match(key) {
			continue
		}
		value, _ := sd.Get(key)
		subset.Set(key, value)
	}
	return subset
}
