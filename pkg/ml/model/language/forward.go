// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package language

import (
	"context"

	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/pkg/errors"
)

// KVCache holds the keys and values of the previous positions of one layer, each shaped
// [batch, heads, seq, headDim].
type KVCache struct {
	Key, Value *tensors.Tensor
}

// SeqLen returns the number of cached positions.
func (c *KVCache) SeqLen() int {
	return c.Key.Shape().Dim(2)
}

// appendSeq concatenates a and b [batch, heads, seq, headDim] along the seq axis.
func appendSeq(a, b *tensors.Tensor) (*tensors.Tensor, error) {
	as, bs := a.Shape(), b.Shape()
	if as.Rank() != 4 || bs.Rank() != 4 || as.Dim(0) != bs.Dim(0) || as.Dim(1) != bs.Dim(1) ||
		as.Dim(3) != bs.Dim(3) || as.DType != bs.DType {
		return nil, errors.Errorf("key/value cache %s incompatible with current keys/values %s", as, bs)
	}
	batchSize, heads, headDim := as.Dim(0), as.Dim(1), as.Dim(3)
	joined := tensors.ConcatenateLastAxis(
		a.Reshape(batchSize, heads, as.Dim(2)*headDim),
		b.Reshape(batchSize, heads, bs.Dim(2)*headDim))
	return joined.Reshape(batchSize, heads, as.Dim(2)+bs.Dim(2), headDim), nil
}

// Inputs of the backbone Forward.
type Inputs struct {
	// InputIDs, PositionIDs and the optional TokenTypeIDs are Int32 [batch, seq], used by the first stage.
	InputIDs, PositionIDs, TokenTypeIDs *tensors.Tensor

	// HiddenState [batch, seq, hidden] is the output of the previous stage, used by the other stages.
	HiddenState *tensors.Tensor

	// AttentionMask is a Bool [batch|1, 1, seq, seq] tensor, true for masked positions.
	AttentionMask *tensors.Tensor

	// LayerPast, if not nil, holds one cache per local layer.
	LayerPast []*KVCache

	// GetKeyValue requests the presents (the updated caches) in the output.
	GetKeyValue bool
}

// Output of the backbone Forward.
type Output struct {
	// Hidden [batch, seq, hidden]: normalized by the final LayerNorm on the last stage.
	Hidden *tensors.Tensor

	// Presents holds one cache per local layer, only if GetKeyValue was set.
	Presents []*KVCache
}

// Forward runs the stage's part of the backbone.
func (m *Model) Forward(ctx context.Context, inputs *Inputs) (*Output, error) {
	var hidden *tensors.Tensor
	if m.Embedding != nil {
		if inputs.HiddenState != nil {
			return nil, errors.New("language.Forward: the first stage takes input ids, not a hidden state")
		}
		var err error
		hidden, err = m.Embedding.Forward(ctx, inputs.InputIDs, inputs.PositionIDs, inputs.TokenTypeIDs)
		if err != nil {
			return nil, errors.WithMessagef(err, "rank %d", m.topo.Rank())
		}
	} else {
		if inputs.HiddenState == nil {
			return nil, errors.New("language.Forward: stages other than the first require a hidden state")
		}
		if inputs.InputIDs != nil {
			return nil, errors.New("language.Forward: only the first stage takes input ids")
		}
		hidden = inputs.HiddenState
	}
	if err := hidden.Shape().CheckDims(-1, -1, m.cfg.HiddenSize); err != nil {
		return nil, errors.WithMessage(err, "language.Forward hidden state")
	}
	if inputs.LayerPast != nil && len(inputs.LayerPast) != len(m.Layers) {
		return nil, errors.Errorf("language.Forward: got %d layer caches for %d local layers",
			len(inputs.LayerPast), len(m.Layers))
	}

	output := &Output{}
	if inputs.GetKeyValue {
		output.Presents = make([]*KVCache, 0, len(m.Layers))
	}
	for ii, layer := range m.Layers {
		var past *KVCache
		if inputs.LayerPast != nil {
			past = inputs.LayerPast[ii]
		}
		var present *KVCache
		var err error
		hidden, present, err = layer.Forward(hidden, inputs.AttentionMask, past, inputs.GetKeyValue)
		if err != nil {
			return nil, err
		}
		if inputs.GetKeyValue {
			output.Presents = append(output.Presents, present)
		}
	}
	if m.FinalLayerNorm != nil {
		hidden = m.FinalLayerNorm.Forward(hidden)
	}
	output.Hidden = hidden
	return output, nil
}
