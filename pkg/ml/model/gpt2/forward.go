// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpt2

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/model/language"
	"github.com/gomlx/gpt2pipe/pkg/ml/parallel"
	"github.com/pkg/errors"
)

// Inputs of Forward. Which fields are used depends on the role of the model:
//
//   - First stage (StageRoleFirst, StageRoleStandalone): InputIDs, PositionIDs and the optional TokenTypeIDs.
//   - Other stages: HiddenState, the output of the previous stage.
//   - Last stage (StageRoleLast, StageRoleStandalone): the optional Labels and ForwardMethodParallelOutput.
//
// All stages use AttentionMask, LayerPast and GetKeyValue.
type Inputs struct {
	// InputIDs, PositionIDs and TokenTypeIDs are Int32 [batch, seq].
	InputIDs, PositionIDs, TokenTypeIDs *tensors.Tensor

	// HiddenState is [batch, seq, hidden].
	HiddenState *tensors.Tensor

	// AttentionMask is Bool [batch|1, 1, seq, seq], true for masked positions.
	// See LeftToRightMaskAndPositions.
	AttentionMask *tensors.Tensor

	// Labels (Int32 [batch, seq]), if given, make the last stage return the per-token loss instead of the logits.
	Labels *tensors.Tensor

	// LayerPast holds the key/value cache of each local layer, from a previous call with GetKeyValue.
	LayerPast []*language.KVCache

	// GetKeyValue requests the updated key/value caches in Output.Presents.
	GetKeyValue bool

	// ForwardMethodParallelOutput, if not nil, overrides Options.ParallelOutput for this call only.
	ForwardMethodParallelOutput *bool
}

// Output of Forward. Only one of Hidden, Logits or Loss is set.
type Output struct {
	// Hidden [batch, seq, hidden] is the output of stages other than the last, to be sent to the next stage.
	Hidden *tensors.Tensor

	// Logits [batch, seq, vocab] of the last stage when no labels are given. With parallel output
	// the vocabulary axis holds only the local shard of PaddedVocabSize/tensorSize entries.
	Logits *tensors.Tensor

	// Loss [batch, seq] is the per-token cross entropy of the last stage when labels are given.
	Loss *tensors.Tensor

	// Presents holds the key/value cache of each local layer. It is set (non-nil) if and only if
	// Inputs.GetKeyValue was set.
	Presents []*language.KVCache
}

// Forward runs the model's part of GPT-2 on the inputs for its role.
//
// Labels are ignored by stages other than the last, and InputIDs are an error on stages
// other than the first.
func (m *Model) Forward(ctx context.Context, inputs *Inputs) (*Output, error) {
	lmInputs := &language.Inputs{
		AttentionMask: inputs.AttentionMask,
		LayerPast:     inputs.LayerPast,
		GetKeyValue:   inputs.GetKeyValue,
	}
	if m.role.IsFirst() {
		if inputs.HiddenState != nil {
			return nil, errors.Errorf("gpt2.Forward(%s): takes input ids and position ids, not a hidden state", m.role)
		}
		lmInputs.InputIDs = inputs.InputIDs
		lmInputs.PositionIDs = inputs.PositionIDs
		lmInputs.TokenTypeIDs = inputs.TokenTypeIDs
	} else {
		if inputs.InputIDs != nil || inputs.PositionIDs != nil || inputs.TokenTypeIDs != nil {
			return nil, errors.Errorf("gpt2.Forward(%s): takes a hidden state, not token ids", m.role)
		}
		lmInputs.HiddenState = inputs.HiddenState
	}
	lmOutput, err := m.languageModel.Forward(ctx, lmInputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "gpt2.Forward(%s)", m.role)
	}
	if !m.role.IsLast() {
		return &Output{Hidden: lmOutput.Hidden, Presents: lmOutput.Presents}, nil
	}
	return m.postLanguageModelProcessing(ctx, lmOutput, inputs.Labels, inputs.ForwardMethodParallelOutput)
}

// postLanguageModelProcessing projects the final hidden state onto the vocabulary, and computes
// the loss if labels are given. The presents, if any, are carried over to the output.
func (m *Model) postLanguageModelProcessing(ctx context.Context, lmOutput *language.Output, labels *tensors.Tensor,
	forwardMethodParallelOutput *bool) (*Output, error) {
	parallelOutput := m.opts.ParallelOutput
	if forwardMethodParallelOutput != nil {
		parallelOutput = *forwardMethodParallelOutput
	}
	logits, err := parallel.LMLogits(ctx, m.comm, m.topo, lmOutput.Hidden, m.WordEmbeddingsWeight(), parallelOutput)
	if err != nil {
		return nil, errors.WithMessagef(err, "gpt2.Forward(%s)", m.role)
	}
	output := &Output{Presents: lmOutput.Presents}
	if labels == nil {
		output.Logits = logits
		return output, nil
	}

	if m.cfg.FP16LMCrossEntropy {
		if logits.DType() != dtypes.Float16 {
			exceptions.Panicf("gpt2.Forward(%s): fp16_lm_cross_entropy requires Float16 logits, got %s",
				m.role, logits.DType())
		}
	} else if logits.DType() != dtypes.Float32 {
		logits = logits.ConvertDType(dtypes.Float32)
	}
	output.Loss, err = parallel.VocabParallelCrossEntropy(ctx, m.comm, m.topo, logits, labels, m.cfg.PaddedVocabSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "gpt2.Forward(%s)", m.role)
	}
	return output, nil
}
