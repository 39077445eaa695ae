// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpt2

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
)

// MaskOptions configure LeftToRightMaskAndPositions for batches of concatenated documents,
// separated by the end-of-document token EODToken.
type MaskOptions struct {
	EODToken int32

	// ResetPositionIDs restarts the position ids after each end-of-document token.
	ResetPositionIDs bool

	// ResetAttentionMask prevents tokens from attending to previous documents.
	ResetAttentionMask bool

	// EODMaskLoss zeroes the loss mask on end-of-document tokens.
	EODMaskLoss bool
}

// LeftToRightMaskAndPositions builds the inputs of a causal (left-to-right) language model for
// the token ids (Int32 [batch, seq]):
//
//   - attentionMask: Bool [1, 1, seq, seq] (or [batch, 1, seq, seq] with ResetAttentionMask), true
//     for masked positions: position i can attend to positions j <= i.
//   - lossMask: Float32 [batch, seq], 1 for tokens that count in the loss.
//   - positionIDs: Int32 [batch, seq].
func LeftToRightMaskAndPositions(ids *tensors.Tensor, opts MaskOptions) (attentionMask, lossMask, positionIDs *tensors.Tensor) {
	if ids.DType() != dtypes.Int32 || ids.Rank() != 2 {
		exceptions.Panicf("LeftToRightMaskAndPositions: ids must be Int32 [batch, seq], got %s", ids.Shape())
	}
	batchSize, seqLen := ids.Shape().Dim(0), ids.Shape().Dim(1)
	flatIDs := tensors.CopyFlatData[int32](ids)

	maskBatch := 1
	if opts.ResetAttentionMask {
		maskBatch = batchSize
	}
	mask := make([]bool, maskBatch*seqLen*seqLen)
	for b := range maskBatch {
		for row := range seqLen {
			for col := row + 1; col < seqLen; col++ {
				mask[(b*seqLen+row)*seqLen+col] = true
			}
		}
	}

	losses := make([]float32, batchSize*seqLen)
	positions := make([]int32, batchSize*seqLen)
	for b := range batchSize {
		docStart := 0
		for s := range seqLen {
			idx := b*seqLen + s
			losses[idx] = 1
			positions[idx] = int32(s - docStart)
			if flatIDs[idx] != opts.EODToken {
				continue
			}
			if opts.EODMaskLoss {
				losses[idx] = 0
			}
			if opts.ResetAttentionMask {
				// Tokens after the end of the document can't attend to it.
				for row := s + 1; row < seqLen; row++ {
					for col := 0; col <= s; col++ {
						mask[(b*seqLen+row)*seqLen+col] = true
					}
				}
			}
			if opts.ResetPositionIDs {
				docStart = s + 1
			}
		}
	}

	attentionMask = tensors.FromFlatDataAndDimensions(mask, maskBatch, 1, seqLen, seqLen)
	lossMask = tensors.FromFlatDataAndDimensions(losses, batchSize, seqLen)
	positionIDs = tensors.FromFlatDataAndDimensions(positions, batchSize, seqLen)
	return
}
