// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"context"
	"math"

	"github.com/gomlx/gpt2pipe/pkg/core/distributed"
	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/nn"
	"github.com/pkg/errors"
)

// VocabParallelCrossEntropy returns the per-token cross entropy of logits [..., vocabShard] against
// labels (Int32) [...], with the shape of labels and the dtype of logits.
//
// vocabSize is the full (padded) vocabulary size. If the logits are sharded (vocabShard*tensorSize ==
// vocabSize), each rank holds the vocabulary range given by VocabRangeForRank, and the max logit,
// the predicted logit and the sum of exponentials are all-reduced across the tensor-parallel group.
// If the logits already cover the full vocabulary, the loss is computed locally.
func VocabParallelCrossEntropy(ctx context.Context, comm Communicator, topo *Topology,
	logits, labels *tensors.Tensor, vocabSize int) (*tensors.Tensor, error) {
	lShape := logits.Shape()
	if !lShape.DType.IsFloat() {
		return nil, errors.Errorf("VocabParallelCrossEntropy: logits must be float, got %s", lShape)
	}
	if labels.DType() != dtypes.Int32 {
		return nil, errors.Errorf("VocabParallelCrossEntropy: labels must be Int32, got %s", labels.Shape())
	}
	shardSize := lShape.Dim(-1)
	if lShape.Rank() != labels.Rank()+1 || lShape.Size() != labels.Size()*shardSize {
		return nil, errors.Errorf("VocabParallelCrossEntropy: logits %s incompatible with labels %s", lShape, labels.Shape())
	}

	sharded := shardSize != vocabSize
	start, end := 0, vocabSize
	if sharded {
		if shardSize*topo.TensorSize() != vocabSize {
			return nil, errors.Errorf("VocabParallelCrossEntropy: logits %s are neither the full vocabulary (%d) nor a tensor-parallel shard of it",
				lShape, vocabSize)
		}
		start, end = VocabRangeForRank(vocabSize, topo.TensorRank(), topo.TensorSize())
	}

	numTokens := labels.Size()
	values := logits.Float32s()
	targets := tensors.CopyFlatData[int32](labels)
	for _, target := range targets {
		if target < 0 || int(target) >= vocabSize {
			return nil, errors.Errorf("VocabParallelCrossEntropy: label %d out of range [0, %d)", target, vocabSize)
		}
	}

	allReduce := func(op distributed.ReduceOp, t *tensors.Tensor) error {
		if !sharded || topo.TensorSize() == 1 {
			return nil
		}
		return comm.AllReduce(ctx, topo.TensorGroup(), op, t)
	}

	// Max logit per token, for numerical stability.
	maxLogits := make([]float32, numTokens)
	for tok := range numTokens {
		row := values[tok*shardSize : (tok+1)*shardSize]
		m := row[0]
		for _, v := range row[1:] {
			m = max(m, v)
		}
		maxLogits[tok] = m
	}
	maxT := tensors.FromFlatDataAndDimensions(maxLogits, numTokens)
	if err := allReduce(distributed.ReduceOpMax, maxT); err != nil {
		return nil, errors.WithMessage(err, "VocabParallelCrossEntropy max")
	}
	maxLogits = maxT.Float32s()

	// Predicted (target) logit, only present in the shard that owns the target, and sum of
	// exponentials of the shifted logits.
	predicted := make([]float32, numTokens)
	sumExp := make([]float32, numTokens)
	for tok, target := range targets {
		row := values[tok*shardSize : (tok+1)*shardSize]
		if int(target) >= start && int(target) < end {
			predicted[tok] = row[int(target)-start] - maxLogits[tok]
		}
		shifted := make([]float32, len(row))
		for ii, v := range row {
			shifted[ii] = v - maxLogits[tok]
		}
		sumExp[tok] = float32(math.Exp(nn.LogSumExp(shifted)))
	}
	predictedT := tensors.FromFlatDataAndDimensions(predicted, numTokens)
	if err := allReduce(distributed.ReduceOpSum, predictedT); err != nil {
		return nil, errors.WithMessage(err, "VocabParallelCrossEntropy predicted logits")
	}
	sumExpT := tensors.FromFlatDataAndDimensions(sumExp, numTokens)
	if err := allReduce(distributed.ReduceOpSum, sumExpT); err != nil {
		return nil, errors.WithMessage(err, "VocabParallelCrossEntropy sum of exponentials")
	}

	predicted, sumExp = predictedT.Float32s(), sumExpT.Float32s()
	loss := make([]float32, numTokens)
	for tok := range numTokens {
		loss[tok] = float32(math.Log(float64(sumExp[tok])) - float64(predicted[tok]))
	}
	return tensors.FromFloat32s(lShape.DType, loss, labels.Shape().Dimensions...), nil
}
