// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"context"

	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/nn"
	"github.com/pkg/errors"
)

// LMLogits projects hidden [..., hidden] onto the vocabulary using the (possibly sharded) word
// embedding weight [vocabShard, hidden]: logits = hidden @ weight^T.
//
// If parallelOutput is true the logits stay sharded along the vocabulary, with shape
// [..., vocabShard]. Otherwise they are gathered across the tensor-parallel group into
// [..., vocabShard*tensorSize].
func LMLogits(ctx context.Context, comm Communicator, topo *Topology, hidden, weight *tensors.Tensor,
	parallelOutput bool) (*tensors.Tensor, error) {
	if hidden.Shape().Dim(-1) != weight.Shape().Dim(-1) {
		return nil, errors.Errorf("LMLogits: hidden %s incompatible with embedding weight %s", hidden.Shape(), weight.Shape())
	}
	logits := nn.Linear(hidden, weight, nil)
	if parallelOutput || topo.TensorSize() == 1 {
		return logits, nil
	}
	parts, err := comm.AllGather(ctx, topo.TensorGroup(), logits)
	if err != nil {
		return nil, errors.WithMessage(err, "LMLogits gathering logits")
	}
	return tensors.ConcatenateLastAxis(parts...), nil
}
