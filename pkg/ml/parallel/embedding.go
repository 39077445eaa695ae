// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"context"
	"reflect"

	"github.com/gomlx/gpt2pipe/pkg/core/distributed"
	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/gomlx/gpt2pipe/pkg/core/shapes"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/initializer"
	"github.com/gomlx/gpt2pipe/pkg/ml/statedict"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// VocabParallelEmbedding is an embedding table sharded along the vocabulary across the
// tensor-parallel group: each rank holds the rows [VocabStart, VocabEnd).
type VocabParallelEmbedding struct {
	NumEmbeddings, EmbeddingDim int
	VocabStart, VocabEnd        int

	// Weight holds the local shard, shaped [VocabEnd-VocabStart, EmbeddingDim].
	Weight *tensors.Tensor

	topo *Topology
	comm Communicator
}

// NewVocabParallelEmbedding creates the local shard of a [numEmbeddings, embeddingDim] embedding table.
//
// The master weight is initialized whole with init and seed, and then sliced: the values of a row
// don't depend on the tensor-parallel size.
func NewVocabParallelEmbedding(topo *Topology, comm Communicator, numEmbeddings, embeddingDim int,
	dtype dtypes.DType, init initializer.Initializer, seed int64) *VocabParallelEmbedding {
	start, end := VocabRangeForRank(numEmbeddings, topo.TensorRank(), topo.TensorSize())
	master := init(seed, shapes.Make(dtype, numEmbeddings, embeddingDim))
	weight := master
	if start != 0 || end != numEmbeddings {
		weight = master.RowSlice(start, end)
	}
	klog.V(1).Infof("rank %d: VocabParallelEmbedding [%d, %d] shard [%d, %d)", topo.Rank(),
		numEmbeddings, embeddingDim, start, end)
	return &VocabParallelEmbedding{
		NumEmbeddings: numEmbeddings,
		EmbeddingDim:  embeddingDim,
		VocabStart:    start,
		VocabEnd:      end,
		Weight:        weight,
		topo:          topo,
		comm:          comm,
	}
}

// Forward looks up the ids (an Int32 tensor of any shape) and returns the embeddings with an extra
// trailing axis of EmbeddingDim.
//
// Each rank fills the rows of the ids it owns (and zeros for the others), and the partial results
// are summed across the tensor-parallel group.
func (e *VocabParallelEmbedding) Forward(ctx context.Context, ids *tensors.Tensor) (*tensors.Tensor, error) {
	if ids.DType() != dtypes.Int32 {
		return nil, errors.Errorf("VocabParallelEmbedding: ids must be Int32, got %s", ids.Shape())
	}
	dims := append(ids.Shape().Clone().Dimensions, e.EmbeddingDim)
	out := tensors.FromShape(shapes.Make(e.Weight.DType(), dims...))
	var err error
	ids.ConstFlatData(func(idsAny any) {
		flatIDs := idsAny.([]int32)
		e.Weight.ConstFlatData(func(wAny any) {
			out.MutableFlatData(func(outAny any) {
				err = gatherRows(flatIDs, wAny, outAny, e.VocabStart, e.VocabEnd, e.NumEmbeddings, e.EmbeddingDim)
			})
		})
	})
	if err != nil {
		return nil, err
	}
	if e.topo.TensorSize() > 1 {
		if err := e.comm.AllReduce(ctx, e.topo.TensorGroup(), distributed.ReduceOpSum, out); err != nil {
			return nil, errors.WithMessage(err, "VocabParallelEmbedding")
		}
	}
	return out, nil
}

func gatherRows(ids []int32, weightAny, outAny any, start, end, numEmbeddings, dim int) error {
	weightV, outV := reflect.ValueOf(weightAny), reflect.ValueOf(outAny)
	for ii, id := range ids {
		if id < 0 || int(id) >= numEmbeddings {
			return errors.Errorf("VocabParallelEmbedding: id %d out of range [0, %d)", id, numEmbeddings)
		}
		if int(id) < start || int(id) >= end {
			continue
		}
		row := int(id) - start
		reflect.Copy(outV.Slice(ii*dim, (ii+1)*dim), weightV.Slice(row*dim, (row+1)*dim))
	}
	return nil
}

// StateDict returns the state of the embedding: the local shard under "weight".
func (e *VocabParallelEmbedding) StateDict() *statedict.StateDict {
	return statedict.New().Set("weight", e.Weight)
}

// LoadStateDict copies the "weight" entry of sd into the local shard.
func (e *VocabParallelEmbedding) LoadStateDict(sd *statedict.StateDict, strict bool) error {
	return statedict.Load(e.StateDict(), sd, strict)
}
