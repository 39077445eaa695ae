// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package parallel implements the model-parallel primitives used by the model: the rank
// topology (pipeline, data and tensor parallelism), the vocabulary-parallel embedding, the
// logits projection and the vocabulary-parallel cross entropy.
//
// Collective communication goes through a Communicator, usually a *distributed.Communicator.
package parallel

import (
	"context"
	"fmt"

	"github.com/gomlx/gpt2pipe/pkg/core/distributed"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Names of the mesh axes. The tensor axis is the fastest moving one, so the ranks of a
// tensor-parallel group are contiguous.
const (
	AxisPipeline = "pipeline"
	AxisData     = "data"
	AxisTensor   = "tensor"
)

// Communicator is the collective communication interface used by the model.
//
// *distributed.Communicator implements it.
type Communicator interface {
	// Rank of the caller.
	Rank() int

	// AllReduce reduces t in place across all members of group.
	AllReduce(ctx context.Context, group distributed.Group, op distributed.ReduceOp, t *tensors.Tensor) error

	// AllGather returns the value of t on every member of group, in group order.
	AllGather(ctx context.Context, group distributed.Group, t *tensors.Tensor) ([]*tensors.Tensor, error)
}

var _ Communicator = (*distributed.Communicator)(nil)

// Topology describes the position of one rank in the pipeline x data x tensor layout.
// It is immutable and only answers queries: no communication happens here.
type Topology struct {
	mesh   *distributed.DeviceMesh
	rank   int
	coords []int // pipeline, data, tensor.
}

// NewTopology creates the topology of rank in a layout of the given sizes.
func NewTopology(pipelineSize, dataSize, tensorSize, rank int) (*Topology, error) {
	mesh, err := distributed.NewDeviceMesh(
		[]int{pipelineSize, dataSize, tensorSize},
		[]string{AxisPipeline, AxisData, AxisTensor})
	if err != nil {
		return nil, errors.WithMessage(err, "parallel.NewTopology")
	}
	coords, err := mesh.Coordinates(rank)
	if err != nil {
		return nil, errors.WithMessage(err, "parallel.NewTopology")
	}
	return &Topology{mesh: mesh, rank: rank, coords: coords}, nil
}

// SingleRank returns the topology of a job with a single rank, holding the whole model.
func SingleRank() *Topology {
	topo, err := NewTopology(1, 1, 1, 0)
	if err != nil {
		panic(err)
	}
	return topo
}

// Mesh returns the underlying device mesh.
func (t *Topology) Mesh() *distributed.DeviceMesh { return t.mesh }

// Rank returns the global rank.
func (t *Topology) Rank() int { return t.rank }

// WorldSize returns the total number of ranks.
func (t *Topology) WorldSize() int { return t.mesh.NumDevices() }

// PipelineRank returns the pipeline stage index of the rank.
func (t *Topology) PipelineRank() int { return t.coords[0] }

// PipelineSize returns the number of pipeline stages.
func (t *Topology) PipelineSize() int { return t.mesh.AxesSizes()[0] }

// DataRank returns the data-parallel index of the rank.
func (t *Topology) DataRank() int { return t.coords[1] }

// DataSize returns the data-parallel size.
func (t *Topology) DataSize() int { return t.mesh.AxesSizes()[1] }

// TensorRank returns the tensor-parallel index of the rank.
func (t *Topology) TensorRank() int { return t.coords[2] }

// TensorSize returns the tensor-parallel size.
func (t *Topology) TensorSize() int { return t.mesh.AxesSizes()[2] }

// IsFirstStage returns whether the rank holds the first pipeline stage.
func (t *Topology) IsFirstStage() bool { return t.PipelineRank() == 0 }

// IsLastStage returns whether the rank holds the last pipeline stage.
func (t *Topology) IsLastStage() bool { return t.PipelineRank() == t.PipelineSize()-1 }

func (t *Topology) group(name string, axes ...string) distributed.Group {
	ranks, err := t.mesh.ReplicaGroupOf(axes, t.rank)
	if err != nil {
		// The rank was validated at construction.
		panic(err)
	}
	return distributed.NewGroup(name, ranks...)
}

// TensorGroup returns the ranks sharing the same pipeline stage and data shard,
// ordered by tensor rank.
func (t *Topology) TensorGroup() distributed.Group {
	return t.group("tensor", AxisTensor)
}

// PipelineGroup returns the ranks holding the stages of the same model replica and tensor shard,
// ordered by stage.
func (t *Topology) PipelineGroup() distributed.Group {
	return t.group("pipeline", AxisPipeline)
}

// DataGroup returns the replicas of the rank across data-parallel shards.
func (t *Topology) DataGroup() distributed.Group {
	return t.group("data", AxisData)
}

// EmbeddingGroup returns the group that ties the word embeddings: the first and the last ranks
// of the rank's pipeline group. With a single pipeline stage it holds only the first stage.
func (t *Topology) EmbeddingGroup() distributed.Group {
	pipeline := t.PipelineGroup()
	first, last := pipeline.Ranks[0], pipeline.Ranks[len(pipeline.Ranks)-1]
	if first == last {
		return distributed.NewGroup("embedding", first)
	}
	return distributed.NewGroup("embedding", first, last)
}

// NextRank returns the rank holding the next pipeline stage, or -1 for the last stage.
func (t *Topology) NextRank() int {
	if t.IsLastStage() {
		return -1
	}
	return t.PipelineGroup().Ranks[t.PipelineRank()+1]
}

// PrevRank returns the rank holding the previous pipeline stage, or -1 for the first stage.
func (t *Topology) PrevRank() int {
	if t.IsFirstStage() {
		return -1
	}
	return t.PipelineGroup().Ranks[t.PipelineRank()-1]
}

// String implements fmt.Stringer.
func (t *Topology) String() string {
	return fmt.Sprintf("Topology(rank=%d, pipeline=%d/%d, data=%d/%d, tensor=%d/%d)", t.rank,
		t.PipelineRank(), t.PipelineSize(), t.DataRank(), t.DataSize(), t.TensorRank(), t.TensorSize())
}
