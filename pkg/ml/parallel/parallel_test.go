// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel_test

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/distributed"
	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/gomlx/gpt2pipe/pkg/core/shapes"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/initializer"
	"github.com/gomlx/gpt2pipe/pkg/ml/parallel"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// runTensorParallel runs fn concurrently on each rank of a (1, 1, tensorSize) layout.
func runTensorParallel(t *testing.T, tensorSize int, fn func(topo *parallel.Topology, comm *distributed.Communicator) error) {
	fabric := must.M1(distributed.NewFabric(tensorSize))
	var g errgroup.Group
	for rank := range tensorSize {
		g.Go(func() error {
			topo, err := parallel.NewTopology(1, 1, tensorSize, rank)
			if err != nil {
				return err
			}
			return fn(topo, fabric.Rank(rank))
		})
	}
	require.NoError(t, g.Wait())
}

func TestTopology(t *testing.T) {
	single := parallel.SingleRank()
	assert.True(t, single.IsFirstStage())
	assert.True(t, single.IsLastStage())
	assert.Equal(t, []int{0}, single.EmbeddingGroup().Ranks)
	assert.Equal(t, -1, single.NextRank())
	assert.Equal(t, -1, single.PrevRank())

	// 2 stages x 1 data x 2 tensor.
	topo := must.M1(parallel.NewTopology(2, 1, 2, 1))
	assert.Equal(t, 0, topo.PipelineRank())
	assert.Equal(t, 1, topo.TensorRank())
	assert.Equal(t, 4, topo.WorldSize())
	assert.True(t, topo.IsFirstStage())
	assert.False(t, topo.IsLastStage())
	assert.Equal(t, []int{0, 1}, topo.TensorGroup().Ranks)
	assert.Equal(t, []int{1, 3}, topo.PipelineGroup().Ranks)
	assert.Equal(t, []int{1, 3}, topo.EmbeddingGroup().Ranks)
	assert.Equal(t, 3, topo.NextRank())
	assert.Equal(t, -1, topo.PrevRank())
	assert.Equal(t, "Topology(rank=1, pipeline=0/2, data=0/1, tensor=1/2)", topo.String())

	// 4 stages: embedding group holds only the first and last.
	topo = must.M1(parallel.NewTopology(4, 1, 1, 2))
	assert.Equal(t, []int{0, 3}, topo.EmbeddingGroup().Ranks)
	assert.Equal(t, 3, topo.NextRank())
	assert.Equal(t, 1, topo.PrevRank())
	assert.False(t, topo.IsFirstStage() || topo.IsLastStage())

	_, err := parallel.NewTopology(2, 1, 1, 2)
	require.Error(t, err)
}

func TestVocabRangeForRank(t *testing.T) {
	start, end := parallel.VocabRangeForRank(50304, 0, 1)
	assert.Equal(t, [2]int{0, 50304}, [2]int{start, end})
	start, end = parallel.VocabRangeForRank(50432, 1, 2)
	assert.Equal(t, [2]int{25216, 50432}, [2]int{start, end})
	err := exceptions.TryCatch[error](func() { parallel.VocabRangeForRank(10, 0, 3) })
	require.Error(t, err)
}

func TestVocabParallelEmbedding(t *testing.T) {
	const vocab, dim = 8, 4
	ids := tensors.FromIDs([][]int32{{0, 3, 4}, {7, 5, 1}})
	ctx := context.Background()

	single := parallel.NewVocabParallelEmbedding(parallel.SingleRank(), nil, vocab, dim, dtypes.Float32,
		initializer.Normal(1), 42)
	want, err := single.Forward(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, dim}, want.Shape().Dimensions)
	assert.Equal(t, single.Weight.RowSlice(3, 4).Float32s(), want.RowSlice(0, 1).Reshape(3, dim).RowSlice(1, 2).Float32s())

	runTensorParallel(t, 2, func(topo *parallel.Topology, comm *distributed.Communicator) error {
		emb := parallel.NewVocabParallelEmbedding(topo, comm, vocab, dim, dtypes.Float32, initializer.Normal(1), 42)
		if topo.TensorRank() == 1 {
			assert.Equal(t, 4, emb.VocabStart)
			assert.Equal(t, single.Weight.RowSlice(4, 8).Float32s(), emb.Weight.Float32s())
		}
		got, err := emb.Forward(ctx, ids)
		if err != nil {
			return err
		}
		assert.True(t, want.BitEqual(got), "rank %d: sharded lookup differs from the unsharded one", topo.Rank())
		return nil
	})

	_, err = single.Forward(ctx, tensors.FromIDs([][]int32{{8}}))
	require.Error(t, err)

	sd := single.StateDict()
	assert.Equal(t, []string{"weight"}, sd.Keys())
	other := parallel.NewVocabParallelEmbedding(parallel.SingleRank(), nil, vocab, dim, dtypes.Float32, initializer.Zero, 0)
	require.NoError(t, other.LoadStateDict(sd, true))
	assert.True(t, other.Weight.BitEqual(single.Weight))
}

func TestLMLogits(t *testing.T) {
	const vocab, hidden = 6, 3
	ctx := context.Background()
	hiddenState := initializer.Normal(1)(1, shapes.Make(dtypes.Float32, 1, 1, hidden))
	weight := initializer.Normal(1)(2, shapes.Make(dtypes.Float32, vocab, hidden))

	want, err := parallel.LMLogits(ctx, nil, parallel.SingleRank(), hiddenState, weight, true)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, vocab}, want.Shape().Dimensions)

	runTensorParallel(t, 2, func(topo *parallel.Topology, comm *distributed.Communicator) error {
		start, end := parallel.VocabRangeForRank(vocab, topo.TensorRank(), topo.TensorSize())
		shard := weight.RowSlice(start, end)
		sharded, err := parallel.LMLogits(ctx, comm, topo, hiddenState, shard, true)
		if err != nil {
			return err
		}
		assert.Equal(t, []int{1, 1, vocab / 2}, sharded.Shape().Dimensions)
		gathered, err := parallel.LMLogits(ctx, comm, topo, hiddenState, shard, false)
		if err != nil {
			return err
		}
		assert.Equal(t, want.Shape().Dimensions, gathered.Shape().Dimensions)
		assert.InDeltaSlice(t, want.Float32s(), gathered.Float32s(), 1e-6)
		return nil
	})
}

func crossEntropyReference(logits []float32, vocab int, labels []int32) []float32 {
	loss := make([]float32, len(labels))
	for tok, label := range labels {
		row := logits[tok*vocab : (tok+1)*vocab]
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v))
		}
		loss[tok] = float32(math.Log(sum) - float64(row[label]))
	}
	return loss
}

func TestVocabParallelCrossEntropy(t *testing.T) {
	const vocab = 4
	ctx := context.Background()
	logitsValues := []float32{1, 2, 3, 4, -1, 0, 5, 0.5}
	logits := tensors.FromFlatDataAndDimensions(logitsValues, 1, 2, vocab)
	labels := tensors.FromIDs([][]int32{{1, 3}})
	want := crossEntropyReference(logitsValues, vocab, []int32{1, 3})

	loss, err := parallel.VocabParallelCrossEntropy(ctx, nil, parallel.SingleRank(), logits, labels, vocab)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, loss.Shape().Dimensions)
	assert.InDeltaSlice(t, want, loss.Float32s(), 1e-5)

	halfLoss, err := parallel.VocabParallelCrossEntropy(ctx, nil, parallel.SingleRank(),
		logits.ConvertDType(dtypes.Float16), labels, vocab)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float16, halfLoss.DType())
	assert.InDeltaSlice(t, want, halfLoss.Float32s(), 1e-2)

	runTensorParallel(t, 2, func(topo *parallel.Topology, comm *distributed.Communicator) error {
		// Sharded logits: each rank holds half the vocabulary.
		start, end := parallel.VocabRangeForRank(vocab, topo.TensorRank(), topo.TensorSize())
		shard := make([]float32, 0, 4)
		for tok := range 2 {
			shard = append(shard, logitsValues[tok*vocab+start:tok*vocab+end]...)
		}
		got, err := parallel.VocabParallelCrossEntropy(ctx, comm, topo,
			tensors.FromFlatDataAndDimensions(shard, 1, 2, end-start), labels, vocab)
		if err != nil {
			return err
		}
		assert.InDeltaSlice(t, want, got.Float32s(), 1e-5)

		// Gathered logits: computed locally, no collectives.
		got, err = parallel.VocabParallelCrossEntropy(ctx, comm, topo, logits, labels, vocab)
		if err != nil {
			return err
		}
		assert.InDeltaSlice(t, want, got.Float32s(), 1e-5)
		return nil
	})

	_, err = parallel.VocabParallelCrossEntropy(ctx, nil, parallel.SingleRank(), logits, tensors.FromIDs([][]int32{{1, 4}}), vocab)
	require.Error(t, err)
	_, err = parallel.VocabParallelCrossEntropy(ctx, nil, parallel.SingleRank(), logits, tensors.FromIDs([][]int32{{1}}), vocab)
	require.Error(t, err)
}

func TestLocal(t *testing.T) {
	ctx := context.Background()
	comm := parallel.Local()
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	require.NoError(t, comm.AllReduce(ctx, distributed.NewGroup("embedding", 0), distributed.ReduceOpSum, x))
	assert.Equal(t, []float32{1, 2}, x.Float32s())
	parts, err := comm.AllGather(ctx, distributed.NewGroup("tensor", 0), x)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.True(t, parts[0].BitEqual(x))
	require.Error(t, comm.AllReduce(ctx, distributed.NewGroup("embedding", 0, 1), distributed.ReduceOpSum, x))
}
