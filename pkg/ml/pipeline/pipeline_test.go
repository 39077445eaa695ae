// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline_test

import (
	"context"
	"sync"
	"testing"

	"github.com/gomlx/gpt2pipe/pkg/core/distributed"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/config"
	"github.com/gomlx/gpt2pipe/pkg/ml/model/gpt2"
	"github.com/gomlx/gpt2pipe/pkg/ml/pipeline"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyConfig pads the vocabulary of 14 to 16 for tensor sizes 1 and 2, so all layouts compute the same model.
func tinyConfig(t *testing.T, tensorSize int) *config.Model {
	cfg := config.Default().
		WithVocabSize(14).
		WithHiddenSize(8).
		WithNumLayers(4).
		WithNumAttentionHeads(2).
		WithMaxPositionEmbeddings(16)
	cfg.MakeVocabSizeDivisibleBy = 4
	require.NoError(t, cfg.Finalize(tensorSize))
	return cfg
}

func microBatches() []pipeline.Batch {
	return []pipeline.Batch{
		{InputIDs: tensors.FromIDs([][]int32{{1, 2, 3, 4}}), Labels: tensors.FromIDs([][]int32{{2, 3, 4, 5}})},
		{InputIDs: tensors.FromIDs([][]int32{{5, 6, 7, 8}}), Labels: tensors.FromIDs([][]int32{{6, 7, 8, 9}})},
		{InputIDs: tensors.FromIDs([][]int32{{13, 0, 11, 2}}), Labels: tensors.FromIDs([][]int32{{0, 11, 2, 12}})},
	}
}

func runLayout(t *testing.T, layout pipeline.Layout, progress func(int, float64)) []float64 {
	ctx := context.Background()
	cfg := tinyConfig(t, layout.TensorSize)
	fabric := must.M1(distributed.NewFabric(layout.WorldSize()))
	models, err := pipeline.BuildModels(ctx, fabric, cfg, layout, gpt2.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, pipeline.TiedEmbeddingsEqual(models))
	losses, err := pipeline.Run(ctx, fabric, models, microBatches(), gpt2.MaskOptions{}, progress)
	require.NoError(t, err)
	return losses
}

func TestRunMatchesStandalone(t *testing.T) {
	want := runLayout(t, pipeline.Layout{PipelineSize: 1, DataSize: 1, TensorSize: 1}, nil)
	require.Len(t, want, 3)
	for _, loss := range want {
		assert.Greater(t, loss, 0.0)
	}

	for _, layout := range []pipeline.Layout{
		{PipelineSize: 2, DataSize: 1, TensorSize: 1},
		{PipelineSize: 4, DataSize: 1, TensorSize: 1},
		{PipelineSize: 2, DataSize: 2, TensorSize: 1},
		{PipelineSize: 2, DataSize: 1, TensorSize: 2},
	} {
		t.Run(layout.String(), func(t *testing.T) {
			var mu sync.Mutex
			var seen []int
			got := runLayout(t, layout, func(idx int, _ float64) {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, idx)
			})
			assert.InDeltaSlice(t, want, got, 1e-4)
			assert.ElementsMatch(t, []int{0, 1, 2}, seen)
		})
	}
}

func TestBuildModelsErrors(t *testing.T) {
	ctx := context.Background()
	layout := pipeline.Layout{PipelineSize: 2, DataSize: 1, TensorSize: 2}
	fabric := must.M1(distributed.NewFabric(2))
	_, err := pipeline.BuildModels(ctx, fabric, tinyConfig(t, 2), layout, gpt2.DefaultOptions())
	require.Error(t, err)

	// Configuration finalized for a different tensor size.
	fabric = must.M1(distributed.NewFabric(layout.WorldSize()))
	cfg := tinyConfig(t, 1)
	cfg.MakeVocabSizeDivisibleBy = 3
	require.NoError(t, cfg.Finalize(1))
	_, err = pipeline.BuildModels(ctx, fabric, cfg, layout, gpt2.DefaultOptions())
	require.Error(t, err)
}
