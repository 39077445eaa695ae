// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"testing"

	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomMicroBatches(t *testing.T) {
	batches := randomMicroBatches(7, 3, 2, 5, 11)
	require.Len(t, batches, 3)
	for _, batch := range batches {
		assert.Equal(t, []int{2, 5}, batch.InputIDs.Shape().Dimensions)
		assert.Equal(t, []int{2, 5}, batch.Labels.Shape().Dimensions)
		ids := tensors.CopyFlatData[int32](batch.InputIDs)
		labels := tensors.CopyFlatData[int32](batch.Labels)
		for b := range 2 {
			// Labels are the inputs shifted by one token.
			assert.Equal(t, ids[b*5+1:b*5+5], labels[b*5:b*5+4])
		}
		for _, id := range ids {
			assert.True(t, id >= 0 && id < 11)
		}
	}

	again := randomMicroBatches(7, 3, 2, 5, 11)
	assert.True(t, batches[2].InputIDs.BitEqual(again[2].InputIDs))
}

func TestLossesTable(t *testing.T) {
	table := lossesTable([]float64{1, math.NaN(), 3})
	assert.Equal(t, 4, table.Count)
	assert.Equal(t, map[int]bool{1: true}, table.Reds)
}
