// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math/rand/v2"

	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/pipeline"
)

// randomMicroBatches generates sequences of seqLen+1 uniform random tokens: the input ids are the
// first seqLen tokens and the labels the last seqLen.
func randomMicroBatches(seed uint64, numMicroBatches, batchSize, seqLen, vocabSize int) []pipeline.Batch {
	rng := rand.New(rand.NewPCG(seed, 0))
	batches := make([]pipeline.Batch, numMicroBatches)
	for ii := range batches {
		ids := make([][]int32, batchSize)
		labels := make([][]int32, batchSize)
		for b := range batchSize {
			tokens := make([]int32, seqLen+1)
			for s := range tokens {
				tokens[s] = rng.Int32N(int32(vocabSize))
			}
			ids[b], labels[b] = tokens[:seqLen], tokens[1:]
		}
		batches[ii] = pipeline.Batch{InputIDs: tensors.FromIDs(ids), Labels: tensors.FromIDs(labels)}
	}
	return batches
}
