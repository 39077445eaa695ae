// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import "github.com/gomlx/exceptions"

// VocabRangeForRank returns the range [start, end) of the vocabulary owned by a tensor-parallel
// rank, when the globalVocabSize is split evenly across worldSize ranks.
//
// The vocabulary must have been padded (see config.PadVocabSize) to be divisible by worldSize.
func VocabRangeForRank(globalVocabSize, rank, worldSize int) (start, end int) {
	if worldSize < 1 || rank < 0 || rank >= worldSize || globalVocabSize%worldSize != 0 {
		exceptions.Panicf("VocabRangeForRank(vocab=%d, rank=%d, worldSize=%d): vocab must be divisible by worldSize and rank in range",
			globalVocabSize, rank, worldSize)
	}
	perPartition := globalVocabSize / worldSize
	start = rank * perPartition
	end = start + perPartition
	return
}
