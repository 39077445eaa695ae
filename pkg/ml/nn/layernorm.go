// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
)

// LayerNorm performs layer normalization on x over its last axis with the
// specified epsilon. gamma and beta are optional (nil means skip scale/shift),
// and must have the size of the last axis.
//
// Statistics are accumulated in float64, and the result has the dtype of x.
func LayerNorm(x, gamma, beta *tensors.Tensor, epsilon float64) *tensors.Tensor {
	shape := x.Shape()
	dim := shape.Dim(-1)
	var g, b []float32
	if gamma != nil {
		if gamma.Size() != dim {
			exceptions.Panicf("nn.LayerNorm: gamma %s doesn't match input %s", gamma.Shape(), shape)
		}
		g = gamma.Float32s()
	}
	if beta != nil {
		if beta.Size() != dim {
			exceptions.Panicf("nn.LayerNorm: beta %s doesn't match input %s", beta.Shape(), shape)
		}
		b = beta.Float32s()
	}
	values := x.Float32s()
	for start := 0; start < len(values); start += dim {
		row := values[start : start+dim]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dim)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(dim)
		invStd := 1 / math.Sqrt(variance+epsilon)
		for ii, v := range row {
			normalized := (float64(v) - mean) * invStd
			if g != nil {
				normalized *= float64(g[ii])
			}
			if b != nil {
				normalized += float64(b[ii])
			}
			row[ii] = float32(normalized)
		}
	}
	return tensors.FromFloat32s(x.DType(), values, shape.Dimensions...)
}
