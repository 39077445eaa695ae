// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nn provides the host compute kernels of the model: linear projections, normalization,
// activations and softmax.
//
// Kernels take float tensors, compute in float32 (accumulating in float64 where it matters), and
// return new tensors with the dtype of their main input: Float16 inputs are rounded back to Float16.
package nn

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
)

// Softmax computes softmax activations over the last axis of x, in a numerically stable way.
func Softmax(x *tensors.Tensor) *tensors.Tensor {
	if !x.DType().IsFloat() {
		exceptions.Panicf("invalid logits dtype (%s), it must be float", x.DType())
	}
	dim := x.Shape().Dim(-1)
	values := x.Float32s()
	for start := 0; start < len(values); start += dim {
		SoftmaxInPlace(values[start : start+dim])
	}
	return tensors.FromFloat32s(x.DType(), values, x.Shape().Dimensions...)
}

// SoftmaxInPlace replaces row by its softmax.
func SoftmaxInPlace(row []float32) {
	if len(row) == 0 {
		return
	}
	maxV := row[0]
	for _, v := range row[1:] {
		maxV = max(maxV, v)
	}
	var sum float64
	for ii, v := range row {
		e := math.Exp(float64(v - maxV))
		row[ii] = float32(e)
		sum += e
	}
	for ii := range row {
		row[ii] = float32(float64(row[ii]) / sum)
	}
}

// LogSumExp returns log(sum(exp(row))), computed in a numerically stable way.
func LogSumExp(row []float32) float64 {
	if len(row) == 0 {
		return math.Inf(-1)
	}
	maxV := row[0]
	for _, v := range row[1:] {
		maxV = max(maxV, v)
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v - maxV))
	}
	return float64(maxV) + math.Log(sum)
}

// MaskedFill returns a copy of x where the positions for which mask is true are set to value.
//
// mask must be a Bool tensor with the same rank as x, and each of its axes must either match
// the one of x or have dimension 1, in which case it is broadcast.
func MaskedFill(x, mask *tensors.Tensor, value float64) *tensors.Tensor {
	xShape, mShape := x.Shape(), mask.Shape()
	if mask.DType() != dtypes.Bool || mShape.Rank() != xShape.Rank() {
		exceptions.Panicf("nn.MaskedFill: mask %s not compatible with input %s", mShape, xShape)
	}
	rank := xShape.Rank()
	for axis := range rank {
		if md := mShape.Dimensions[axis]; md != 1 && md != xShape.Dimensions[axis] {
			exceptions.Panicf("nn.MaskedFill: mask %s can't be broadcast to input %s", mShape, xShape)
		}
	}

	// Strides of the mask, with 0 on broadcast axes.
	mStrides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		if mShape.Dimensions[axis] != 1 {
			mStrides[axis] = stride
		}
		stride *= mShape.Dimensions[axis]
	}

	values := x.Float32s()
	fill := float32(value)
	tensors.ConstFlatData(mask, func(maskFlat []bool) {
		coords := make([]int, rank)
		for ii := range values {
			mIdx := 0
			for axis, c := range coords {
				mIdx += c * mStrides[axis]
			}
			if maskFlat[mIdx] {
				values[ii] = fill
			}
			for axis := rank - 1; axis >= 0; axis-- {
				coords[axis]++
				if coords[axis] < xShape.Dimensions[axis] {
					break
				}
				coords[axis] = 0
			}
		}
	})
	return tensors.FromFloat32s(x.DType(), values, xShape.Dimensions...)
}
