// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear performs a linear transformation: y = x @ weight^T + bias.
//
// weight has shape [out_features, in_features] and x has shape [..., in_features]. bias is optional
// (nil means no bias), with shape [out_features].
//
// The output has shape [..., out_features] and the dtype of x.
func Linear(x, weight, bias *tensors.Tensor) *tensors.Tensor {
	xShape, wShape := x.Shape(), weight.Shape()
	if wShape.Rank() != 2 || xShape.Rank() < 1 || xShape.Dim(-1) != wShape.Dim(1) {
		exceptions.Panicf("nn.Linear: incompatible input %s and weight %s", xShape, wShape)
	}
	inFeatures, outFeatures := wShape.Dim(1), wShape.Dim(0)
	rows := xShape.Size() / inFeatures
	y := MatMul(x.Float32s(), rows, inFeatures, weight.Float32s(), outFeatures, true)
	if bias != nil {
		if bias.Size() != outFeatures {
			exceptions.Panicf("nn.Linear: bias %s doesn't match weight %s", bias.Shape(), wShape)
		}
		b := bias.Float32s()
		for row := range rows {
			out := y[row*outFeatures : (row+1)*outFeatures]
			for ii := range out {
				out[ii] += b[ii]
			}
		}
	}
	dims := slices.Clone(xShape.Dimensions)
	dims[len(dims)-1] = outFeatures
	return tensors.FromFloat32s(x.DType(), y, dims...)
}

// MatMul multiplies the row-major matrices a [m, k] and b, and returns the [m, n] result.
//
// If transposeB is true b has shape [n, k] and the result is a @ b^T, otherwise b has shape [k, n].
func MatMul(a []float32, m, k int, b []float32, n int, transposeB bool) []float32 {
	c := make([]float32, m*n)
	if m == 0 || n == 0 {
		return c
	}
	if len(a) != m*k || len(b) != k*n {
		exceptions.Panicf("nn.MatMul: got len(a)=%d, len(b)=%d for m=%d, k=%d, n=%d", len(a), len(b), m, k, n)
	}
	bMat := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	tB := blas.NoTrans
	if transposeB {
		bMat = blas32.General{Rows: n, Cols: k, Stride: k, Data: b}
		tB = blas.Trans
	}
	blas32.Gemm(blas.NoTrans, tB, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		bMat,
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c})
	return c
}
