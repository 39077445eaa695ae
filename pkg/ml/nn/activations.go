// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
)

// Gelu returns the approximate GELU of x:
//
//	x * 0.5 * (1 + tanh(sqrt(2/pi) * (x + 0.044715*x^3)))
func Gelu(x *tensors.Tensor) *tensors.Tensor {
	values := x.Float32s()
	const sqrt2OverPi = 0.7978845608028654
	for ii, v := range values {
		f := float64(v)
		values[ii] = float32(0.5 * f * (1 + math.Tanh(sqrt2OverPi*(f+0.044715*f*f*f))))
	}
	return tensors.FromFloat32s(x.DType(), values, x.Shape().Dimensions...)
}

// Add returns the element-wise sum of a and b, which must have the same dimensions.
// The result has the dtype of a.
func Add(a, b *tensors.Tensor) *tensors.Tensor {
	if !a.Shape().EqualDimensions(b.Shape()) {
		exceptions.Panicf("nn.Add: incompatible shapes %s and %s", a.Shape(), b.Shape())
	}
	values := a.Float32s()
	for ii, v := range b.Float32s() {
		values[ii] += v
	}
	return tensors.FromFloat32s(a.DType(), values, a.Shape().Dimensions...)
}
