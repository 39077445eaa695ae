// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn_test

import (
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const epsilon = 1e-5

func TestLinear(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	weight := tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 0, 1, 1}, 2, 3)
	bias := tensors.FromFlatDataAndDimensions([]float32{10, 20}, 2)

	y := nn.Linear(x, weight, bias)
	assert.Equal(t, []int{2, 2}, y.Shape().Dimensions)
	assert.InDeltaSlice(t, []float32{11, 25, 14, 31}, y.Float32s(), epsilon)

	y = nn.Linear(x.Reshape(1, 2, 3), weight, nil)
	assert.Equal(t, []int{1, 2, 2}, y.Shape().Dimensions)
	assert.InDeltaSlice(t, []float32{1, 5, 4, 11}, y.Float32s(), epsilon)

	half := nn.Linear(x.ConvertDType(dtypes.Float16), weight, nil)
	assert.Equal(t, dtypes.Float16, half.DType())

	err := exceptions.TryCatch[error](func() { nn.Linear(weight, x.Reshape(3, 2), nil) })
	require.Error(t, err)
}

func TestMatMul(t *testing.T) {
	a := []float32{1, 2, 3, 4} // [2, 2]
	b := []float32{5, 6, 7, 8} // [2, 2]
	assert.InDeltaSlice(t, []float32{19, 22, 43, 50}, nn.MatMul(a, 2, 2, b, 2, false), epsilon)
	assert.InDeltaSlice(t, []float32{17, 23, 39, 53}, nn.MatMul(a, 2, 2, b, 2, true), epsilon)
	assert.Empty(t, nn.MatMul(nil, 0, 2, b, 2, false))
}

func TestLayerNorm(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 2, 2, 2, 2}, 2, 4)
	y := nn.LayerNorm(x, nil, nil, 1e-5).Float32s()
	invStd := float32(1 / math.Sqrt(1.25+1e-5))
	for _, v := range y {
		require.False(t, math.IsNaN(float64(v)), "constant rows must normalize to finite values")
	}
	assert.InDeltaSlice(t, []float32{-1.5 * invStd, -0.5 * invStd, 0.5 * invStd, 1.5 * invStd}, y[:4], epsilon)
	assert.InDeltaSlice(t, []float32{0, 0, 0, 0}, y[4:], epsilon)

	gamma := tensors.FromFlatDataAndDimensions([]float32{2, 2, 2, 2}, 4)
	beta := tensors.FromFlatDataAndDimensions([]float32{1, 1, 1, 1}, 4)
	y = nn.LayerNorm(x, gamma, beta, 1e-5).Float32s()
	assert.InDelta(t, 1.0, y[4], epsilon)
	assert.InDelta(t, 1+2*1.5*invStd, y[3], 1e-4)
}

func TestGelu(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float32{-3, 0, 1, 3}, 4)
	y := nn.Gelu(x).Float32s()
	assert.InDeltaSlice(t, []float32{-0.0036373, 0, 0.8411920, 2.9963627}, y, 1e-5)
}

func TestAdd(t *testing.T) {
	a := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	b := tensors.FromFlatDataAndDimensions([]float32{3, 4}, 2)
	assert.Equal(t, []float32{4, 6}, nn.Add(a, b).Float32s())
	err := exceptions.TryCatch[error](func() { nn.Add(a, a.Reshape(1, 2)) })
	require.Error(t, err)
}

func TestSoftmax(t *testing.T) {
	logits := tensors.FromFlatDataAndDimensions([]float32{-1, 0, 1, -1, 0, 0}, 2, 3)
	assert.InDeltaSlice(t, []float32{
		0.09003057317038046, 0.24472847105479764, 0.6652409557748218,
		0.15536240349696362, 0.4223187982515182, 0.4223187982515182,
	}, nn.Softmax(logits).Float32s(), epsilon)

	err := exceptions.TryCatch[error](func() { nn.Softmax(tensors.FromIDs([][]int32{{1, 2}})) })
	require.Error(t, err)
}

func TestLogSumExp(t *testing.T) {
	assert.InDelta(t, math.Log(math.Exp(-1)+1+math.E), nn.LogSumExp([]float32{-1, 0, 1}), epsilon)
	assert.InDelta(t, 1000+math.Log(2), nn.LogSumExp([]float32{1000, 1000}), 1e-3)
	assert.True(t, math.IsInf(nn.LogSumExp(nil), -1))
}

func TestMaskedFill(t *testing.T) {
	// Scores [batch=2, heads=1, 2, 2] with a causal mask [1, 1, 2, 2].
	scores := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 1, 2, 2)
	mask := tensors.FromFlatDataAndDimensions([]bool{false, true, false, false}, 1, 1, 2, 2)
	got := nn.MaskedFill(scores, mask, -10000).Float32s()
	assert.Equal(t, []float32{1, -10000, 3, 4, 5, -10000, 7, 8}, got)

	err := exceptions.TryCatch[error](func() {
		nn.MaskedFill(scores, tensors.FromFlatDataAndDimensions([]bool{true, false, true}, 1, 1, 1, 3), 0)
	})
	require.Error(t, err)
}
