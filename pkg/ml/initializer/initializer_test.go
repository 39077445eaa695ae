// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package initializer_test

import (
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/gomlx/gpt2pipe/pkg/core/shapes"
	"github.com/gomlx/gpt2pipe/pkg/ml/initializer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func toFloat64(values []float32) []float64 {
	out := make([]float64, len(values))
	for ii, v := range values {
		out[ii] = float64(v)
	}
	return out
}

func TestNormal(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 100, 100)
	a := initializer.Normal(0.02)(42, shape)
	b := initializer.Normal(0.02)(42, shape)
	c := initializer.Normal(0.02)(43, shape)
	require.True(t, a.Shape().Equal(shape))
	assert.True(t, a.BitEqual(b), "same seed must give the same values")
	assert.False(t, a.BitEqual(c), "different seeds must give different values")

	mean, std := stat.MeanStdDev(toFloat64(a.Float32s()), nil)
	assert.InDelta(t, 0.0, mean, 0.002)
	assert.InDelta(t, 0.02, std, 0.002)

	half := initializer.Normal(0.02)(42, shape.WithDType(dtypes.Float16))
	assert.Equal(t, dtypes.Float16, half.DType())

	err := exceptions.TryCatch[error](func() { initializer.Normal(1)(0, shapes.Make(dtypes.Int32, 3)) })
	require.Error(t, err)
}

func TestScaledNormal(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 200, 100)
	values := initializer.ScaledNormal(0.02, 8)(7, shape).Float32s()
	_, std := stat.MeanStdDev(toFloat64(values), nil)
	assert.InDelta(t, 0.02/math.Sqrt(16), std, 0.0005)
}

func TestZeroOne(t *testing.T) {
	shape := shapes.Make(dtypes.Float16, 2, 3)
	for _, v := range initializer.Zero(1, shape).Float32s() {
		assert.Equal(t, float32(0), v)
	}
	for _, v := range initializer.One(1, shape).Float32s() {
		assert.Equal(t, float32(1), v)
	}
}

func TestSeedFor(t *testing.T) {
	a := initializer.SeedFor(1234, "language_model.embedding.word_embeddings.weight")
	assert.Equal(t, a, initializer.SeedFor(1234, "language_model.embedding.word_embeddings.weight"))
	assert.NotEqual(t, a, initializer.SeedFor(1234, "language_model.embedding.position_embeddings.weight"))
	assert.NotEqual(t, a, initializer.SeedFor(1235, "language_model.embedding.word_embeddings.weight"))
}
