// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3, 4)
	assert.Equal(t, 3, s.Rank())
	assert.Equal(t, 24, s.Size())
	assert.Equal(t, 4, s.Dim(-1))
	assert.Equal(t, 2, s.Dim(0))
	assert.Equal(t, uintptr(96), s.Memory())
	assert.Equal(t, "(Float32)[2 3 4]", s.String())
	assert.True(t, s.Equal(Make(dtypes.Float32, 2, 3, 4)))
	assert.False(t, s.Equal(Make(dtypes.Float16, 2, 3, 4)))
	assert.True(t, s.EqualDimensions(Make(dtypes.Float16, 2, 3, 4)))
	assert.Equal(t, "(Float32)[2 3 7]", s.WithLastDim(7).String())
	assert.Equal(t, 4, s.Dim(-1), "WithLastDim must not change the original")

	scalar := Scalar(dtypes.Float32)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())
	assert.False(t, Shape{}.Ok())
}

func TestShapePanics(t *testing.T) {
	err := exceptions.TryCatch[error](func() { Make(dtypes.Float32, 2, 0) })
	require.Error(t, err)
	err = exceptions.TryCatch[error](func() { Make(dtypes.Float32, 2).Dim(1) })
	require.Error(t, err)
}

func TestCheckDims(t *testing.T) {
	s := Make(dtypes.Int32, 2, 5)
	require.NoError(t, s.CheckDims(2, 5))
	require.NoError(t, s.CheckDims(UncheckedAxis, 5))
	require.Error(t, s.CheckDims(2))
	require.Error(t, s.CheckDims(2, 6))
	err := exceptions.TryCatch[error](func() { AssertDims(s, 3, -1) })
	require.Error(t, err)
}
