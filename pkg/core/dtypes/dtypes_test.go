// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestDTypeString(t *testing.T) {
	for _, name := range []string{"float16", "FP16", " half "} {
		dtype, err := DTypeString(name)
		require.NoError(t, err)
		assert.Equal(t, Float16, dtype)
	}
	dtype, err := DTypeString("Float32")
	require.NoError(t, err)
	assert.Equal(t, Float32, dtype)

	_, err = DTypeString("complex64")
	require.Error(t, err)

	assert.Equal(t, "Float16", Float16.String())
	assert.Equal(t, "DType(99)", DType(99).String())
	assert.Equal(t, "DType(-3)", DType(-3).String())
}

func TestFromGenericsType(t *testing.T) {
	assert.Equal(t, Bool, FromGenericsType[bool]())
	assert.Equal(t, Int32, FromGenericsType[int32]())
	assert.Equal(t, Float16, FromGenericsType[float16.Float16]())
	assert.Equal(t, Float32, FromGenericsType[float32]())
}

func TestSizes(t *testing.T) {
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, uintptr(40), Int32.Memory(10))
	assert.True(t, Float16.IsFloat())
	assert.True(t, Float16.IsFloat16())
	assert.False(t, Int32.IsFloat())
	assert.False(t, InvalidDType.IsSupported())
}
