// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/statedict"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildStateDict(offset float32) *statedict.StateDict {
	embedding := statedict.New().
		Set("word_embeddings", statedict.New().Set("weight",
			tensors.FromFlatDataAndDimensions([]float32{offset, offset + 1, offset + 2, offset + 3}, 2, 2)))
	transformer := statedict.New().
		Set("final_layernorm", statedict.New().
			Set("weight", tensors.FromFlatDataAndDimensions([]float32{1, 1}, 2)).
			Set("bias", tensors.FromFlatDataAndDimensions([]float32{offset, offset}, 2)))
	return statedict.New().Set("embedding", embedding).Set("transformer", transformer)
}

func TestStateDict(t *testing.T) {
	sd := buildStateDict(0)
	assert.Equal(t, []string{"embedding", "transformer"}, sd.Keys())
	assert.Equal(t, 2, sd.Len())
	assert.True(t, sd.Has("embedding"))
	assert.Nil(t, sd.Tensor("embedding"))
	assert.Nil(t, sd.Sub("missing"))
	require.NotNil(t, sd.Sub("transformer").Sub("final_layernorm").Tensor("bias"))

	want := []string{
		"embedding.word_embeddings.weight",
		"transformer.final_layernorm.weight",
		"transformer.final_layernorm.bias",
	}
	if diff := cmp.Diff(want, sd.FlatKeys()); diff != "" {
		t.Errorf("FlatKeys() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 8, sd.NumParams())
	assert.Equal(t, uintptr(32), sd.Memory())

	clone := sd.Clone()
	assert.True(t, sd.Equal(clone))
	clone.Sub("transformer").Sub("final_layernorm").Tensor("bias").Fill(7)
	assert.False(t, sd.Equal(clone))

	rebuilt, err := statedict.FromFlat(sd.Flatten())
	require.NoError(t, err)
	assert.True(t, sd.Equal(rebuilt))

	sd.Delete("embedding")
	assert.Equal(t, []string{"transformer"}, sd.Keys())

	err = exceptions.TryCatch[error](func() { sd.Set("bad", 1.0) })
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Run("exact", func(t *testing.T) {
		dst, src := buildStateDict(0), buildStateDict(10)
		require.NoError(t, statedict.Load(dst, src, true))
		assert.True(t, dst.Equal(src))
	})

	t.Run("strict-mismatch", func(t *testing.T) {
		dst, src := buildStateDict(0), buildStateDict(10)
		src.Delete("embedding")
		src.Set("pooler", statedict.New().Set("weight", tensors.FromFlatDataAndDimensions([]float32{1}, 1)))
		err := statedict.Load(dst, src, true)
		var mismatch *statedict.KeyMismatchError
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, []string{"embedding.word_embeddings.weight"}, mismatch.Missing)
		assert.Equal(t, []string{"pooler.weight"}, mismatch.Unexpected)
		assert.Contains(t, err.Error(), "pooler.weight")
		// Nothing copied.
		assert.True(t, dst.Equal(buildStateDict(0)))
	})

	t.Run("non-strict", func(t *testing.T) {
		dst, src := buildStateDict(0), buildStateDict(10)
		src.Delete("embedding")
		require.NoError(t, statedict.Load(dst, src, false))
		assert.Equal(t, []float32{10, 10}, dst.Sub("transformer").Sub("final_layernorm").Tensor("bias").Float32s())
		assert.Equal(t, []float32{0, 1, 2, 3}, dst.Sub("embedding").Sub("word_embeddings").Tensor("weight").Float32s())
	})

	t.Run("shape-mismatch", func(t *testing.T) {
		dst, src := buildStateDict(0), buildStateDict(10)
		src.Sub("embedding").Sub("word_embeddings").Set("weight", tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2))
		require.Error(t, statedict.Load(dst, src, false))
	})
}

func TestWithout(t *testing.T) {
	sd := buildStateDict(0)
	without := sd.Without("embedding", "missing")
	assert.Equal(t, []string{"transformer"}, without.Keys())
	assert.Equal(t, 2, sd.Len(), "source must not change")
	assert.Same(t, sd.Sub("transformer"), without.Sub("transformer"))

	assert.Equal(t, []string{"embedding.word_embeddings.weight"}, sd.FlatKeysExcept("transformer"))
	assert.Empty(t, sd.FlatKeysExcept("embedding", "transformer"))
}
