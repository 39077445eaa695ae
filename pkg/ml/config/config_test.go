// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/gomlx/gpt2pipe/pkg/ml/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadVocabSize(t *testing.T) {
	assert.Equal(t, 50304, config.PadVocabSize(50257, 128, 1))
	assert.Equal(t, 50432, config.PadVocabSize(50257, 128, 2))
	assert.Equal(t, 50688, config.PadVocabSize(50257, 128, 4))
	assert.Equal(t, 128, config.PadVocabSize(128, 128, 1))
	assert.Equal(t, 10, config.PadVocabSize(10, 1, 1))
	assert.Equal(t, 12, config.PadVocabSize(10, 0, 3))
}

func TestFinalize(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Finalize(1))
	assert.Equal(t, 50304, cfg.PaddedVocabSize)
	assert.Equal(t, 3072, cfg.FFNSize())
	assert.Equal(t, 64, cfg.HeadDim())

	require.NoError(t, cfg.Finalize(2))
	assert.Equal(t, 50432, cfg.PaddedVocabSize)

	bad := config.Default().WithNumAttentionHeads(5)
	require.Error(t, bad.Finalize(1))
	bad = config.Default().WithDType(dtypes.Int32)
	require.Error(t, bad.Finalize(1))
	require.Error(t, config.Default().Finalize(0))

	bad = config.Default()
	_, err := config.ParseSettings(bad, "layernorm_epsilon=0")
	require.NoError(t, err)
	require.ErrorContains(t, bad.Finalize(1), config.ParamLayerNormEpsilon)
}

func TestParseSettings(t *testing.T) {
	cfg := config.Default()
	paramsSet, err := config.ParseSettings(cfg, "hidden_size=1_024; num_layers=24;dtype=float16;fp16_lm_cross_entropy=true;init_method_std=0.01")
	require.NoError(t, err)
	assert.Equal(t, []string{"hidden_size", "num_layers", "dtype", "fp16_lm_cross_entropy", "init_method_std"}, paramsSet)
	assert.Equal(t, 1024, cfg.HiddenSize)
	assert.Equal(t, 24, cfg.NumLayers)
	assert.Equal(t, dtypes.Float16, cfg.DType)
	assert.True(t, cfg.FP16LMCrossEntropy)
	assert.Equal(t, 0.01, cfg.InitMethodStd)

	_, err = config.ParseSettings(cfg, "unknown=1")
	require.Error(t, err)
	_, err = config.ParseSettings(cfg, "hidden_size")
	require.Error(t, err)
	_, err = config.ParseSettings(cfg, "hidden_size=abc")
	require.Error(t, err)
	_, err = config.ParseSettings(cfg, "dtype=complex64")
	require.Error(t, err)
}

func TestParseSettingsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte("# small model\nhidden_size=64;num_attention_heads=4\n\nseed=7\n"), 0o644))
	cfg := config.Default()
	paramsSet, err := config.ParseSettings(cfg, "file:"+path+";num_layers=2")
	require.NoError(t, err)
	assert.Equal(t, []string{"hidden_size", "num_attention_heads", "seed", "num_layers"}, paramsSet)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Contains(t, cfg.String(), "hidden_size=64;num_layers=2;num_attention_heads=4")

	_, err = config.ParseSettings(cfg, "file:"+filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
