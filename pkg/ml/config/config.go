// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the run-wide model hyperparameters shared by all pipeline stages.
//
// A config.Model is created (usually with Default and the With* setters, or from a settings
// string with ParseSettings), finalized once for the tensor-parallel size with Finalize, and
// from there on treated as read-only: it is passed explicitly to every component that needs it.
package config

import (
	"fmt"
	"strings"

	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Hyperparameter keys, used by ParseSettings.
const (
	ParamVocabSize                = "vocab_size"
	ParamMakeVocabSizeDivisibleBy = "make_vocab_size_divisible_by"
	ParamHiddenSize               = "hidden_size"
	ParamNumLayers                = "num_layers"
	ParamNumAttentionHeads        = "num_attention_heads"
	ParamFFNHiddenSize            = "ffn_hidden_size"
	ParamMaxPositionEmbeddings    = "max_position_embeddings"
	ParamInitMethodStd            = "init_method_std"
	ParamLayerNormEpsilon         = "layernorm_epsilon"
	ParamFP16LMCrossEntropy       = "fp16_lm_cross_entropy"
	ParamDType                    = "dtype"
	ParamSeed                     = "seed"
)

// Model holds the hyperparameters of the GPT-2 model.
type Model struct {
	VocabSize                int          // Original (unpadded) vocabulary size.
	MakeVocabSizeDivisibleBy int          // Padding granularity, multiplied by the tensor-parallel size.
	PaddedVocabSize          int          // Set by Finalize.
	HiddenSize               int          // Embedding and hidden dimension.
	NumLayers                int          // Total number of transformer layers, across all stages.
	NumAttentionHeads        int          // Attention heads per layer.
	FFNHiddenSize            int          // MLP inner dimension, 0 means 4*HiddenSize.
	MaxPositionEmbeddings    int          // Max sequence length.
	InitMethodStd            float64      // Standard deviation of the normal initializers.
	LayerNormEpsilon         float64      // Epsilon of the layer normalizations.
	FP16LMCrossEntropy       bool         // Compute the LM cross entropy on Float16 logits, without upcasting.
	DType                    dtypes.DType // DType of the parameters and activations.
	Seed                     int64        // Seed of the parameter initializers.
}

// Default returns the GPT-2 "small" (124M) configuration.
func Default() *Model {
	return &Model{
		VocabSize:                50257,
		MakeVocabSizeDivisibleBy: 128,
		HiddenSize:               768,
		NumLayers:                12,
		NumAttentionHeads:        12,
		MaxPositionEmbeddings:    1024,
		InitMethodStd:            0.02,
		LayerNormEpsilon:         1e-5,
		DType:                    dtypes.Float32,
		Seed:                     1234,
	}
}

// WithVocabSize sets the original vocabulary size.
func (m *Model) WithVocabSize(vocabSize int) *Model {
	m.VocabSize = vocabSize
	return m
}

// WithHiddenSize sets the hidden size.
func (m *Model) WithHiddenSize(hiddenSize int) *Model {
	m.HiddenSize = hiddenSize
	return m
}

// WithNumLayers sets the total number of transformer layers.
func (m *Model) WithNumLayers(numLayers int) *Model {
	m.NumLayers = numLayers
	return m
}

// WithNumAttentionHeads sets the number of attention heads.
func (m *Model) WithNumAttentionHeads(numHeads int) *Model {
	m.NumAttentionHeads = numHeads
	return m
}

// WithMaxPositionEmbeddings sets the maximum sequence length.
func (m *Model) WithMaxPositionEmbeddings(maxLen int) *Model {
	m.MaxPositionEmbeddings = maxLen
	return m
}

// WithDType sets the dtype of parameters and activations.
func (m *Model) WithDType(dtype dtypes.DType) *Model {
	m.DType = dtype
	return m
}

// WithFP16LMCrossEntropy sets whether the cross entropy runs on half precision logits.
func (m *Model) WithFP16LMCrossEntropy(enabled bool) *Model {
	m.FP16LMCrossEntropy = enabled
	return m
}

// WithSeed sets the initializers seed.
func (m *Model) WithSeed(seed int64) *Model {
	m.Seed = seed
	return m
}

// FFNSize returns the MLP inner dimension.
func (m *Model) FFNSize() int {
	if m.FFNHiddenSize > 0 {
		return m.FFNHiddenSize
	}
	return 4 * m.HiddenSize
}

// HeadDim returns the dimension of each attention head.
func (m *Model) HeadDim() int {
	return m.HiddenSize / m.NumAttentionHeads
}

// Clone returns a copy of the configuration.
func (m *Model) Clone() *Model {
	c := *m
	return &c
}

// PadVocabSize returns the vocabulary size padded up to a multiple of divisibleBy*tensorSize,
// so the vocabulary splits evenly across tensor-parallel ranks.
func PadVocabSize(vocabSize, divisibleBy, tensorSize int) int {
	multiple := max(divisibleBy, 1) * max(tensorSize, 1)
	return ((vocabSize + multiple - 1) / multiple) * multiple
}

// Validate checks the configuration for consistency.
func (m *Model) Validate() error {
	switch {
	case m.VocabSize <= 0:
		return errors.Errorf("%s must be > 0, got %d", ParamVocabSize, m.VocabSize)
	case m.HiddenSize <= 0:
		return errors.Errorf("%s must be > 0, got %d", ParamHiddenSize, m.HiddenSize)
	case m.NumLayers <= 0:
		return errors.Errorf("%s must be > 0, got %d", ParamNumLayers, m.NumLayers)
	case m.NumAttentionHeads <= 0 || m.HiddenSize%m.NumAttentionHeads != 0:
		return errors.Errorf("%s=%d must divide %s=%d", ParamNumAttentionHeads, m.NumAttentionHeads,
			ParamHiddenSize, m.HiddenSize)
	case m.MaxPositionEmbeddings <= 0:
		return errors.Errorf("%s must be > 0, got %d", ParamMaxPositionEmbeddings, m.MaxPositionEmbeddings)
	case m.InitMethodStd <= 0:
		return errors.Errorf("%s must be > 0, got %g", ParamInitMethodStd, m.InitMethodStd)
	case m.LayerNormEpsilon <= 0:
		return errors.Errorf("%s must be > 0, got %g", ParamLayerNormEpsilon, m.LayerNormEpsilon)
	case !m.DType.IsFloat():
		return errors.Errorf("%s must be a float type, got %s", ParamDType, m.DType)
	case m.PaddedVocabSize != 0 && m.PaddedVocabSize < m.VocabSize:
		return errors.Errorf("padded vocabulary size %d smaller than %s=%d", m.PaddedVocabSize, ParamVocabSize, m.VocabSize)
	}
	return nil
}

// Finalize validates the configuration and computes PaddedVocabSize for the given tensor-parallel size.
func (m *Model) Finalize(tensorSize int) error {
	if tensorSize < 1 {
		return errors.Errorf("tensor-parallel size must be >= 1, got %d", tensorSize)
	}
	m.PaddedVocabSize = 0
	if err := m.Validate(); err != nil {
		return err
	}
	m.PaddedVocabSize = PadVocabSize(m.VocabSize, m.MakeVocabSizeDivisibleBy, tensorSize)
	if m.PaddedVocabSize%tensorSize != 0 {
		return errors.Errorf("padded vocabulary size %d not divisible by tensor-parallel size %d",
			m.PaddedVocabSize, tensorSize)
	}
	return nil
}

// String implements fmt.Stringer, listing the hyperparameters in settings format.
func (m *Model) String() string {
	parts := make([]string, 0, 12)
	for _, p := range m.params() {
		parts = append(parts, fmt.Sprintf("%s=%v", p.key, p.value()))
	}
	return strings.Join(parts, ";")
}
