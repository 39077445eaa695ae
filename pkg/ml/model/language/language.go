// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package language implements the language-model backbone of GPT-2: embeddings, a stack of
// pre-LayerNorm transformer layers and the final LayerNorm, split across pipeline stages.
//
// Each stage holds only its part of the model:
//
//   - The first stage holds the embeddings.
//   - Every stage holds NumLayers/PipelineSize contiguous transformer layers.
//   - The last stage holds the final LayerNorm.
//
// Parameters are initialized from seeds derived from their global names, so a model split
// across stages has the same values as the unsplit one.
package language

import (
	"fmt"

	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/config"
	"github.com/gomlx/gpt2pipe/pkg/ml/initializer"
	"github.com/gomlx/gpt2pipe/pkg/ml/parallel"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AttentionMaskFunc applies mask (Bool, true for masked positions) to the attention scores
// [batch, heads, querySeq, keySeq], and returns the masked scores.
//
// The mask has rank 4 and its axes are broadcast to the ones of the scores where they have dimension 1.
type AttentionMaskFunc func(scores, mask *tensors.Tensor) *tensors.Tensor

// Options of the backbone.
type Options struct {
	// AttentionMaskFn is required.
	AttentionMaskFn AttentionMaskFunc

	// NumTokenTypes is the number of token types, 0 disables the token-type embeddings.
	NumTokenTypes int

	// AddPooler is not supported by GPT-2 and must be false.
	AddPooler bool

	// InitMethod initializes the embeddings and the input projections of each layer.
	InitMethod initializer.Initializer

	// ScaledInitMethod initializes the output projections of each layer.
	ScaledInitMethod initializer.Initializer
}

// Model is the part of the backbone held by one pipeline stage.
type Model struct {
	cfg  *config.Model
	topo *parallel.Topology
	comm parallel.Communicator
	opts Options

	// Embedding is only present in the first stage.
	Embedding *Embedding

	// Layers held by this stage, the first one having the global index FirstLayer.
	Layers     []*TransformerLayer
	FirstLayer int

	// FinalLayerNorm is only present in the last stage.
	FinalLayerNorm *LayerNorm
}

// New creates the part of the backbone for the stage of topo.
//
// cfg must have been finalized (see config.Model.Finalize), and comm is used for the
// tensor-parallel collectives of the word embeddings.
func New(cfg *config.Model, topo *parallel.Topology, comm parallel.Communicator, opts Options) (*Model, error) {
	if opts.AddPooler {
		return nil, errors.New("language.New: GPT-2 has no pooler, AddPooler must be false")
	}
	if opts.AttentionMaskFn == nil || opts.InitMethod == nil || opts.ScaledInitMethod == nil {
		return nil, errors.New("language.New: AttentionMaskFn, InitMethod and ScaledInitMethod are required")
	}
	if opts.NumTokenTypes < 0 {
		return nil, errors.Errorf("language.New: NumTokenTypes must be >= 0, got %d", opts.NumTokenTypes)
	}
	if cfg.PaddedVocabSize == 0 {
		return nil, errors.New("language.New: model configuration not finalized")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "language.New")
	}
	numStages := topo.PipelineSize()
	if cfg.NumLayers%numStages != 0 {
		return nil, errors.Errorf("language.New: %s=%d not divisible by the number of pipeline stages %d",
			config.ParamNumLayers, cfg.NumLayers, numStages)
	}

	m := &Model{cfg: cfg, topo: topo, comm: comm, opts: opts}
	if topo.IsFirstStage() {
		m.Embedding = newEmbedding(cfg, topo, comm, opts)
	}
	numLocal := cfg.NumLayers / numStages
	m.FirstLayer = topo.PipelineRank() * numLocal
	m.Layers = make([]*TransformerLayer, numLocal)
	for ii := range m.Layers {
		m.Layers[ii] = newTransformerLayer(cfg, opts, m.FirstLayer+ii)
	}
	if topo.IsLastStage() {
		m.FinalLayerNorm = newLayerNorm(cfg, cfg.HiddenSize)
	}
	klog.V(1).Infof("rank %d: language model with layers [%d, %d), embedding=%v, final layernorm=%v",
		topo.Rank(), m.FirstLayer, m.FirstLayer+numLocal, m.Embedding != nil, m.FinalLayerNorm != nil)
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() *config.Model { return m.cfg }

// Topology returns the topology of the rank holding this part of the model.
func (m *Model) Topology() *parallel.Topology { return m.topo }

// WordEmbeddingsWeight returns the local shard of the word embeddings table, or nil if this stage
// doesn't hold the embeddings.
func (m *Model) WordEmbeddingsWeight() *tensors.Tensor {
	if m.Embedding == nil {
		return nil
	}
	return m.Embedding.WordEmbeddings.Weight
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("language.Model(layers=[%d, %d), hidden=%d, embedding=%v, final_layernorm=%v)",
		m.FirstLayer, m.FirstLayer+len(m.Layers), m.cfg.HiddenSize, m.Embedding != nil, m.FinalLayerNorm != nil)
}

// paramSeed returns the seed of the parameter with the given global name.
func paramSeed(cfg *config.Model, name string) int64 {
	return initializer.SeedFor(cfg.Seed, name)
}
