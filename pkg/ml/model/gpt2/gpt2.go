// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gpt2 implements the GPT-2 model split across pipeline stages.
//
// Each rank builds a Model for its StageRole (see RoleOf): the first stage embeds the tokens,
// intermediate stages transform hidden states, and the last stage projects the final hidden
// state onto the vocabulary, using the word embeddings as the output projection.
//
// When the first and the last stages live on different ranks, the last stage holds its own copy
// of the word embeddings. New ties both copies: the last stage's copy is created filled with zeros,
// and a sum all-reduce over the embedding group, run once during construction, gives both ranks
// the first stage's values.
//
// Example, on each rank of a 2-stage pipeline:
//
//	topo := must.M1(parallel.NewTopology(2, 1, 1, rank))
//	model, err := gpt2.New(ctx, cfg, topo, fabric.Rank(rank), gpt2.DefaultOptions())
package gpt2

import (
	"context"

	"github.com/gomlx/gpt2pipe/pkg/core/distributed"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/config"
	"github.com/gomlx/gpt2pipe/pkg/ml/initializer"
	"github.com/gomlx/gpt2pipe/pkg/ml/model/language"
	"github.com/gomlx/gpt2pipe/pkg/ml/nn"
	"github.com/gomlx/gpt2pipe/pkg/ml/parallel"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrInvalidCall is wrapped by the panics of methods called on a stage that doesn't support them.
	ErrInvalidCall = errors.New("invalid call for the stage role")

	// ErrRoleMismatch is wrapped by the errors of the stage-specific forward methods called on
	// a model of another role.
	ErrRoleMismatch = errors.New("stage role mismatch")
)

// Options of the model.
type Options struct {
	// NumTokenTypes is the number of token types, 0 disables the token-type embeddings.
	NumTokenTypes int

	// ParallelOutput keeps the logits sharded along the vocabulary across the tensor-parallel group.
	// It can be overridden per call with Inputs.ForwardMethodParallelOutput.
	ParallelOutput bool
}

// DefaultOptions returns the default options: no token types, parallel output.
func DefaultOptions() Options {
	return Options{ParallelOutput: true}
}

// AttentionMask is the attention mask function of GPT-2: it sets the masked scores to -10000.
func AttentionMask(scores, mask *tensors.Tensor) *tensors.Tensor {
	return nn.MaskedFill(scores, mask, -10000)
}

// Model is the part of GPT-2 held by one rank.
type Model struct {
	cfg  *config.Model
	topo *parallel.Topology
	comm parallel.Communicator
	role StageRole
	opts Options

	languageModel *language.Model

	// wordEmbeddings is the copy of the word embeddings held by the last stage, only when the
	// last stage is not also the first.
	wordEmbeddings *parallel.VocabParallelEmbedding
}

// New creates the part of the model of the rank given by topo.
//
// cfg must be finalized (see config.Model.Finalize) and is read-only from here on. comm can be nil
// for a single rank job, in which case parallel.Local is used.
//
// On the first and last stages New blocks on an all-reduce over the embedding group, and returns
// only when the other member of the group has joined it: ranks of all stages must be constructed
// concurrently. There is no timeout, only the cancellation of ctx interrupts it.
func New(ctx context.Context, cfg *config.Model, topo *parallel.Topology, comm parallel.Communicator, opts Options) (*Model, error) {
	if comm == nil {
		if topo.WorldSize() > 1 {
			return nil, errors.Errorf("gpt2.New: a communicator is required for %s", topo)
		}
		comm = parallel.Local()
	}
	m := &Model{cfg: cfg, topo: topo, comm: comm, role: RoleOf(topo), opts: opts}
	var err error
	m.languageModel, err = language.New(cfg, topo, comm, language.Options{
		AttentionMaskFn:  AttentionMask,
		NumTokenTypes:    opts.NumTokenTypes,
		AddPooler:        false,
		InitMethod:       initializer.Normal(cfg.InitMethodStd),
		ScaledInitMethod: initializer.ScaledNormal(cfg.InitMethodStd, cfg.NumLayers),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "gpt2.New(%s)", m.role)
	}

	if m.role == StageRoleLast {
		// Zeros until the all-reduce below copies the first stage's values.
		m.wordEmbeddings = parallel.NewVocabParallelEmbedding(topo, comm, cfg.PaddedVocabSize, cfg.HiddenSize,
			cfg.DType, initializer.Zero, 0)
	}

	if m.role != StageRoleIntermediate {
		group := topo.EmbeddingGroup()
		klog.V(1).Infof("rank %d (%s): synchronizing word embeddings over %s", topo.Rank(), m.role, group)
		if err := comm.AllReduce(ctx, group, distributed.ReduceOpSum, m.WordEmbeddingsWeight()); err != nil {
			return nil, errors.WithMessagef(err, "gpt2.New(%s) synchronizing word embeddings", m.role)
		}
	}
	return m, nil
}

// Role returns the stage role of the model.
func (m *Model) Role() StageRole { return m.role }

// Config returns the model configuration.
func (m *Model) Config() *config.Model { return m.cfg }

// Topology returns the topology of the rank.
func (m *Model) Topology() *parallel.Topology { return m.topo }

// LanguageModel returns the backbone.
func (m *Model) LanguageModel() *language.Model { return m.languageModel }

// WordEmbeddingsWeight returns the local shard of the word embeddings: the backbone's on the first
// stage, or the last stage's own copy.
//
// It panics with an error wrapping ErrInvalidCall on an intermediate stage, which holds no copy.
func (m *Model) WordEmbeddingsWeight() *tensors.Tensor {
	switch m.role {
	case StageRoleFirst, StageRoleStandalone:
		return m.languageModel.WordEmbeddingsWeight()
	case StageRoleLast:
		return m.wordEmbeddings.Weight
	}
	panic(errors.Wrapf(ErrInvalidCall, "WordEmbeddingsWeight() should be called for first and last stages only, not for %s",
		m.role))
}
