// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package language

import (
	"context"
	"reflect"

	"github.com/gomlx/gpt2pipe/pkg/core/dtypes"
	"github.com/gomlx/gpt2pipe/pkg/core/shapes"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/config"
	"github.com/gomlx/gpt2pipe/pkg/ml/nn"
	"github.com/gomlx/gpt2pipe/pkg/ml/parallel"
	"github.com/gomlx/gpt2pipe/pkg/ml/statedict"
	"github.com/pkg/errors"
)

// Embedding sums the word, position and (optional) token-type embeddings.
type Embedding struct {
	WordEmbeddings *parallel.VocabParallelEmbedding

	// PositionEmbeddings is shaped [MaxPositionEmbeddings, HiddenSize].
	PositionEmbeddings *tensors.Tensor

	// TokenTypeEmbeddings is shaped [NumTokenTypes, HiddenSize], or nil if disabled.
	TokenTypeEmbeddings *tensors.Tensor
}

func newEmbedding(cfg *config.Model, topo *parallel.Topology, comm parallel.Communicator, opts Options) *Embedding {
	e := &Embedding{
		WordEmbeddings: parallel.NewVocabParallelEmbedding(topo, comm, cfg.PaddedVocabSize, cfg.HiddenSize,
			cfg.DType, opts.InitMethod, paramSeed(cfg, "embedding.word_embeddings.weight")),
		PositionEmbeddings: opts.InitMethod(paramSeed(cfg, "embedding.position_embeddings.weight"),
			shapes.Make(cfg.DType, cfg.MaxPositionEmbeddings, cfg.HiddenSize)),
	}
	if opts.NumTokenTypes > 0 {
		e.TokenTypeEmbeddings = opts.InitMethod(paramSeed(cfg, "embedding.tokentype_embeddings.weight"),
			shapes.Make(cfg.DType, opts.NumTokenTypes, cfg.HiddenSize))
	}
	return e
}

// Forward returns the embeddings [batch, seq, hidden] of the Int32 ids [batch, seq]. tokenTypeIDs is optional.
func (e *Embedding) Forward(ctx context.Context, inputIDs, positionIDs, tokenTypeIDs *tensors.Tensor) (*tensors.Tensor, error) {
	if inputIDs == nil || positionIDs == nil {
		return nil, errors.New("embedding: input ids and position ids are required")
	}
	if !inputIDs.Shape().Equal(positionIDs.Shape()) {
		return nil, errors.Errorf("embedding: input ids %s and position ids %s must have the same shape",
			inputIDs.Shape(), positionIDs.Shape())
	}
	embeddings, err := e.WordEmbeddings.Forward(ctx, inputIDs)
	if err != nil {
		return nil, err
	}
	positions, err := lookup(e.PositionEmbeddings, positionIDs, "position")
	if err != nil {
		return nil, err
	}
	embeddings = nn.Add(embeddings, positions)
	if tokenTypeIDs != nil {
		if e.TokenTypeEmbeddings == nil {
			return nil, errors.New("embedding: token type ids given, but the model has no token-type embeddings")
		}
		if !inputIDs.Shape().Equal(tokenTypeIDs.Shape()) {
			return nil, errors.Errorf("embedding: token type ids %s must have the shape of input ids %s",
				tokenTypeIDs.Shape(), inputIDs.Shape())
		}
		tokenTypes, err := lookup(e.TokenTypeEmbeddings, tokenTypeIDs, "token type")
		if err != nil {
			return nil, err
		}
		embeddings = nn.Add(embeddings, tokenTypes)
	}
	return embeddings, nil
}

// lookup gathers the rows of table [n, dim] for the Int32 ids.
func lookup(table, ids *tensors.Tensor, name string) (*tensors.Tensor, error) {
	if ids.DType() != dtypes.Int32 {
		return nil, errors.Errorf("embedding: %s ids must be Int32, got %s", name, ids.Shape())
	}
	n, dim := table.Shape().Dim(0), table.Shape().Dim(1)
	out := tensors.FromShape(shapes.Make(table.DType(), append(ids.Shape().Clone().Dimensions, dim)...))
	var err error
	tensors.ConstFlatData(ids, func(flatIDs []int32) {
		table.ConstFlatData(func(tableAny any) {
			out.MutableFlatData(func(outAny any) {
				tableV, outV := reflect.ValueOf(tableAny), reflect.ValueOf(outAny)
				for ii, id := range flatIDs {
					if id < 0 || int(id) >= n {
						err = errors.Errorf("embedding: %s id %d out of range [0, %d)", name, id, n)
						return
					}
					reflect.Copy(outV.Slice(ii*dim, (ii+1)*dim), tableV.Slice(int(id)*dim, (int(id)+1)*dim))
				}
			})
		})
	})
	return out, err
}

// StateDict returns the embedding parameters.
func (e *Embedding) StateDict() *statedict.StateDict {
	sd := statedict.New().
		Set("word_embeddings", e.WordEmbeddings.StateDict()).
		Set("position_embeddings", statedict.New().Set("weight", e.PositionEmbeddings))
	if e.TokenTypeEmbeddings != nil {
		sd.Set("tokentype_embeddings", statedict.New().Set("weight", e.TokenTypeEmbeddings))
	}
	return sd
}
