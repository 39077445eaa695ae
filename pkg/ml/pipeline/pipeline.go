// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline drives GPT-2 across the ranks of an in-process distributed.Fabric: it builds
// one gpt2.Model per rank and runs micro-batches through the pipeline stages, sending the hidden
// states from each stage to the next.
package pipeline

import (
	"context"
	"fmt"

	"github.com/gomlx/gpt2pipe/pkg/core/distributed"
	"github.com/gomlx/gpt2pipe/pkg/core/tensors"
	"github.com/gomlx/gpt2pipe/pkg/ml/config"
	"github.com/gomlx/gpt2pipe/pkg/ml/model/gpt2"
	"github.com/gomlx/gpt2pipe/pkg/ml/parallel"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Layout of the ranks: their number is PipelineSize * DataSize * TensorSize.
type Layout struct {
	PipelineSize, DataSize, TensorSize int
}

// WorldSize returns the total number of ranks.
func (l Layout) WorldSize() int {
	return l.PipelineSize * l.DataSize * l.TensorSize
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	return fmt.Sprintf("pipeline=%d x data=%d x tensor=%d", l.PipelineSize, l.DataSize, l.TensorSize)
}

// Batch is one micro-batch.
type Batch struct {
	// InputIDs and Labels are Int32 [batch, seq].
	InputIDs, Labels *tensors.Tensor
}

// BuildModels creates the model of every rank of the layout, concurrently, since the construction
// of the first and last stages blocks until both join the tying of the word embeddings.
//
// cfg must be finalized for layout.TensorSize.
func BuildModels(ctx context.Context, fabric *distributed.Fabric, cfg *config.Model, layout Layout,
	opts gpt2.Options) ([]*gpt2.Model, error) {
	if fabric.NumRanks() != layout.WorldSize() {
		return nil, errors.Errorf("fabric has %d ranks, layout %s requires %d", fabric.NumRanks(), layout, layout.WorldSize())
	}
	if want := config.PadVocabSize(cfg.VocabSize, cfg.MakeVocabSizeDivisibleBy, layout.TensorSize); cfg.PaddedVocabSize != want {
		return nil, errors.Errorf("model configuration not finalized for tensor size %d: padded vocabulary %d, wanted %d",
			layout.TensorSize, cfg.PaddedVocabSize, want)
	}
	models := make([]*gpt2.Model, layout.WorldSize())
	g, ctx := errgroup.WithContext(ctx)
	for rank := range models {
		g.Go(func() error {
			topo, err := parallel.NewTopology(layout.PipelineSize, layout.DataSize, layout.TensorSize, rank)
			if err != nil {
				return err
			}
			models[rank], err = gpt2.New(ctx, cfg, topo, fabric.Rank(rank), opts)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("built %d models for %s on fabric %s", len(models), layout, fabric.ID())
	return models, nil
}

// Run pushes the micro-batches through the models (as returned by BuildModels) and returns the mean
// loss of each micro-batch, weighted by the loss mask of maskOpts.
//
// Micro-batch i is processed by the data-parallel replica i % DataSize. If progress is not nil, it is
// called after each micro-batch's loss is known, possibly concurrently from different replicas.
func Run(ctx context.Context, fabric *distributed.Fabric, models []*gpt2.Model, microBatches []Batch,
	maskOpts gpt2.MaskOptions, progress func(microBatch int, loss float64)) ([]float64, error) {
	losses := make([]float64, len(microBatches))
	g, ctx := errgroup.WithContext(ctx)
	for rank, model := range models {
		g.Go(func() error {
			comm := fabric.Rank(rank)
			topo := model.Topology()
			for idx, batch := range microBatches {
				if idx%topo.DataSize() != topo.DataRank() {
					continue
				}
				loss, err := runMicroBatch(ctx, comm, model, batch, maskOpts)
				if err != nil {
					return errors.WithMessagef(err, "rank %d, micro-batch #%d", rank, idx)
				}
				if model.Role().IsLast() && topo.TensorRank() == 0 {
					losses[idx] = loss
					klog.V(1).Infof("micro-batch #%d: loss=%.4f", idx, loss)
					if progress != nil {
						progress(idx, loss)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return losses, nil
}

// runMicroBatch runs the stage of model on the batch. On the last stage it returns the mean loss.
func runMicroBatch(ctx context.Context, comm *distributed.Communicator, model *gpt2.Model, batch Batch,
	maskOpts gpt2.MaskOptions) (float64, error) {
	topo := model.Topology()
	mask, lossMask, positions := gpt2.LeftToRightMaskAndPositions(batch.InputIDs, maskOpts)
	inputs := &gpt2.Inputs{AttentionMask: mask}
	if model.Role().IsFirst() {
		inputs.InputIDs, inputs.PositionIDs = batch.InputIDs, positions
	} else {
		hidden, err := comm.Recv(ctx, topo.PrevRank())
		if err != nil {
			return 0, err
		}
		inputs.HiddenState = hidden
	}
	if model.Role().IsLast() {
		inputs.Labels = batch.Labels
	}
	output, err := model.Forward(ctx, inputs)
	if err != nil {
		return 0, err
	}
	if !model.Role().IsLast() {
		return 0, comm.Send(ctx, topo.NextRank(), output.Hidden)
	}
	return maskedMean(output.Loss.Float32s(), lossMask.Float32s()), nil
}

func maskedMean(values, mask []float32) float64 {
	var sum, count float64
	for ii, v := range values {
		sum += float64(v) * float64(mask[ii])
		count += float64(mask[ii])
	}
	if count == 0 {
		return 0
	}
	return sum / count
}

// TiedEmbeddingsEqual checks that, for every pipeline, the word embeddings of the first and last stages
// are bit-identical. models are indexed by rank.
func TiedEmbeddingsEqual(models []*gpt2.Model) error {
	for _, model := range models {
		if model.Role() != gpt2.StageRoleLast {
			continue
		}
		first := models[model.Topology().EmbeddingGroup().Ranks[0]]
		if !first.WordEmbeddingsWeight().BitEqual(model.WordEmbeddingsWeight()) {
			return errors.Errorf("word embeddings of rank %d (%s) and rank %d (%s) differ",
				first.Topology().Rank(), first.Role(), model.Topology().Rank(), model.Role())
		}
	}
	return nil
}
