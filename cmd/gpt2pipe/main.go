// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gpt2pipe builds a GPT-2 model split over in-process pipeline, data and tensor parallel ranks,
// runs random micro-batches through it and reports the losses and the per-rank model sizes.
//
// Example:
//
//	gpt2pipe -pipeline=2 -tensor=2 -set="num_layers=4;hidden_size=256;num_attention_heads=4"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gpt2pipe/pkg/core/distributed"
	"github.com/gomlx/gpt2pipe/pkg/ml/config"
	"github.com/gomlx/gpt2pipe/pkg/ml/model/gpt2"
	"github.com/gomlx/gpt2pipe/pkg/ml/pipeline"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagSettings = flag.String("set", "", "Model hyperparameters, as a list of \"key=value\" separated by \";\", "+
		"or \"file:<path>\" to read them one per line. See package config for the keys.")
	flagPipeline     = flag.Int("pipeline", 2, "Number of pipeline stages.")
	flagData         = flag.Int("data", 1, "Number of data-parallel replicas.")
	flagTensor       = flag.Int("tensor", 1, "Number of tensor-parallel ranks per stage.")
	flagMicroBatches = flag.Int("micro_batches", 8, "Number of micro-batches to run.")
	flagBatchSize    = flag.Int("batch", 2, "Number of sequences per micro-batch.")
	flagSeqLen       = flag.Int("seq", 32, "Sequence length.")
	flagDataSeed     = flag.Uint64("data_seed", 42, "Seed of the random token ids.")
	flagEOD          = flag.Int("eod", -1, "End-of-document token id: if >= 0 positions and attention restart after it.")
	flagVars         = flag.Int("vars", -1, "If >= 0, lists the state dict entries of this rank.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'gpt2pipe -help'.", flag.Args())
		os.Exit(1)
	}

	runID := uuid.New()
	klog.Infof("gpt2pipe run %s", runID)
	cfg := config.Default()
	paramsSet := must.M1(config.ParseSettings(cfg, *flagSettings))
	klog.V(1).Infof("hyperparameters set: %v", paramsSet)
	layout := pipeline.Layout{PipelineSize: *flagPipeline, DataSize: *flagData, TensorSize: *flagTensor}
	must.M(cfg.Finalize(layout.TensorSize))
	klog.Infof("model: %s", cfg)

	ctx := context.Background()
	fabric := must.M1(distributed.NewFabric(layout.WorldSize()))
	models := must.M1(pipeline.BuildModels(ctx, fabric, cfg, layout, gpt2.DefaultOptions()))
	must.M(pipeline.TiedEmbeddingsEqual(models))

	maskOpts := gpt2.MaskOptions{}
	if *flagEOD >= 0 {
		maskOpts = gpt2.MaskOptions{EODToken: int32(*flagEOD), ResetPositionIDs: true, ResetAttentionMask: true, EODMaskLoss: true}
	}
	batches := randomMicroBatches(*flagDataSeed, *flagMicroBatches, *flagBatchSize, *flagSeqLen, cfg.VocabSize)
	bar := newProgressBar(len(batches))
	losses := must.M1(pipeline.Run(ctx, fabric, models, batches, maskOpts, bar.onMicroBatch))
	bar.finish()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Run %s: %s", runID, layout)))
	fmt.Println(lossesTable(losses).Table.Render())
	fmt.Println(summaryTable(models).Table.Render())
	if *flagVars >= 0 {
		if *flagVars >= len(models) {
			klog.Errorf("-vars=%d: there are only %d ranks", *flagVars, len(models))
			os.Exit(1)
		}
		fmt.Println(titleStyle.Render(fmt.Sprintf("State dict of rank %d", *flagVars)))
		fmt.Println(variablesTable(models[*flagVars]).Table.Render())
	}
}
